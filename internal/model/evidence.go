package model

import "time"

// EvidenceEntry is one append-only decision record in the evidence ledger (spec.md §4.8).
type EvidenceEntry struct {
	Seq            int64          `json:"seq"`
	TSMicros       int64          `json:"ts_micros"`
	DecisionPoint  string         `json:"decision_point"`
	Action         string         `json:"action"`
	Confidence     float64        `json:"confidence"`
	Evidence       map[string]any `json:"evidence"`
	Expected       *string        `json:"expected,omitempty"`
	Actual         *string        `json:"actual,omitempty"`
	Correct        *bool          `json:"correct,omitempty"`
	ExpectedLoss   *float64       `json:"expected_loss,omitempty"`
	TraceID        *string        `json:"trace_id,omitempty"`
	Model          string         `json:"model,omitempty"`
}

// TimeFromMicros converts a microsecond Unix timestamp to a time.Time.
func TimeFromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}

// MicrosFromTime converts a time.Time to microseconds since the Unix epoch.
func MicrosFromTime(t time.Time) int64 {
	return t.UnixMicro()
}
