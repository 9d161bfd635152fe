package model

// DocKind distinguishes the source table a search document was derived from.
type DocKind string

const (
	DocKindMessage DocKind = "message"
)

// Provenance records where a Document's text came from.
type Provenance struct {
	SourceKind DocKind `json:"source_kind"`
	SourceID   int64   `json:"source_id"`
	Author     *string `json:"author,omitempty"`
}

// Visibility scopes a Document to the tenants allowed to see it in query results.
type Visibility struct {
	ProjectID  int64   `json:"project_id"`
	ProductIDs []int64 `json:"product_ids,omitempty"`
}

// Document is the envelope every indexed item is wrapped in before scoring.
// Query-time filtering applies Visibility before any ranking runs.
type Document struct {
	ID         int64      `json:"id"`
	Version    int64      `json:"version"`
	Text       string     `json:"text"`
	Visibility Visibility `json:"visibility"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  int64      `json:"created_at_micros"`
	Importance Importance `json:"importance"`

	FastEmbedding    []float32 `json:"-"`
	QualityEmbedding []float32 `json:"-"`
}

// DocChange is the closed tagged variant consumed by the incremental updater:
// exactly one of Doc (for Upsert) or (DeleteID, DeleteKind) (for Delete) is set.
type DocChange struct {
	kind     changeKind
	Doc      Document
	DeleteID int64
	DeleteKd DocKind
}

type changeKind int

const (
	changeUpsert changeKind = iota
	changeDelete
)

// Upsert constructs a DocChange that inserts or replaces doc.
func Upsert(doc Document) DocChange {
	return DocChange{kind: changeUpsert, Doc: doc}
}

// Delete constructs a DocChange that removes the document identified by (kind, id).
func Delete(id int64, kind DocKind) DocChange {
	return DocChange{kind: changeDelete, DeleteID: id, DeleteKd: kind}
}

// IsUpsert reports whether this change is an Upsert.
func (c DocChange) IsUpsert() bool { return c.kind == changeUpsert }

// Key returns the (kind, id) identity used for de-duplication by the updater.
func (c DocChange) Key() (DocKind, int64) {
	if c.kind == changeUpsert {
		return c.Doc.Provenance.SourceKind, c.Doc.ID
	}
	return c.DeleteKd, c.DeleteID
}

// SearchHit is one ranked result with its score breakdown and provenance.
type SearchHit struct {
	Doc        Document `json:"doc"`
	FinalScore float64  `json:"final_score"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
}

// ScoreBreakdown exposes the per-tier contributions behind a SearchHit's FinalScore.
type ScoreBreakdown struct {
	Lexical float64 `json:"lexical,omitempty"`
	Fast    float64 `json:"fast,omitempty"`
	Quality float64 `json:"quality,omitempty"`
	Fused   float64 `json:"fused"`
}

// SearchMode selects which retrieval tiers a query exercises.
type SearchMode string

const (
	ModeAuto     SearchMode = "auto"
	ModeLexical  SearchMode = "lexical"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)
