package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/loomhq/loomd/internal/storage"
)

// withIdempotency wraps fn with idempotency-key replay semantics for a
// write tool: the same key replayed with the same args returns the prior
// envelope verbatim; the same key with different args is a CONFLICT; a key
// still being processed by a concurrent caller is a retryable RESOURCE_BUSY.
// Scoped per (project, agent, tool name) so two different agents can reuse
// the same client-chosen key without colliding.
func withIdempotency(ctx context.Context, d *Dispatcher, projectID, agentID int64, toolName, key string, args map[string]any, fn func() Envelope) Envelope {
	hash := hashIdempotencyArgs(args)

	lookup, err := d.store.BeginIdempotency(ctx, projectID, agentID, toolName, key, hash)
	switch {
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		return fail(newToolError(KindConflict, false, "idempotency_key was already used with a different request", nil))
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		return fail(newToolError(KindResourceBusy, true, "a request with this idempotency_key is already in progress", nil))
	case err != nil:
		return fail(classifyStoreError(err))
	}

	if lookup.Completed {
		var replay Envelope
		if jsonErr := json.Unmarshal([]byte(lookup.ResponseJSON), &replay); jsonErr == nil {
			return replay
		}
		// Stored response didn't decode; fall through and re-run rather than
		// surfacing an opaque error to the caller.
	}

	env := fn()
	if completeErr := d.store.CompleteIdempotency(ctx, projectID, agentID, toolName, key, env); completeErr != nil {
		_ = d.store.ClearInProgressIdempotency(ctx, projectID, agentID, toolName, key)
	}
	return env
}

func hashIdempotencyArgs(args map[string]any) string {
	body, _ := json.Marshal(args)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
