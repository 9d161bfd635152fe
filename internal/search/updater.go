package search

import (
	"context"
	"log/slog"

	"github.com/loomhq/loomd/internal/model"
)

// SchemaVersion and EmbedderID identify the index build this updater keeps
// current. CheckDrift reports whether an incoming pair differs; the updater
// does not start FullReindex on its own, the caller does (spec.md §4.7).
type SchemaVersion struct {
	Schema    string
	EmbedderID string
}

// Reindexer supplies the full document set for a from-scratch rebuild.
type Reindexer interface {
	AllDocuments(ctx context.Context) ([]model.Document, error)
}

// Updater consumes a DocChange stream, deduplicating by (kind,id) within a
// batch (keeping the last write) before applying to the Index under its
// write lock.
type Updater struct {
	idx       *Index
	reindexer Reindexer
	current   SchemaVersion
	logger    *slog.Logger
}

// NewUpdater creates an Updater targeting idx, optionally backed by a
// Reindexer for drift-triggered full rebuilds.
func NewUpdater(idx *Index, reindexer Reindexer, version SchemaVersion, logger *slog.Logger) *Updater {
	return &Updater{idx: idx, reindexer: reindexer, current: version, logger: logger}
}

// ApplyBatch dedupes changes by (kind,id) keeping the last write, then
// applies each surviving change to the index.
func (u *Updater) ApplyBatch(ctx context.Context, changes []model.DocChange) error {
	type key struct {
		kind model.DocKind
		id   int64
	}
	deduped := make(map[key]model.DocChange, len(changes))
	order := make([]key, 0, len(changes))
	for _, c := range changes {
		kind, id := c.Key()
		k := key{kind, id}
		if _, exists := deduped[k]; !exists {
			order = append(order, k)
		}
		deduped[k] = c
	}
	for _, k := range order {
		if err := u.idx.Apply(ctx, deduped[k]); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes changes from stream until it closes or ctx is cancelled,
// applying each one individually (the coalescer/caller is responsible for
// batching bursts before they reach this channel).
func (u *Updater) Run(ctx context.Context, stream <-chan model.DocChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, open := <-stream:
			if !open {
				return
			}
			if err := u.idx.Apply(ctx, change); err != nil && u.logger != nil {
				u.logger.Warn("search: apply change failed", "error", err)
			}
		}
	}
}

// CheckDrift reports whether incoming reports a schema or embedder-id
// mismatch against the version this Updater was built with.
func (u *Updater) CheckDrift(incoming SchemaVersion) bool {
	return incoming != u.current
}

// FullReindex rebuilds the index from scratch via the Reindexer, used when
// CheckDrift reports true.
func (u *Updater) FullReindex(ctx context.Context, version SchemaVersion) error {
	if u.reindexer == nil {
		return nil
	}
	docs, err := u.reindexer.AllDocuments(ctx)
	if err != nil {
		return err
	}
	fresh := NewIndexLike(u.idx)
	for _, d := range docs {
		if err := fresh.upsert(ctx, d); err != nil {
			return err
		}
	}
	u.idx.replaceFrom(fresh)
	u.current = version
	return nil
}
