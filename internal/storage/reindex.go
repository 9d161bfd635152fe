package storage

import (
	"context"
	"fmt"

	"github.com/loomhq/loomd/internal/model"
)

// MessageReindexer adapts Store to internal/search's Reindexer interface,
// letting a full reindex rebuild the index from the durable message store
// rather than from whatever the incremental stream happened to observe.
type MessageReindexer struct {
	store *Store
}

// NewMessageReindexer wraps store for full-reindex use.
func NewMessageReindexer(store *Store) *MessageReindexer {
	return &MessageReindexer{store: store}
}

// AllDocuments projects every non-archived message into a search Document.
func (r *MessageReindexer) AllDocuments(ctx context.Context) ([]model.Document, error) {
	messages, err := r.store.AllMessages(ctx)
	if err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, len(messages))
	for _, m := range messages {
		authorStr := fmt.Sprintf("%d", m.SenderID)
		docs = append(docs, model.Document{
			ID:         m.ID,
			Version:    m.CreatedAt.UnixMicro(),
			Text:       m.Subject + "\n" + m.BodyMD,
			Visibility: model.Visibility{ProjectID: m.ProjectID},
			Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: m.ID, Author: &authorStr},
			CreatedAt:  m.CreatedAt.UnixMicro(),
			Importance: m.Importance,
		})
	}
	return docs, nil
}
