package notary

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/muster-io/muster/internal/store"
)

// StoreSink appends audit entries to the store's activity_log table.
//
// Each entry is written in its own anonymous unit of work: the audit
// write happens after (and independently of) the transaction it
// documents, so a failure here can never unwind committed business state.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink over the given store.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, e Entry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("record activity: marshal metadata: %w", err)
	}

	var actorID any
	if e.ActorID != "" {
		actorID = e.ActorID
	}
	var entityID any
	if e.EntityID != "" {
		entityID = e.EntityID
	}

	return s.store.Run(ctx, nil, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO activity_log (actor_id, action, entity_type, entity_id, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, actorID, e.Action, e.EntityType, entityID, string(raw), e.At)
		if err != nil {
			return fmt.Errorf("record activity: %w", err)
		}
		return nil
	})
}
