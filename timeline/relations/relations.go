// Package relations implements the relation writer external collaborator
// named in spec.md §6: relationWriter.writeGapRelation(entry, direction,
// txn, log). Neither the gap-filling engine nor this package deduplicates
// relations: every call that finds a relation records a new row.
package relations

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage/tables"
)

// Writer is the relation writer interface EventInserter calls through.
// Implementations inspect a freshly-stored event for an m.relates_to
// relation and update whatever target entries that relation bears on.
type Writer interface {
	WriteGapRelation(ctx context.Context, entry *timeline.EventStorageEntry, direction timeline.Direction, txn storage.Transaction, log *logrus.Entry) ([]*timeline.EventStorageEntry, error)
}

// relatesTo mirrors the m.relates_to content shape well enough to extract a
// target event id and relation type; full relation-type semantics (edit
// aggregation, reaction counting, thread bundling, …) live upstream of this
// engine and are out of scope here.
type relatesTo struct {
	EventID string `json:"event_id"`
	RelType string `json:"rel_type"`
}

// DefaultWriter is the default, storage-backed Writer. It records a
// TimelineRelations row for every relation it finds and stamps the related
// event id/type onto the entry so the caller's UI can show "1 reaction"
// style badges without a second query.
type DefaultWriter struct{}

// NewDefaultWriter constructs a DefaultWriter.
func NewDefaultWriter() *DefaultWriter {
	return &DefaultWriter{}
}

// WriteGapRelation extracts entry.Event.Content["m.relates_to"], and if
// present, records the relation and returns the target entry as stored (if
// it is already stored); the target entry itself is not modified. It never
// returns an error for a missing or malformed relation — that simply means
// this event does not relate to anything.
func (w *DefaultWriter) WriteGapRelation(ctx context.Context, entry *timeline.EventStorageEntry, direction timeline.Direction, txn storage.Transaction, log *logrus.Entry) ([]*timeline.EventStorageEntry, error) {
	rel, ok := extractRelatesTo(entry)
	if !ok {
		return nil, nil
	}

	requestID := uuid.NewString()
	log = log.WithField("relation_request", requestID)

	record := tables.RelationRecord{
		RoomID:       entry.RoomID,
		TargetID:     rel.EventID,
		RelationType: rel.RelType,
		SourceID:     entry.EventID(),
	}
	if err := txn.TimelineRelations().Add(ctx, record); err != nil {
		return nil, err
	}

	entry.RelatedEventID = &rel.EventID
	entry.RelationType = &rel.RelType

	target, err := txn.TimelineEvents().GetByEventID(ctx, entry.RoomID, rel.EventID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		log.WithField("target_event_id", rel.EventID).Debug("relation target not yet stored locally")
		return nil, nil
	}
	return []*timeline.EventStorageEntry{target}, nil
}

func extractRelatesTo(entry *timeline.EventStorageEntry) (relatesTo, bool) {
	raw, ok := entry.Event.Content["m.relates_to"]
	if !ok {
		return relatesTo{}, false
	}
	// Content values decode from JSON as map[string]interface{}/arbitrary
	// types; round-trip through encoding/json rather than hand-walking the
	// map so future relation fields (rel_type variants, fallback keys) just
	// work once added to the struct.
	b, err := json.Marshal(raw)
	if err != nil {
		return relatesTo{}, false
	}
	var rel relatesTo
	if err := json.Unmarshal(b, &rel); err != nil {
		return relatesTo{}, false
	}
	if rel.EventID == "" {
		return relatesTo{}, false
	}
	return rel, true
}
