// Package tables declares the object-store interfaces the gap-filling
// engine consumes. Spec.md §6 calls these out as external collaborators:
// the engine never opens a connection or issues SQL itself, it only calls
// through these interfaces inside the transaction the caller handed it.
package tables

import (
	"context"

	"github.com/initiative-elysion/hydrogen-web/timeline"
)

// TimelineEvents is the object store backing txn.timelineEvents.
type TimelineEvents interface {
	// Insert stores a new entry. Inserting an entry whose EventID already
	// exists in the room is a no-op that returns no error, giving the
	// engine idempotence with respect to eventId-based deduplication
	// (spec.md §8 invariant 5).
	Insert(ctx context.Context, roomID string, entry *timeline.EventStorageEntry) error

	// GetByEventID looks up a stored entry by event id. Returns (nil, nil)
	// if not found.
	GetByEventID(ctx context.Context, roomID, eventID string) (*timeline.EventStorageEntry, error)

	// FindFirstOccurringEventID scans candidateIDs in order and returns the
	// first one already present in storage for roomID. Returns ("", false,
	// nil) if none are present.
	FindFirstOccurringEventID(ctx context.Context, roomID string, candidateIDs []string) (eventID string, found bool, err error)

	// FirstEvents returns up to n events at the low-index end of a
	// fragment, in ascending key order.
	FirstEvents(ctx context.Context, roomID string, fragmentID int64, n int) ([]*timeline.EventStorageEntry, error)

	// LastEvents returns up to n events at the high-index end of a
	// fragment, in ascending key order.
	LastEvents(ctx context.Context, roomID string, fragmentID int64, n int) ([]*timeline.EventStorageEntry, error)

	// EventsAfter returns events strictly after key within the same
	// fragment, in ascending key order.
	EventsAfter(ctx context.Context, roomID string, key timeline.EventKey) ([]*timeline.EventStorageEntry, error)

	// UpdateRelationFields persists a relation-target update the relation
	// writer produced for an already-stored entry.
	UpdateRelationFields(ctx context.Context, roomID string, entry *timeline.EventStorageEntry) error
}

// TimelineFragments is the object store backing txn.timelineFragments.
type TimelineFragments interface {
	Add(ctx context.Context, fragment *timeline.Fragment) error
	Update(ctx context.Context, fragment *timeline.Fragment) error
	Get(ctx context.Context, roomID string, id int64) (*timeline.Fragment, error)
	GetMaxFragmentID(ctx context.Context, roomID string) (int64, error)
}

// RelationRecord is one row of the timelineRelations object store: a
// back-reference from a relation's target event to the event that relates
// to it, keyed so the relation writer can find every event relating to a
// given target without scanning the whole room.
type RelationRecord struct {
	RoomID       string
	TargetID     string
	RelationType string
	SourceID     string
}

// TimelineRelations is the object store backing txn.timelineRelations.
type TimelineRelations interface {
	Add(ctx context.Context, record RelationRecord) error
	ForTarget(ctx context.Context, roomID, targetID string) ([]RelationRecord, error)
}

// RoomMembers is the object store backing txn.roomMembers: the local
// snapshot of membership state used to resolve a sender's display name and
// avatar when it was found neither within the chunk nor in the chunk's
// state (§4.2.1).
type RoomMembers interface {
	// GetMembership returns the most recent known m.room.member content for
	// userID in roomID, if any.
	GetMembership(ctx context.Context, roomID, userID string) (content map[string]interface{}, ok bool, err error)
}

// PendingEvents is the object store backing txn.pendingEvents: locally sent
// events awaiting server acknowledgement. The gap-filling engine does not
// read or write this store itself — it is listed here only because it is
// part of the transactional scope spec.md §5 requires every
// writeFragmentFill/writeContext call to run inside, alongside the stores
// the engine does touch.
type PendingEvents interface {
	ForRoom(ctx context.Context, roomID string) ([]*timeline.EventStorageEntry, error)
}
