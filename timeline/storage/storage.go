// Package storage declares the transactional boundary the gap-filling
// engine runs inside: a read-write transaction over the
// {roomMembers, pendingEvents, timelineEvents, timelineRelations,
// timelineFragments} object stores (spec.md §5). The engine commits
// nothing itself — the caller opens the transaction, hands it to GapWriter,
// and commits (or aborts) it once GapWriter returns.
package storage

import "github.com/initiative-elysion/hydrogen-web/timeline/storage/tables"

// Transaction is the caller-provided read-write transaction GapWriter
// operates inside. Every table returned here is scoped to this transaction:
// writes made through one are visible to reads made through another within
// the same Transaction, and nowhere else until commit.
type Transaction interface {
	TimelineEvents() tables.TimelineEvents
	TimelineFragments() tables.TimelineFragments
	TimelineRelations() tables.TimelineRelations
	RoomMembers() tables.RoomMembers
	PendingEvents() tables.PendingEvents
}

// Database opens transactions. Implementations live in
// timeline/storage/postgres, timeline/storage/sqlite3 and
// timeline/storage/memstore (an in-memory fake used by tests and the demo
// command, whose Do does not roll back).
type Database interface {
	// Do opens a Transaction, calls fn, and commits if fn returns nil or
	// aborts if it returns an error (or panics).
	Do(fn func(txn Transaction) error) error
}
