// Package memstore is an in-memory implementation of the storage
// interfaces, used by the engine's unit tests and by cmd/gapfill-demo. It
// has no ambition to be a real backend (that's timeline/storage/postgres
// or timeline/storage/sqlite3); it exists to let the fragment-linking
// algorithm be exercised without a database, the same way roomserver/internal
// in the teacher is tested against fakes rather than a live postgres.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage/tables"
)

// Store is the in-memory backing state, shared across every transaction
// opened against it.
type Store struct {
	mu sync.Mutex

	events    map[string]map[string]*timeline.EventStorageEntry // roomID -> eventID -> entry
	fragments map[string]map[int64]*timeline.Fragment           // roomID -> fragmentID -> fragment
	relations map[string][]tables.RelationRecord                // roomID -> records
	members   map[string]map[string]map[string]interface{}      // roomID -> userID -> content
	pending   map[string][]*timeline.EventStorageEntry           // roomID -> entries
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:    make(map[string]map[string]*timeline.EventStorageEntry),
		fragments: make(map[string]map[int64]*timeline.Fragment),
		relations: make(map[string][]tables.RelationRecord),
		members:   make(map[string]map[string]map[string]interface{}),
		pending:   make(map[string][]*timeline.EventStorageEntry),
	}
}

// SeedMembership is a test/demo convenience for pre-populating a room
// member's current membership content without going through a transaction.
func (s *Store) SeedMembership(roomID, userID string, content map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.members[roomID]
	if !ok {
		room = make(map[string]map[string]interface{})
		s.members[roomID] = room
	}
	room[userID] = content
}

// SeedFragment is a test/demo convenience for inserting a fragment without a
// transaction.
func (s *Store) SeedFragment(f *timeline.Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.fragments[f.RoomID]
	if !ok {
		room = make(map[int64]*timeline.Fragment)
		s.fragments[f.RoomID] = room
	}
	room[f.ID] = f.Clone()
}

// AllFragments returns a snapshot of every fragment stored for roomID,
// ordered by id, for tests/demo output.
func (s *Store) AllFragments(roomID string) []*timeline.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.fragments[roomID]
	out := make([]*timeline.Fragment, 0, len(room))
	for _, f := range room {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EventsInFragment returns a snapshot of every event stored in fragmentID,
// ordered by EventKey, for tests/demo output.
func (s *Store) EventsInFragment(roomID string, fragmentID int64) []*timeline.EventStorageEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*timeline.EventStorageEntry
	for _, e := range s.events[roomID] {
		if e.Key.FragmentID == fragmentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.EventIndex < out[j].Key.EventIndex })
	return out
}

// Do implements storage.Database by holding the store's lock for the
// duration of fn, which stands in for real transaction isolation. Writes
// made by fn go straight into the store: they are not rolled back when fn
// returns an error or panics.
func (s *Store) Do(fn func(txn storage.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := &txn{store: s}
	return fn(txn)
}

type txn struct {
	store *Store
}

func (t *txn) TimelineEvents() tables.TimelineEvents       { return eventsTable{t.store} }
func (t *txn) TimelineFragments() tables.TimelineFragments { return fragmentsTable{t.store} }
func (t *txn) TimelineRelations() tables.TimelineRelations { return relationsTable{t.store} }
func (t *txn) RoomMembers() tables.RoomMembers             { return membersTable{t.store} }
func (t *txn) PendingEvents() tables.PendingEvents         { return pendingTable{t.store} }

type eventsTable struct{ s *Store }

func (e eventsTable) roomEvents(roomID string) map[string]*timeline.EventStorageEntry {
	room, ok := e.s.events[roomID]
	if !ok {
		room = make(map[string]*timeline.EventStorageEntry)
		e.s.events[roomID] = room
	}
	return room
}

func (e eventsTable) Insert(_ context.Context, roomID string, entry *timeline.EventStorageEntry) error {
	room := e.roomEvents(roomID)
	if _, exists := room[entry.EventID()]; exists {
		return nil
	}
	room[entry.EventID()] = entry
	return nil
}

func (e eventsTable) GetByEventID(_ context.Context, roomID, eventID string) (*timeline.EventStorageEntry, error) {
	room := e.s.events[roomID]
	if room == nil {
		return nil, nil
	}
	return room[eventID], nil
}

func (e eventsTable) FindFirstOccurringEventID(_ context.Context, roomID string, candidateIDs []string) (string, bool, error) {
	room := e.s.events[roomID]
	if room == nil {
		return "", false, nil
	}
	for _, id := range candidateIDs {
		if _, ok := room[id]; ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (e eventsTable) inFragment(roomID string, fragmentID int64) []*timeline.EventStorageEntry {
	var out []*timeline.EventStorageEntry
	for _, entry := range e.s.events[roomID] {
		if entry.Key.FragmentID == fragmentID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.EventIndex < out[j].Key.EventIndex })
	return out
}

func (e eventsTable) FirstEvents(_ context.Context, roomID string, fragmentID int64, n int) ([]*timeline.EventStorageEntry, error) {
	all := e.inFragment(roomID, fragmentID)
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (e eventsTable) LastEvents(_ context.Context, roomID string, fragmentID int64, n int) ([]*timeline.EventStorageEntry, error) {
	all := e.inFragment(roomID, fragmentID)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (e eventsTable) EventsAfter(_ context.Context, roomID string, key timeline.EventKey) ([]*timeline.EventStorageEntry, error) {
	all := e.inFragment(roomID, key.FragmentID)
	var out []*timeline.EventStorageEntry
	for _, entry := range all {
		if entry.Key.EventIndex > key.EventIndex {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (e eventsTable) UpdateRelationFields(_ context.Context, roomID string, entry *timeline.EventStorageEntry) error {
	room := e.roomEvents(roomID)
	stored, ok := room[entry.EventID()]
	if !ok {
		return nil
	}
	stored.RelatedEventID = entry.RelatedEventID
	stored.RelationType = entry.RelationType
	return nil
}

type fragmentsTable struct{ s *Store }

func (f fragmentsTable) roomFragments(roomID string) map[int64]*timeline.Fragment {
	room, ok := f.s.fragments[roomID]
	if !ok {
		room = make(map[int64]*timeline.Fragment)
		f.s.fragments[roomID] = room
	}
	return room
}

func (f fragmentsTable) Add(_ context.Context, fragment *timeline.Fragment) error {
	f.roomFragments(fragment.RoomID)[fragment.ID] = fragment.Clone()
	return nil
}

func (f fragmentsTable) Update(_ context.Context, fragment *timeline.Fragment) error {
	f.roomFragments(fragment.RoomID)[fragment.ID] = fragment.Clone()
	return nil
}

func (f fragmentsTable) Get(_ context.Context, roomID string, id int64) (*timeline.Fragment, error) {
	room := f.s.fragments[roomID]
	if room == nil {
		return nil, nil
	}
	got, ok := room[id]
	if !ok {
		return nil, nil
	}
	return got.Clone(), nil
}

func (f fragmentsTable) GetMaxFragmentID(_ context.Context, roomID string) (int64, error) {
	room := f.s.fragments[roomID]
	var max int64 = -1
	for id := range room {
		if id > max {
			max = id
		}
	}
	return max, nil
}

type relationsTable struct{ s *Store }

func (r relationsTable) Add(_ context.Context, record tables.RelationRecord) error {
	r.s.relations[record.RoomID] = append(r.s.relations[record.RoomID], record)
	return nil
}

func (r relationsTable) ForTarget(_ context.Context, roomID, targetID string) ([]tables.RelationRecord, error) {
	var out []tables.RelationRecord
	for _, rec := range r.s.relations[roomID] {
		if rec.TargetID == targetID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type membersTable struct{ s *Store }

func (m membersTable) GetMembership(_ context.Context, roomID, userID string) (map[string]interface{}, bool, error) {
	room := m.s.members[roomID]
	if room == nil {
		return nil, false, nil
	}
	content, ok := room[userID]
	return content, ok, nil
}

type pendingTable struct{ s *Store }

func (p pendingTable) ForRoom(_ context.Context, roomID string) ([]*timeline.EventStorageEntry, error) {
	return p.s.pending[roomID], nil
}
