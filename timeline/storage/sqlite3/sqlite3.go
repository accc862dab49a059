// Package sqlite3 implements the gap-filling engine's storage interfaces
// against sqlite3, mirroring timeline/storage/postgres's table layout and
// statement-preparation pattern with sqlite's placeholder and upsert syntax.
// The driver is selected by build tag: sqlite3_cgo pulls in mattn/go-sqlite3
// (cgo, fast), otherwise modernc.org/sqlite (pure Go) is used, matching the
// teacher's dual-driver split for sqlite-backed storage.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/initiative-elysion/hydrogen-web/internal/sqlutil"
	"github.com/initiative-elysion/hydrogen-web/setup/config"
	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage/tables"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS timeline_events (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	fragment_id INTEGER NOT NULL,
	event_index INTEGER NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT,
	content TEXT NOT NULL,
	prev_content TEXT,
	display_name TEXT,
	avatar_url TEXT,
	related_event_id TEXT,
	relation_type TEXT,
	PRIMARY KEY (room_id, event_id)
);
CREATE INDEX IF NOT EXISTS timeline_events_fragment_idx ON timeline_events(room_id, fragment_id, event_index);
`

const fragmentsSchema = `
CREATE TABLE IF NOT EXISTS timeline_fragments (
	room_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	previous INTEGER,
	next INTEGER,
	previous_token TEXT,
	next_token TEXT,
	edge_reached INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, id)
);
`

const relationsSchema = `
CREATE TABLE IF NOT EXISTS timeline_relations (
	room_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	source_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS timeline_relations_target_idx ON timeline_relations(room_id, target_id);
`

const membersSchema = `
CREATE TABLE IF NOT EXISTS timeline_room_members (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
`

const pendingSchema = `
CREATE TABLE IF NOT EXISTS timeline_pending_events (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (room_id, event_id)
);
`

const (
	insertEventSQL = "" +
		"INSERT OR IGNORE INTO timeline_events (room_id, event_id, fragment_id, event_index, sender, type, state_key, content, prev_content, display_name, avatar_url)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	selectEventByIDSQL = "" +
		"SELECT event_id, fragment_id, event_index, sender, type, state_key, content, prev_content, display_name, avatar_url, related_event_id, relation_type" +
		" FROM timeline_events WHERE room_id = ? AND event_id = ?"

	selectFirstEventsSQL = "" +
		"SELECT event_id, fragment_id, event_index, sender, type, state_key, content, prev_content, display_name, avatar_url, related_event_id, relation_type" +
		" FROM timeline_events WHERE room_id = ? AND fragment_id = ? ORDER BY event_index ASC LIMIT ?"

	selectLastEventsSQL = "" +
		"SELECT event_id, fragment_id, event_index, sender, type, state_key, content, prev_content, display_name, avatar_url, related_event_id, relation_type" +
		" FROM (SELECT event_id, fragment_id, event_index, sender, type, state_key, content, prev_content, display_name, avatar_url, related_event_id, relation_type" +
		"       FROM timeline_events WHERE room_id = ? AND fragment_id = ? ORDER BY event_index DESC LIMIT ?) reversed" +
		" ORDER BY event_index ASC"

	selectEventsAfterSQL = "" +
		"SELECT event_id, fragment_id, event_index, sender, type, state_key, content, prev_content, display_name, avatar_url, related_event_id, relation_type" +
		" FROM timeline_events WHERE room_id = ? AND fragment_id = ? AND event_index > ? ORDER BY event_index ASC"

	updateRelationFieldsSQL = "" +
		"UPDATE timeline_events SET related_event_id = ?, relation_type = ? WHERE room_id = ? AND event_id = ?"

	insertFragmentSQL = "" +
		"INSERT OR IGNORE INTO timeline_fragments (room_id, id, previous, next, previous_token, next_token, edge_reached)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?)"

	updateFragmentSQL = "" +
		"UPDATE timeline_fragments SET previous = ?, next = ?, previous_token = ?, next_token = ?, edge_reached = ?" +
		" WHERE room_id = ? AND id = ?"

	selectFragmentSQL = "" +
		"SELECT previous, next, previous_token, next_token, edge_reached FROM timeline_fragments WHERE room_id = ? AND id = ?"

	selectMaxFragmentIDSQL = "" +
		"SELECT COALESCE(MAX(id), -1) FROM timeline_fragments WHERE room_id = ?"

	insertRelationSQL = "" +
		"INSERT INTO timeline_relations (room_id, target_id, relation_type, source_id) VALUES (?, ?, ?, ?)"

	selectRelationsForTargetSQL = "" +
		"SELECT relation_type, source_id FROM timeline_relations WHERE room_id = ? AND target_id = ?"

	upsertMembershipSQL = "" +
		"INSERT INTO timeline_room_members (room_id, user_id, content) VALUES (?, ?, ?)" +
		" ON CONFLICT (room_id, user_id) DO UPDATE SET content = excluded.content"

	selectMembershipSQL = "" +
		"SELECT content FROM timeline_room_members WHERE room_id = ? AND user_id = ?"

	selectPendingForRoomSQL = "" +
		"SELECT event_id, sender, type, content FROM timeline_pending_events WHERE room_id = ?"
)

// Database is a sqlite3-backed storage.Database.
type Database struct {
	db         *sql.DB
	statements *statements
}

type statements struct {
	insertEvent          *sql.Stmt
	selectEventByID      *sql.Stmt
	selectFirstEvents    *sql.Stmt
	selectLastEvents     *sql.Stmt
	selectEventsAfter    *sql.Stmt
	updateRelationFields *sql.Stmt

	insertFragment      *sql.Stmt
	updateFragment      *sql.Stmt
	selectFragment      *sql.Stmt
	selectMaxFragmentID *sql.Stmt

	insertRelation           *sql.Stmt
	selectRelationsForTarget *sql.Stmt

	upsertMembership *sql.Stmt
	selectMembership *sql.Stmt

	selectPendingForRoom *sql.Stmt
}

// NewDatabase opens a sqlite3 connection and prepares every statement the
// engine's storage interfaces need. dbProperties.ConnectionString is a DSN
// understood by whichever sqlite driver this build was compiled with.
func NewDatabase(dbProperties *config.DatabaseOptions) (*Database, error) {
	db, err := sql.Open(driverName, dbProperties.ConnectionString)
	if err != nil {
		return nil, err
	}
	// sqlite only tolerates a single writer; a connection pool larger than
	// one invites "database is locked" errors under concurrent Do calls.
	db.SetMaxOpenConns(1)

	for _, schema := range []string{eventsSchema, fragmentsSchema, relationsSchema, membersSchema, pendingSchema} {
		if _, err := db.Exec(schema); err != nil {
			return nil, err
		}
	}

	s := &statements{}
	err = sqlutil.StatementList{
		{&s.insertEvent, insertEventSQL},
		{&s.selectEventByID, selectEventByIDSQL},
		{&s.selectFirstEvents, selectFirstEventsSQL},
		{&s.selectLastEvents, selectLastEventsSQL},
		{&s.selectEventsAfter, selectEventsAfterSQL},
		{&s.updateRelationFields, updateRelationFieldsSQL},
		{&s.insertFragment, insertFragmentSQL},
		{&s.updateFragment, updateFragmentSQL},
		{&s.selectFragment, selectFragmentSQL},
		{&s.selectMaxFragmentID, selectMaxFragmentIDSQL},
		{&s.insertRelation, insertRelationSQL},
		{&s.selectRelationsForTarget, selectRelationsForTargetSQL},
		{&s.upsertMembership, upsertMembershipSQL},
		{&s.selectMembership, selectMembershipSQL},
		{&s.selectPendingForRoom, selectPendingForRoomSQL},
	}.Prepare(db)
	if err != nil {
		return nil, err
	}

	return &Database{db: db, statements: s}, nil
}

// Do implements storage.Database.
func (d *Database) Do(fn func(txn storage.Transaction) error) error {
	tx, err := d.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&txn{s: d.statements, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type txn struct {
	s  *statements
	tx *sql.Tx
}

func (t *txn) TimelineEvents() tables.TimelineEvents       { return eventsTable{t.s, t.tx} }
func (t *txn) TimelineFragments() tables.TimelineFragments { return fragmentsTable{t.s, t.tx} }
func (t *txn) TimelineRelations() tables.TimelineRelations { return relationsTable{t.s, t.tx} }
func (t *txn) RoomMembers() tables.RoomMembers             { return membersTable{t.s, t.tx} }
func (t *txn) PendingEvents() tables.PendingEvents         { return pendingTable{t.s, t.tx} }

type eventsTable struct {
	s  *statements
	tx *sql.Tx
}

func encodeJSON(v map[string]interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw sql.NullString) (map[string]interface{}, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (e eventsTable) Insert(ctx context.Context, roomID string, entry *timeline.EventStorageEntry) error {
	content, err := encodeJSON(entry.Event.Content)
	if err != nil {
		return err
	}
	prevContent, err := encodeJSON(entry.Event.PrevContent)
	if err != nil {
		return err
	}
	stmt := sqlutil.TxStmt(e.tx, e.s.insertEvent)
	_, err = stmt.ExecContext(ctx, roomID, entry.EventID(), entry.Key.FragmentID, entry.Key.EventIndex,
		entry.Event.Sender, entry.Event.Type, entry.Event.StateKey, content, nullableString(prevContent),
		entry.DisplayName, entry.AvatarURL)
	return err
}

func rowToEntry(eventID string, fragmentID, eventIndex int64, sender, evType string, stateKey, content, prevContent, displayName, avatarURL, relatedEventID, relationType sql.NullString) (*timeline.EventStorageEntry, error) {
	contentMap, err := decodeJSON(content)
	if err != nil {
		return nil, err
	}
	prevContentMap, err := decodeJSON(prevContent)
	if err != nil {
		return nil, err
	}

	ev := timeline.NewEvent(eventID, "", sender, evType)
	ev.Content = contentMap
	ev.PrevContent = prevContentMap
	if stateKey.Valid {
		sk := stateKey.String
		ev.StateKey = &sk
	}

	entry := &timeline.EventStorageEntry{
		Key:   timeline.EventKey{FragmentID: fragmentID, EventIndex: eventIndex},
		Event: ev,
	}
	if displayName.Valid {
		v := displayName.String
		entry.DisplayName = &v
	}
	if avatarURL.Valid {
		v := avatarURL.String
		entry.AvatarURL = &v
	}
	if relatedEventID.Valid {
		v := relatedEventID.String
		entry.RelatedEventID = &v
	}
	if relationType.Valid {
		v := relationType.String
		entry.RelationType = &v
	}
	return entry, nil
}

func (e eventsTable) GetByEventID(ctx context.Context, roomID, eventID string) (*timeline.EventStorageEntry, error) {
	stmt := sqlutil.TxStmt(e.tx, e.s.selectEventByID)
	var (
		id, sender, evType                                            string
		fragmentID, eventIndex                                        int64
		stateKey, content, prevContent, displayName, avatarURL        sql.NullString
		relatedEventID, relationType                                  sql.NullString
	)
	err := stmt.QueryRowContext(ctx, roomID, eventID).Scan(&id, &fragmentID, &eventIndex, &sender, &evType,
		&stateKey, &content, &prevContent, &displayName, &avatarURL, &relatedEventID, &relationType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := rowToEntry(id, fragmentID, eventIndex, sender, evType, stateKey, content, prevContent, displayName, avatarURL, relatedEventID, relationType)
	if err != nil {
		return nil, err
	}
	entry.RoomID = roomID
	entry.Event.RoomID = roomID
	return entry, nil
}

func (e eventsTable) FindFirstOccurringEventID(ctx context.Context, roomID string, candidateIDs []string) (string, bool, error) {
	for _, id := range candidateIDs {
		entry, err := e.GetByEventID(ctx, roomID, id)
		if err != nil {
			return "", false, err
		}
		if entry != nil {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (e eventsTable) queryRows(roomID string, rows *sql.Rows, err error) ([]*timeline.EventStorageEntry, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*timeline.EventStorageEntry
	for rows.Next() {
		var (
			eventID, sender, evType                                 string
			fragmentID, eventIndex                                  int64
			stateKey, content, prevContent, displayName, avatarURL  sql.NullString
			relatedEventID, relationType                            sql.NullString
		)
		if err := rows.Scan(&eventID, &fragmentID, &eventIndex, &sender, &evType, &stateKey, &content, &prevContent,
			&displayName, &avatarURL, &relatedEventID, &relationType); err != nil {
			return nil, err
		}
		entry, err := rowToEntry(eventID, fragmentID, eventIndex, sender, evType, stateKey, content, prevContent, displayName, avatarURL, relatedEventID, relationType)
		if err != nil {
			return nil, err
		}
		entry.RoomID = roomID
		entry.Event.RoomID = roomID
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (e eventsTable) FirstEvents(ctx context.Context, roomID string, fragmentID int64, n int) ([]*timeline.EventStorageEntry, error) {
	stmt := sqlutil.TxStmt(e.tx, e.s.selectFirstEvents)
	rows, err := stmt.QueryContext(ctx, roomID, fragmentID, n)
	return e.queryRows(roomID, rows, err)
}

func (e eventsTable) LastEvents(ctx context.Context, roomID string, fragmentID int64, n int) ([]*timeline.EventStorageEntry, error) {
	stmt := sqlutil.TxStmt(e.tx, e.s.selectLastEvents)
	rows, err := stmt.QueryContext(ctx, roomID, fragmentID, n)
	return e.queryRows(roomID, rows, err)
}

func (e eventsTable) EventsAfter(ctx context.Context, roomID string, key timeline.EventKey) ([]*timeline.EventStorageEntry, error) {
	stmt := sqlutil.TxStmt(e.tx, e.s.selectEventsAfter)
	rows, err := stmt.QueryContext(ctx, roomID, key.FragmentID, key.EventIndex)
	return e.queryRows(roomID, rows, err)
}

func (e eventsTable) UpdateRelationFields(ctx context.Context, roomID string, entry *timeline.EventStorageEntry) error {
	stmt := sqlutil.TxStmt(e.tx, e.s.updateRelationFields)
	_, err := stmt.ExecContext(ctx, entry.RelatedEventID, entry.RelationType, roomID, entry.EventID())
	return err
}

type fragmentsTable struct {
	s  *statements
	tx *sql.Tx
}

func (f fragmentsTable) Add(ctx context.Context, fragment *timeline.Fragment) error {
	stmt := sqlutil.TxStmt(f.tx, f.s.insertFragment)
	_, err := stmt.ExecContext(ctx, fragment.RoomID, fragment.ID, fragment.Previous, fragment.Next,
		fragment.PreviousToken, fragment.NextToken, fragment.EdgeReached)
	return err
}

func (f fragmentsTable) Update(ctx context.Context, fragment *timeline.Fragment) error {
	stmt := sqlutil.TxStmt(f.tx, f.s.updateFragment)
	_, err := stmt.ExecContext(ctx, fragment.Previous, fragment.Next, fragment.PreviousToken, fragment.NextToken,
		fragment.EdgeReached, fragment.RoomID, fragment.ID)
	return err
}

func (f fragmentsTable) Get(ctx context.Context, roomID string, id int64) (*timeline.Fragment, error) {
	stmt := sqlutil.TxStmt(f.tx, f.s.selectFragment)
	var previous, next sql.NullInt64
	var previousToken, nextToken sql.NullString
	var edgeReached bool
	err := stmt.QueryRowContext(ctx, roomID, id).Scan(&previous, &next, &previousToken, &nextToken, &edgeReached)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fragment := &timeline.Fragment{ID: id, RoomID: roomID, EdgeReached: edgeReached}
	if previous.Valid {
		v := previous.Int64
		fragment.Previous = &v
	}
	if next.Valid {
		v := next.Int64
		fragment.Next = &v
	}
	if previousToken.Valid {
		v := previousToken.String
		fragment.PreviousToken = &v
	}
	if nextToken.Valid {
		v := nextToken.String
		fragment.NextToken = &v
	}
	return fragment, nil
}

func (f fragmentsTable) GetMaxFragmentID(ctx context.Context, roomID string) (int64, error) {
	stmt := sqlutil.TxStmt(f.tx, f.s.selectMaxFragmentID)
	var max int64
	err := stmt.QueryRowContext(ctx, roomID).Scan(&max)
	return max, err
}

type relationsTable struct {
	s  *statements
	tx *sql.Tx
}

func (r relationsTable) Add(ctx context.Context, record tables.RelationRecord) error {
	stmt := sqlutil.TxStmt(r.tx, r.s.insertRelation)
	_, err := stmt.ExecContext(ctx, record.RoomID, record.TargetID, record.RelationType, record.SourceID)
	return err
}

func (r relationsTable) ForTarget(ctx context.Context, roomID, targetID string) ([]tables.RelationRecord, error) {
	stmt := sqlutil.TxStmt(r.tx, r.s.selectRelationsForTarget)
	rows, err := stmt.QueryContext(ctx, roomID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tables.RelationRecord
	for rows.Next() {
		rec := tables.RelationRecord{RoomID: roomID, TargetID: targetID}
		if err := rows.Scan(&rec.RelationType, &rec.SourceID); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type membersTable struct {
	s  *statements
	tx *sql.Tx
}

func (m membersTable) GetMembership(ctx context.Context, roomID, userID string) (map[string]interface{}, bool, error) {
	stmt := sqlutil.TxStmt(m.tx, m.s.selectMembership)
	var raw string
	err := stmt.QueryRowContext(ctx, roomID, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var content map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, false, fmt.Errorf("timeline_room_members: %w", err)
	}
	return content, true, nil
}

type pendingTable struct {
	s  *statements
	tx *sql.Tx
}

func (p pendingTable) ForRoom(ctx context.Context, roomID string) ([]*timeline.EventStorageEntry, error) {
	stmt := sqlutil.TxStmt(p.tx, p.s.selectPendingForRoom)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*timeline.EventStorageEntry
	for rows.Next() {
		var eventID, sender, evType, content string
		if err := rows.Scan(&eventID, &sender, &evType, &content); err != nil {
			return nil, err
		}
		ev := timeline.NewEvent(eventID, roomID, sender, evType)
		if err := json.Unmarshal([]byte(content), &ev.Content); err != nil {
			return nil, err
		}
		out = append(out, &timeline.EventStorageEntry{RoomID: roomID, Event: ev})
	}
	return out, rows.Err()
}
