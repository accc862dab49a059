package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage/tables"
)

func TestEventsTable_InsertSkipsDuplicateViaOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare(insertEventSQL).
		ExpectExec().
		WithArgs("!room:x", "e1", int64(0), int64(0), "@a:x", "m.room.message", sqlmock.AnyArg(), "{}", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stmt, err := db.Prepare(insertEventSQL)
	require.NoError(t, err)

	table := eventsTable{s: &statements{insertEvent: stmt}, tx: nil}
	entry := &timeline.EventStorageEntry{
		Key:   timeline.EventKey{FragmentID: 0, EventIndex: 0},
		Event: timeline.NewEvent("e1", "!room:x", "@a:x", "m.room.message"),
	}
	require.NoError(t, table.Insert(context.Background(), "!room:x", entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsTable_GetByEventIDReturnsNilOnNoRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare(selectEventByIDSQL).
		ExpectQuery().
		WithArgs("!room:x", "missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "fragment_id", "event_index", "sender", "type", "state_key",
			"content", "prev_content", "display_name", "avatar_url", "related_event_id", "relation_type",
		}))

	stmt, err := db.Prepare(selectEventByIDSQL)
	require.NoError(t, err)

	table := eventsTable{s: &statements{selectEventByID: stmt}, tx: nil}
	entry, err := table.GetByEventID(context.Background(), "!room:x", "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsTable_GetByEventIDDecodesRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"event_id", "fragment_id", "event_index", "sender", "type", "state_key",
		"content", "prev_content", "display_name", "avatar_url", "related_event_id", "relation_type",
	}).AddRow("e1", int64(3), int64(7), "@a:x", "m.room.message", nil,
		`{"body":"hi"}`, nil, "Alice", nil, nil, nil)

	mock.ExpectPrepare(selectEventByIDSQL).ExpectQuery().WithArgs("!room:x", "e1").WillReturnRows(rows)

	stmt, err := db.Prepare(selectEventByIDSQL)
	require.NoError(t, err)

	table := eventsTable{s: &statements{selectEventByID: stmt}, tx: nil}
	entry, err := table.GetByEventID(context.Background(), "!room:x", "e1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "e1", entry.EventID())
	assert.Equal(t, int64(3), entry.Key.FragmentID)
	assert.Equal(t, int64(7), entry.Key.EventIndex)
	assert.Equal(t, "hi", entry.Event.Content["body"])
	require.NotNil(t, entry.DisplayName)
	assert.Equal(t, "Alice", *entry.DisplayName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationsTable_ForTargetCollectsRows(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"relation_type", "source_id"}).
		AddRow("m.annotation", "reaction1").
		AddRow("m.annotation", "reaction2")
	mock.ExpectPrepare(selectRelationsForTargetSQL).ExpectQuery().WithArgs("!room:x", "target1").WillReturnRows(rows)

	stmt, err := db.Prepare(selectRelationsForTargetSQL)
	require.NoError(t, err)

	table := relationsTable{s: &statements{selectRelationsForTarget: stmt}, tx: nil}
	records, err := table.ForTarget(context.Background(), "!room:x", "target1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, tables.RelationRecord{RoomID: "!room:x", TargetID: "target1", RelationType: "m.annotation", SourceID: "reaction1"}, records[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMembersTable_GetMembershipNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPrepare(selectMembershipSQL).ExpectQuery().WithArgs("!room:x", "@nobody:x").WillReturnRows(sqlmock.NewRows([]string{"content"}))

	stmt, err := db.Prepare(selectMembershipSQL)
	require.NoError(t, err)

	table := membersTable{s: &statements{selectMembership: stmt}, tx: nil}
	content, ok, err := table.GetMembership(context.Background(), "!room:x", "@nobody:x")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, content)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFragmentsTable_GetDecodesNullableEdges(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"previous", "next", "previous_token", "next_token", "edge_reached"}).
		AddRow(nil, int64(2), nil, "tok-next", false)
	mock.ExpectPrepare(selectFragmentSQL).ExpectQuery().WithArgs("!room:x", int64(1)).WillReturnRows(rows)

	stmt, err := db.Prepare(selectFragmentSQL)
	require.NoError(t, err)

	table := fragmentsTable{s: &statements{selectFragment: stmt}, tx: nil}
	fragment, err := table.Get(context.Background(), "!room:x", 1)
	require.NoError(t, err)
	require.NotNil(t, fragment)
	assert.Nil(t, fragment.Previous)
	require.NotNil(t, fragment.Next)
	assert.Equal(t, int64(2), *fragment.Next)
	assert.Nil(t, fragment.PreviousToken)
	require.NotNil(t, fragment.NextToken)
	assert.Equal(t, "tok-next", *fragment.NextToken)
}
