package gapwriter_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initiative-elysion/hydrogen-web/internal/caching"
	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/gapwriter"
	"github.com/initiative-elysion/hydrogen-web/timeline/relations"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage/memstore"
)

const testRoom = "!scenario:example.org"

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newWriter() *gapwriter.Writer {
	return gapwriter.New(relations.NewDefaultWriter(), testLog())
}

// newWriterWithHook is like newWriter but returns a test hook that records
// every entry logged through the Writer, for asserting on the two
// recoverable warning paths (fully-overlapping chunk, self-link discard).
func newWriterWithHook() (*gapwriter.Writer, *logrustest.Hook) {
	l, hook := logrustest.NewNullLogger()
	return gapwriter.New(relations.NewDefaultWriter(), logrus.NewEntry(l)), hook
}

func ev(id string) timeline.Event {
	return timeline.NewEvent(id, testRoom, "@alice:example.org", "m.room.message")
}

func evs(ids ...string) []timeline.Event {
	out := make([]timeline.Event, len(ids))
	for i, id := range ids {
		out[i] = ev(id)
	}
	return out
}

// seed inserts ids in order at successive, increasing keys of fragmentID,
// standing in for the sync writer directly populating a live fragment
// outside of GapWriter (an external collaborator per spec.md §1).
func seed(t *testing.T, txn storage.Transaction, fragmentID int64, ids ...string) {
	t.Helper()
	key := timeline.DefaultFragmentKey(fragmentID)
	for _, id := range ids {
		key = key.NextKeyForDirection(timeline.Forward)
		entry := &timeline.EventStorageEntry{Key: key, RoomID: testRoom, Event: ev(id)}
		require.NoError(t, txn.TimelineEvents().Insert(context.Background(), testRoom, entry))
	}
}

func strp(s string) *string { return &s }

func fragmentIDs(entries []*timeline.EventStorageEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.EventID()
	}
	return out
}

// Scenario 1 (spec.md §8): backfill after one sync. F1 holds the latest 10
// of a 30-event server timeline; one backfill should pull in the next 10.
func TestWriteFragmentFill_BackfillAfterOneSync(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom, PreviousToken: strp("tok0")}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		seed(t, txn, 0, "e20", "e21", "e22", "e23", "e24", "e25", "e26", "e27", "e28", "e29")
		return nil
	}))

	chunk := evs("e19", "e18", "e17", "e16", "e15", "e14", "e13", "e12", "e11", "e10")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 0,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("tok0"),
				End:   strp("tok-9"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Fragments, "no fragment linking should occur, only a token slide")
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		all, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 0, 100)
		require.NoError(t, err)
		want := []string{"e10", "e11", "e12", "e13", "e14", "e15", "e16", "e17", "e18", "e19", "e20", "e21", "e22", "e23", "e24", "e25", "e26", "e27", "e28", "e29"}
		assert.Equal(t, want, fragmentIDs(all))

		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		require.NotNil(t, f1.PreviousToken)
		assert.Equal(t, "tok-9", *f1.PreviousToken)
		assert.Nil(t, f1.Previous)
		return nil
	}))
}

// Scenario 2 (spec.md §8): two fragments whose gap chunk genuinely overlaps
// F1 should link deeply, with both joining tokens cleared.
func TestWriteFragmentFill_DeepLinkOnOverlap(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom}
		f2 := &timeline.Fragment{ID: 1, RoomID: testRoom, PreviousToken: strp("tok-a")}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		require.NoError(t, txn.TimelineFragments().Add(ctx, f2))
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9")
		seed(t, txn, 1, "e15", "e16", "e17", "e18", "e19", "e20", "e21", "e22", "e23", "e24")
		return nil
	}))

	// Reverse-chronological chunk for F2's previous edge, deliberately
	// reaching all the way back past e9 into F1's territory.
	chunk := evs("e14", "e13", "e12", "e11", "e10", "e9", "e8", "e7", "e6", "e5", "e4", "e3", "e2", "e1", "e0")

	var changed []*timeline.Fragment
	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 1,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("tok-a"),
				End:   strp("tok-z"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		changed = res.Fragments
		return nil
	}))
	assert.Len(t, changed, 2, "both sides of a new link report as changed for the FragmentIdComparer")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1Events, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9"}, fragmentIDs(f1Events))

		f2Events, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 1, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"e10", "e11", "e12", "e13", "e14", "e15", "e16", "e17", "e18", "e19", "e20", "e21", "e22", "e23", "e24"}, fragmentIDs(f2Events))

		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		f2, err := txn.TimelineFragments().Get(ctx, testRoom, 1)
		require.NoError(t, err)

		require.NotNil(t, f1.Next)
		assert.Equal(t, int64(1), *f1.Next)
		require.NotNil(t, f2.Previous)
		assert.Equal(t, int64(0), *f2.Previous)
		assert.Nil(t, f1.NextToken)
		assert.Nil(t, f2.PreviousToken)
		return nil
	}))
}

// Scenario 3 (spec.md §8): a backfill chunk that does not reach far enough
// to overlap a neighbour must leave both fragments unlinked and gapped.
// Linking two fragments without a verified overlap would violate invariant
// 3 (a side is never simultaneously linked and gapped) the moment the gap
// token stayed non-null, so "shallow" here means the gap survives untouched.
func TestWriteFragmentFill_NoOverlapStaysGapped(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom}
		f2 := &timeline.Fragment{ID: 1, RoomID: testRoom, PreviousToken: strp("tok-a")}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		require.NoError(t, txn.TimelineFragments().Add(ctx, f2))
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9")
		seed(t, txn, 1, "e20", "e21", "e22", "e23", "e24", "e25", "e26", "e27", "e28", "e29")
		return nil
	}))

	chunk := evs("e19", "e18", "e17", "e16", "e15", "e14", "e13", "e12", "e11", "e10")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 1,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("tok-a"),
				End:   strp("tok-b"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Fragments)
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		f2, err := txn.TimelineFragments().Get(ctx, testRoom, 1)
		require.NoError(t, err)

		assert.Nil(t, f1.Next)
		assert.Nil(t, f2.Previous)
		require.NotNil(t, f2.PreviousToken)
		assert.Equal(t, "tok-b", *f2.PreviousToken)
		return nil
	}))
}

// Scenario 4 (spec.md §8): a fragment whose own token happens to be
// answered with its own events (a known server bug reproduced here by
// mutating the token by hand) must never self-link.
func TestWriteFragmentFill_SelfLinkAvoided(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom, PreviousToken: strp("self-tok")}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9")
		return nil
	}))

	chunk := evs("e9", "e8", "e7", "e6", "e5", "e4", "e3", "e2", "e1", "e0")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		_, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 0,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("self-tok"),
				End:   strp("next-tok"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		require.False(t, f1.HasSelfLink())
		if f1.Next != nil {
			assert.NotEqual(t, f1.ID, *f1.Next)
		}
		if f1.Previous != nil {
			assert.NotEqual(t, f1.ID, *f1.Previous)
		}

		events, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 0, 100)
		require.NoError(t, err)
		assert.Len(t, events, 10, "no duplicate events should have been inserted")
		return nil
	}))
}

// Scenario 5 (spec.md §8): a sync landing brand-new events between backfill
// pages can hand back a chunk that interleaves those new events ahead of
// the genuinely overlapping tail. The engine trusts server ordering within
// the chunk (a stated non-goal is intra-chunk reordering) and still finds
// the real overlap further in.
func TestWriteFragmentFill_SyncBetweenBackfillPages(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom}
		f2 := &timeline.Fragment{ID: 1, RoomID: testRoom, PreviousToken: strp("tok-a")}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		require.NoError(t, txn.TimelineFragments().Add(ctx, f2))
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9")
		seed(t, txn, 1, "e10", "e11", "e12", "e13", "e14", "e15", "e16", "e17", "e18", "e19", "e20")
		return nil
	}))

	chunk := evs("e34", "e33", "e32", "e31", "e30", "e9", "e8", "e7", "e6", "e5", "e4", "e3", "e2", "e1", "e0")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 1,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("tok-a"),
				End:   strp("tok-z"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		assert.Len(t, res.Fragments, 2)
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f2Events, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 1, 100)
		require.NoError(t, err)
		want := []string{"e30", "e31", "e32", "e33", "e34", "e10", "e11", "e12", "e13", "e14", "e15", "e16", "e17", "e18", "e19", "e20"}
		assert.Equal(t, want, fragmentIDs(f2Events))

		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		f2, err := txn.TimelineFragments().Get(ctx, testRoom, 1)
		require.NoError(t, err)
		require.NotNil(t, f1.Next)
		assert.Equal(t, int64(1), *f1.Next)
		require.NotNil(t, f2.Previous)
		assert.Equal(t, int64(0), *f2.Previous)
		return nil
	}))
}

// WriteContext with no existing local overlap creates a brand-new fragment
// bracketed by the response's own tokens.
func TestWriteContext_CreatesIsolatedFragment(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	var res gapwriter.Result
	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		var err error
		res, err = w.WriteContext(ctx, gapwriter.WriteContextParams{
			RoomID: testRoom,
			Response: gapwriter.ContextResponse{
				Event:        ev("e100"),
				EventsBefore: evs("e99", "e98"),
				EventsAfter:  evs("e101", "e102"),
				Start:        "before-tok",
				End:          "after-tok",
			},
			Txn: txn,
		})
		return err
	}))
	require.True(t, res.ContextEventSet)
	assert.Equal(t, "e100", res.ContextEvent.EventID())

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Nil(t, f.Previous)
		assert.Nil(t, f.Next)

		events, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"e98", "e99", "e100", "e101", "e102"}, fragmentIDs(events))
		return nil
	}))
}

// WriteContext landing on an already-stored event returns early without
// mutating storage.
func TestWriteContext_AlreadyStoredReturnsEarly(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		seed(t, txn, 0, "e5")
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteContext(ctx, gapwriter.WriteContextParams{
			RoomID: testRoom,
			Response: gapwriter.ContextResponse{
				Event: ev("e5"),
				Start: "x",
				End:   "y",
			},
			Txn: txn,
		})
		require.NoError(t, err)
		require.True(t, res.ContextEventSet)
		assert.Empty(t, res.Entries)
		assert.Empty(t, res.Fragments)
		return nil
	}))
}

// A stale token must be rejected rather than silently accepted.
func TestWriteFragmentFill_StaleTokenRejected(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom, PreviousToken: strp("current")}
		return txn.TimelineFragments().Add(ctx, f1)
	}))

	err := store.Do(func(txn storage.Transaction) error {
		_, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 0,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: evs("e1"),
				Start: strp("stale"),
				End:   strp("next"),
			},
			Txn: txn,
		})
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, timeline.ErrStaleToken)
}

// WithCaches wires a real Caches into the Writer and the neighbour-fragment
// lookup gets populated by a fragment fill whose chunk is entirely known.
func TestWriteFragmentFill_WithCachesPopulatesLookups(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter().WithCaches(caching.NewRistrettoCache(1<<20, time.Hour, caching.DisableMetrics))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom, PreviousToken: strp("tok-a")}
		f0 := &timeline.Fragment{ID: 1, RoomID: testRoom}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		require.NoError(t, txn.TimelineFragments().Add(ctx, f0))
		seed(t, txn, 1, "e0", "e1")
		return nil
	}))

	chunk := evs("e1", "e0")
	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 0,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("tok-a"),
				End:   strp("tok-b"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		_ = res
		return nil
	}))

	_, ok := w.Caches.NeighbourFragments.Get(caching.NeighbourKey{RoomID: testRoom, EventID: "e1"})
	assert.True(t, ok, "the duplicate event's owning fragment should have been cached")
}

// An empty chunk marks the fragment as having reached the edge of history.
func TestWriteFragmentFill_EmptyChunkReachesEdge(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom, PreviousToken: strp("tok")}
		return txn.TimelineFragments().Add(ctx, f1)
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 0,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: nil,
				Start: strp("tok"),
				End:   strp("unused"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		assert.Equal(t, timeline.EntryKindFragmentBoundary, res.Entries[0].Kind)
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		assert.True(t, f1.EdgeReached)
		return nil
	}))
}

// A chunk that is 100% duplicates of events already stored, with no
// resolvable neighbour (here because every duplicate belongs to the
// fragment being filled, so the self-link guard discards each candidate),
// must clear the continuation token rather than leave it pointing at a
// server offer that will only reproduce the same chunk again.
func TestWriteFragmentFill_FullyOverlappingChunkClearsEndToken(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w, hook := newWriterWithHook()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom, PreviousToken: strp("self-tok")}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9")
		return nil
	}))

	chunk := evs("e9", "e8", "e7", "e6", "e5", "e4", "e3", "e2", "e1", "e0")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		res, err := w.WriteFragmentFill(ctx, gapwriter.WriteFragmentFillParams{
			RoomID:     testRoom,
			FragmentID: 0,
			Direction:  timeline.Backward,
			Response: gapwriter.MessagesResponse{
				Chunk: chunk,
				Start: strp("self-tok"),
				End:   strp("next-tok"),
			},
			Txn: txn,
		})
		require.NoError(t, err)
		assert.Empty(t, res.Fragments)
		return nil
	}))

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		assert.Nil(t, f1.PreviousToken, "the offered end token must be discarded, not stored")
		return nil
	}))

	var sawFullyOverlappedWarning bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "chunk fully overlapped known events with no identifiable neighbour, clearing continuation token" {
			sawFullyOverlappedWarning = true
		}
	}
	assert.True(t, sawFullyOverlappedWarning, "expected the fully-overlapping-chunk warning to be logged")
}

// WriteContext landing between two already-known fragments must bridge
// them: the event plus both sides' non-overlapping neighbours are stored
// into the fragment on the "up" side, and the two fragments end up linked
// with their joining tokens cleared.
func TestWriteContext_BridgesTwoFragments(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w := newWriter()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom}
		f2 := &timeline.Fragment{ID: 1, RoomID: testRoom}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		require.NoError(t, txn.TimelineFragments().Add(ctx, f2))
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9")
		seed(t, txn, 1, "e20", "e21", "e22", "e23", "e24", "e25", "e26", "e27", "e28", "e29")
		return nil
	}))

	var res gapwriter.Result
	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		var err error
		res, err = w.WriteContext(ctx, gapwriter.WriteContextParams{
			RoomID: testRoom,
			Response: gapwriter.ContextResponse{
				Event:        ev("e15"),
				EventsBefore: evs("e14", "e13", "e12", "e11", "e10", "e9"),
				EventsAfter:  evs("e16", "e17", "e18", "e19", "e20"),
				Start:        "before-tok",
				End:          "after-tok",
			},
			Txn: txn,
		})
		return err
	}))
	require.True(t, res.ContextEventSet)
	assert.Equal(t, "e15", res.ContextEvent.EventID())
	assert.Len(t, res.Fragments, 2, "both bridged fragments report as changed for the FragmentIdComparer")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1Events, err := txn.TimelineEvents().FirstEvents(ctx, testRoom, 0, 100)
		require.NoError(t, err)
		want := []string{"e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9",
			"e10", "e11", "e12", "e13", "e14", "e15", "e16", "e17", "e18", "e19"}
		assert.Equal(t, want, fragmentIDs(f1Events))

		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		f2, err := txn.TimelineFragments().Get(ctx, testRoom, 1)
		require.NoError(t, err)

		require.NotNil(t, f1.Next)
		assert.Equal(t, int64(1), *f1.Next)
		require.NotNil(t, f2.Previous)
		assert.Equal(t, int64(0), *f2.Previous)
		assert.Nil(t, f1.NextToken)
		assert.Nil(t, f2.PreviousToken)
		return nil
	}))
}

// WriteContext must never link a fragment to itself: when the events before
// and after the landing point both resolve to the same fragment, the
// cross-side self-link guard in linkOverlapping has to discard the second
// side rather than produce a Previous/Next pair that both equal the same id.
func TestWriteContext_SelfLinkAvoided(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	w, hook := newWriterWithHook()

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1 := &timeline.Fragment{ID: 0, RoomID: testRoom}
		require.NoError(t, txn.TimelineFragments().Add(ctx, f1))
		// e5 is deliberately left out: events_before and events_after both
		// reach back into the same fragment's already-stored events.
		seed(t, txn, 0, "e0", "e1", "e2", "e3", "e4", "e6", "e7", "e8", "e9")
		return nil
	}))

	var res gapwriter.Result
	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		var err error
		res, err = w.WriteContext(ctx, gapwriter.WriteContextParams{
			RoomID: testRoom,
			Response: gapwriter.ContextResponse{
				Event:        ev("e5"),
				EventsBefore: evs("e4", "e3", "e2", "e1", "e0"),
				EventsAfter:  evs("e6", "e7", "e8", "e9"),
				Start:        "before-tok",
				End:          "after-tok",
			},
			Txn: txn,
		})
		return err
	}))
	require.True(t, res.ContextEventSet)
	assert.Equal(t, "e5", res.ContextEvent.EventID())
	assert.Empty(t, res.Fragments, "a discarded self-link must not report either side as changed")

	require.NoError(t, store.Do(func(txn storage.Transaction) error {
		f1, err := txn.TimelineFragments().Get(ctx, testRoom, 0)
		require.NoError(t, err)
		require.False(t, f1.HasSelfLink())
		require.NotNil(t, f1.NextToken, "with the neighbour discarded, the offered end token should be kept instead")
		assert.Equal(t, "after-tok", *f1.NextToken)
		return nil
	}))

	var sawSelfLinkWarning bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "discarding self-link: up and down overlaps resolved to the same fragment" {
			sawSelfLinkWarning = true
		}
	}
	assert.True(t, sawSelfLinkWarning, "expected the cross-side self-link warning to be logged")
}
