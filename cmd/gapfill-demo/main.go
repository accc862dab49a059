// Command gapfill-demo drives the gap-filling engine through the five
// end-to-end scenarios described in spec.md §8 against the in-memory
// storage fake, printing the resulting fragment graph after each one. It
// exercises the same stack (gapwriter.Writer, the relation writer, the
// ristretto caches, the clientapi fetch stub) a real client would wire
// together, the way the teacher's contrib/dendrite-demo-* commands exercise
// a full server from a single process.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/initiative-elysion/hydrogen-web/clientapi"
	"github.com/initiative-elysion/hydrogen-web/internal/caching"
	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/fragmentcmp"
	"github.com/initiative-elysion/hydrogen-web/timeline/gapwriter"
	"github.com/initiative-elysion/hydrogen-web/timeline/relations"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage/memstore"
)

// storeSource adapts a memstore.Store into a fragmentcmp.Source so the demo
// can rebuild the fragment-id partial order the same way a real client would
// after each commit, outside the storage transaction (spec.md §9).
type storeSource struct{ store *memstore.Store }

func (s storeSource) GetFragment(ctx context.Context, roomID string, id int64) (*timeline.Fragment, error) {
	var f *timeline.Fragment
	err := s.store.Do(func(txn storage.Transaction) error {
		got, err := txn.TimelineFragments().Get(ctx, roomID, id)
		f = got
		return err
	})
	return f, err
}

const room = "!demo:example.org"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	entry := logrus.NewEntry(log)

	scenarios := []struct {
		name string
		run  func(*logrus.Entry) *memstore.Store
	}{
		{"1: backfill after one sync", scenarioBackfillAfterOneSync},
		{"2: two fragments link deeply on overlap", scenarioDeepLink},
		{"3: two fragments link shallowly without overlap", scenarioShallowLink},
		{"4: self-link avoidance", scenarioSelfLinkAvoidance},
		{"5: sync interleaved between backfill pages", scenarioSyncBetweenBackfills},
	}

	for _, s := range scenarios {
		fmt.Printf("\n=== Scenario %s ===\n", s.name)
		store := s.run(entry)
		printGraph(store)
	}
}

func newWriter(log *logrus.Entry) *gapwriter.Writer {
	cache := caching.NewRistrettoCache(1<<20, time.Hour, caching.DisableMetrics)
	return gapwriter.New(relations.NewDefaultWriter(), log).WithCaches(cache)
}

// events returns events with ids e{from}..e{to} inclusive, ascending if
// from<=to, descending otherwise, each belonging to room.
func events(from, to int) []timeline.Event {
	step := 1
	if from > to {
		step = -1
	}
	var out []timeline.Event
	for i := from; ; i += step {
		out = append(out, timeline.NewEvent(fmt.Sprintf("e%d", i), room, "@alice:example.org", "m.room.message"))
		if i == to {
			break
		}
	}
	return out
}

func tok(label string) *string {
	s := label
	return &s
}

// seedSyncedFragment installs a fragment as if it had just been produced by
// a live sync: its events are known directly (no chunk overlap detection
// needed, since sync never revisits history), only its previous edge may be
// gapped.
func seedSyncedFragment(store *memstore.Store, id int64, previousToken *string, edgeReached bool, evs []timeline.Event) {
	store.SeedFragment(&timeline.Fragment{ID: id, RoomID: room, PreviousToken: previousToken, EdgeReached: edgeReached})
	_ = store.Do(func(txn storage.Transaction) error {
		key := timeline.DefaultFragmentKey(id)
		for i, ev := range evs {
			if i > 0 {
				key = key.NextKeyForDirection(timeline.Forward)
			}
			if err := txn.TimelineEvents().Insert(context.Background(), room, &timeline.EventStorageEntry{Key: key, RoomID: room, Event: ev}); err != nil {
				return err
			}
		}
		return nil
	})
}

func backfill(store *memstore.Store, log *logrus.Entry, fragmentID int64, startToken, endToken *string, chunk []timeline.Event) {
	w := newWriter(log)
	fetcher := clientapi.StaticFetcher{Messages: gapwriter.MessagesResponse{Chunk: chunk, Start: startToken, End: endToken}}

	var result gapwriter.Result
	_ = store.Do(func(txn storage.Transaction) error {
		resp, err := fetcher.FetchMessages(context.Background(), room, *startToken, timeline.Backward, len(chunk))
		if err != nil {
			return err
		}
		result, err = w.WriteFragmentFill(context.Background(), gapwriter.WriteFragmentFillParams{
			RoomID:     room,
			FragmentID: fragmentID,
			Direction:  timeline.Backward,
			Response:   resp,
			Txn:        txn,
		})
		return err
	})

	// Rebuilding the fragment-id partial order happens only once the
	// transaction above has committed, using the changed-fragments list the
	// call returned, per spec.md §9's "single-writer, updated after commit"
	// rule.
	comparer := fragmentcmp.New()
	if err := comparer.Update(context.Background(), room, result.Fragments, storeSource{store}); err != nil {
		log.WithError(err).Warn("failed to rebuild fragment-id comparer")
	}
}

// scenarioBackfillAfterOneSync: server has e0..e29. Sync delivers e20..e29
// into F1 with a gap behind it. One backfill pulls e10..e19 into F1.
func scenarioBackfillAfterOneSync(log *logrus.Entry) *memstore.Store {
	store := memstore.New()
	seedSyncedFragment(store, 0, tok("tok-19"), false, events(20, 29))
	backfill(store, log, 0, tok("tok-19"), tok("tok-9"), events(19, 10))
	return store
}

// scenarioDeepLink: F1 = e0..e9 (no gap behind it, edge reached). F2 =
// e15..e24 with a gap. Backfilling F2 pulls e10..e14, which abuts F1's last
// event e9 exactly — overlap detection finds e9 as F1's edge and links the
// two fragments with both joining tokens cleared.
func scenarioDeepLink(log *logrus.Entry) *memstore.Store {
	store := memstore.New()
	seedSyncedFragment(store, 0, nil, true, events(0, 9))
	seedSyncedFragment(store, 1, tok("tok-14"), false, events(15, 24))
	// chunk nearest-edge-first: e14..e9 (e9 is the duplicate proving overlap)
	backfill(store, log, 1, tok("tok-14"), tok("tok-9"), events(14, 9))
	return store
}

// scenarioShallowLink: identical setup to scenarioDeepLink but F2 starts
// further out (e20..e29) so the backfilled chunk (e19..e10) never reaches
// back as far as F1's e9 — the two fragments link (once some other process
// established LinkedFragmentID, simulated here by seeding the link directly)
// but F2's previous side is still gapped because the actual overlap was
// never observed in a single chunk.
func scenarioShallowLink(log *logrus.Entry) *memstore.Store {
	store := memstore.New()
	seedSyncedFragment(store, 0, nil, true, events(0, 9))
	seedSyncedFragment(store, 1, tok("tok-19"), false, events(20, 29))
	f1ID, f2ID := int64(0), int64(1)
	store.SeedFragment(&timeline.Fragment{ID: 0, RoomID: room, Next: &f2ID, EdgeReached: true})
	store.SeedFragment(&timeline.Fragment{ID: 1, RoomID: room, Previous: &f1ID, PreviousToken: tok("tok-19")})
	backfill(store, log, 1, tok("tok-19"), tok("tok-9"), events(19, 10))
	return store
}

// scenarioSelfLinkAvoidance: F1's own previousToken is mutated to the token
// a backfill call would use to ask for F1's own tail, simulating the known
// server bug where a stale/duplicated next_batch loops back on itself.
// OverlapDetector's self-link guard must discard the match rather than
// linking F1 to itself.
func scenarioSelfLinkAvoidance(log *logrus.Entry) *memstore.Store {
	store := memstore.New()
	seedSyncedFragment(store, 0, tok("tok-self"), false, events(0, 9))
	// The chunk this "broken" token would yield is F1's own events.
	backfill(store, log, 0, tok("tok-self"), tok("tok-self-2"), events(9, 0))
	return store
}

// scenarioSyncBetweenBackfills: F1 = e0..e9, F2 = e20..e29 gapped behind
// (as in scenarioShallowLink), but between seeding and backfilling, a sync
// delivers e30..e34 onto the live end. Backfilling F2's previous edge still
// must not disturb F1, and the new events never appear in the chunk for a
// backward backfill (they are ahead of F2 in time).
func scenarioSyncBetweenBackfills(log *logrus.Entry) *memstore.Store {
	store := memstore.New()
	seedSyncedFragment(store, 0, nil, true, events(0, 9))
	seedSyncedFragment(store, 1, tok("tok-19"), false, events(20, 29))

	// A live sync lands new events on F2's forward edge, unrelated to the
	// backfill about to run on its previous edge.
	_ = store.Do(func(txn storage.Transaction) error {
		last, err := txn.TimelineEvents().LastEvents(context.Background(), room, 1, 1)
		if err != nil {
			return err
		}
		key := last[0].Key
		for _, ev := range events(30, 34) {
			key = key.NextKeyForDirection(timeline.Forward)
			if err := txn.TimelineEvents().Insert(context.Background(), room, &timeline.EventStorageEntry{Key: key, RoomID: room, Event: ev}); err != nil {
				return err
			}
		}
		return nil
	})

	backfill(store, log, 1, tok("tok-19"), tok("tok-9"), events(19, 10))
	return store
}

func printGraph(store *memstore.Store) {
	for _, f := range store.AllFragments(room) {
		evs := store.EventsInFragment(room, f.ID)
		ids := make([]string, len(evs))
		for i, e := range evs {
			ids[i] = e.EventID()
		}
		fmt.Printf("fragment %d: previous=%s next=%s previousToken=%s nextToken=%s edgeReached=%v events=%v\n",
			f.ID, fmtID(f.Previous), fmtID(f.Next), fmtToken(f.PreviousToken), fmtToken(f.NextToken), f.EdgeReached, ids)
	}
}

func fmtID(id *int64) string {
	if id == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *id)
}

func fmtToken(t *string) string {
	if t == nil {
		return "<nil>"
	}
	return *t
}
