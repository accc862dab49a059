// Package gapwriter implements GapWriter, the orchestrator that ties
// together OverlapDetector, EventInserter and FragmentLinker for the two
// entry points spec.md §4.4 names: WriteFragmentFill (a /messages backfill
// response for a known edge) and WriteContext (a /context response that can
// materialize a new fragment and link it in both directions at once).
//
// Every exported method here assumes it is running inside the caller's
// storage transaction: it never commits or aborts one itself, and it must
// not be called twice concurrently against the same transaction (spec.md §5
// — single-threaded cooperative scheduling, suspension only at storage
// calls).
package gapwriter

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/initiative-elysion/hydrogen-web/internal/caching"
	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/insert"
	"github.com/initiative-elysion/hydrogen-web/timeline/link"
	"github.com/initiative-elysion/hydrogen-web/timeline/overlap"
	"github.com/initiative-elysion/hydrogen-web/timeline/relations"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
)

// notAFragmentID is used as the "current fragment" sentinel when running
// OverlapDetector from WriteContext, where there is by definition no
// existing fragment yet at detect time (fragment ids are non-negative,
// monotonic per room starting at 0, so no real fragment can ever collide
// with this value).
const notAFragmentID int64 = -1

// Writer bundles the collaborators GapWriter needs beyond the transaction
// itself: the relation writer EventInserter delegates to, and the logger
// used for the two recoverable, "known server bug" paths.
type Writer struct {
	RelationWriter relations.Writer
	Log            *logrus.Entry

	// Caches is optional; a nil Caches (or a nil Writer.Caches.Whatever)
	// leaves the corresponding lookup uncached, which New's zero-value
	// caller convenience relies on.
	Caches *caching.Caches
}

// New constructs a Writer with no caching. Use WithCaches to enable the
// sender-membership and neighbour-fragment lookup caches.
func New(relationWriter relations.Writer, log *logrus.Entry) *Writer {
	return &Writer{RelationWriter: relationWriter, Log: log}
}

// WithCaches attaches the ristretto-backed lookup caches described in
// SPEC_FULL.md §3 to an existing Writer, returning it for chaining.
func (w *Writer) WithCaches(caches *caching.Caches) *Writer {
	w.Caches = caches
	return w
}

func (w *Writer) membershipCache() *caching.Partition[caching.MembershipKey, map[string]interface{}] {
	if w.Caches == nil {
		return nil
	}
	return w.Caches.SenderMemberships
}

func (w *Writer) neighbourFragmentCache() *caching.Partition[caching.NeighbourKey, int64] {
	if w.Caches == nil {
		return nil
	}
	return w.Caches.NeighbourFragments
}

// MessagesResponse mirrors the /messages response shape from spec.md §6:
// { chunk, start, end, state }. Start is the token the request was made
// with (and is expected to equal the fragment edge's current token); End is
// nil when the server reports no further pagination is possible.
type MessagesResponse struct {
	Chunk []timeline.Event
	Start *string
	End   *string
	State []timeline.Event
}

// ContextResponse mirrors the /context response shape from spec.md §6:
// { event, events_before, events_after, start, end, state }.
type ContextResponse struct {
	Event        timeline.Event
	EventsBefore []timeline.Event
	EventsAfter  []timeline.Event
	Start        string
	End          string
	State        []timeline.Event
}

// Result is the shape both entry points return: spec.md §6's
// { entries, updatedEntries, fragments, contextEvent? }.
type Result struct {
	Entries         []timeline.Entry
	UpdatedEntries  []*timeline.EventStorageEntry
	Fragments       []*timeline.Fragment
	ContextEvent    *timeline.EventStorageEntry
	ContextEventSet bool
}

// WriteFragmentFillParams bundles a single WriteFragmentFill call's inputs.
type WriteFragmentFillParams struct {
	RoomID string

	// FragmentID/Direction identify the edge being filled: fragmentEntry in
	// spec.md's terms. The fragment is reloaded from storage at the start
	// of the call (step 2), so only its identity is needed here, not a
	// borrowed *timeline.Fragment.
	FragmentID int64
	Direction  timeline.Direction

	Response MessagesResponse
	Txn      storage.Transaction
}

// WriteFragmentFill runs the algorithm in spec.md §4.4.1.
func (w *Writer) WriteFragmentFill(ctx context.Context, p WriteFragmentFillParams) (Result, error) {
	if p.Response.Start == nil {
		return Result{}, fmt.Errorf("%w: /messages response missing start token", timeline.ErrMalformedResponse)
	}

	fragment, err := p.Txn.TimelineFragments().Get(ctx, p.RoomID, p.FragmentID)
	if err != nil {
		return Result{}, err
	}
	if fragment == nil {
		return Result{}, fmt.Errorf("%w: %d", timeline.ErrUnknownFragment, p.FragmentID)
	}
	fragmentEntry := timeline.NewFragmentBoundaryEntry(fragment, p.Direction)

	existingToken := fragmentEntry.Token()
	if !tokensEqual(existingToken, p.Response.Start) {
		return Result{}, fmt.Errorf("%w: fragment %d edge token %s does not match response.start %s",
			timeline.ErrStaleToken, p.FragmentID, describeToken(existingToken), describeToken(p.Response.Start))
	}

	if len(p.Response.Chunk) == 0 {
		fragment.EdgeReached = true
		if err := p.Txn.TimelineFragments().Update(ctx, fragment); err != nil {
			return Result{}, err
		}
		return Result{Entries: []timeline.Entry{timeline.FragmentBoundaryEntryOf(fragmentEntry)}}, nil
	}

	lastKey, err := edgeEventKey(ctx, p.Txn, p.RoomID, p.FragmentID, p.Direction)
	if err != nil {
		return Result{}, err
	}

	overlapResult, err := overlap.Detect(ctx, overlap.Params{
		RoomID:                 p.RoomID,
		CurrentFragmentID:      p.FragmentID,
		LinkedFragmentID:       fragmentEntry.LinkedFragmentID(),
		Direction:              p.Direction,
		Chunk:                  p.Response.Chunk,
		Txn:                    p.Txn,
		Log:                    w.Log,
		NeighbourFragmentCache: w.neighbourFragmentCache(),
	})
	if err != nil {
		return Result{}, err
	}

	end := p.Response.End
	if len(overlapResult.NonOverlappingEvents) == 0 && overlapResult.NeighbourFragmentEntry == nil {
		w.Log.WithFields(logrus.Fields{
			"fragment_id": p.FragmentID,
			"room_id":     p.RoomID,
		}).Warn("chunk fully overlapped known events with no identifiable neighbour, clearing continuation token")
		end = nil
	}

	insertResult, err := insert.StoreEvents(ctx, insert.Params{
		RoomID:          p.RoomID,
		Events:          overlapResult.NonOverlappingEvents,
		StartKey:        lastKey,
		Direction:       p.Direction,
		ChunkState:      p.Response.State,
		RelationWriter:  w.RelationWriter,
		MembershipCache: w.membershipCache(),
		Txn:             p.Txn,
		Log:             w.Log,
	})
	if err != nil {
		return Result{}, err
	}

	linkResult, err := link.UpdateFragments(ctx, link.Params{
		RoomID:                 p.RoomID,
		FragmentEntry:          fragmentEntry,
		NeighbourFragmentEntry: overlapResult.NeighbourFragmentEntry,
		EndToken:               end,
		Entries:                insertResult.Entries,
		Txn:                    p.Txn,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		Entries:        linkResult.Entries,
		UpdatedEntries: insertResult.UpdatedRelationEntries,
		Fragments:      linkResult.ChangedFragments,
	}, nil
}

// WriteContextParams bundles a single WriteContext call's inputs.
type WriteContextParams struct {
	RoomID   string
	Response ContextResponse
	Txn      storage.Transaction
}

// WriteContext runs the algorithm in spec.md §4.4.2/§4.4.3.
func (w *Writer) WriteContext(ctx context.Context, p WriteContextParams) (Result, error) {
	if p.Response.Start == "" || p.Response.End == "" {
		return Result{}, fmt.Errorf("%w: /context response missing start/end token", timeline.ErrMalformedResponse)
	}

	existing, err := p.Txn.TimelineEvents().GetByEventID(ctx, p.RoomID, p.Response.Event.ID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return Result{ContextEvent: existing, ContextEventSet: true}, nil
	}

	overlapUp, err := overlap.Detect(ctx, overlap.Params{
		RoomID:                 p.RoomID,
		CurrentFragmentID:      notAFragmentID,
		LinkedFragmentID:       nil,
		Direction:              timeline.Backward,
		Chunk:                  p.Response.EventsBefore,
		Txn:                    p.Txn,
		Log:                    w.Log,
		NeighbourFragmentCache: w.neighbourFragmentCache(),
	})
	if err != nil {
		return Result{}, err
	}
	overlapDown, err := overlap.Detect(ctx, overlap.Params{
		RoomID:                 p.RoomID,
		CurrentFragmentID:      notAFragmentID,
		LinkedFragmentID:       nil,
		Direction:              timeline.Forward,
		Chunk:                  p.Response.EventsAfter,
		Txn:                    p.Txn,
		Log:                    w.Log,
		NeighbourFragmentCache: w.neighbourFragmentCache(),
	})
	if err != nil {
		return Result{}, err
	}

	var main, other overlap.Result
	var token string

	switch {
	case overlapUp.NeighbourFragmentEntry != nil:
		main, other, token = overlapUp, overlapDown, p.Response.End
	case overlapDown.NeighbourFragmentEntry != nil:
		main, other, token = overlapDown, overlapUp, p.Response.Start
	default:
		fragment, err := createNewFragment(ctx, p.Txn, p.RoomID)
		if err != nil {
			return Result{}, err
		}
		start, end := p.Response.Start, p.Response.End
		fragment.PreviousToken = &start
		fragment.NextToken = &end
		if err := p.Txn.TimelineFragments().Add(ctx, fragment); err != nil {
			return Result{}, err
		}
		overlapUp.NeighbourFragmentEntry = timeline.NewFragmentBoundaryEntry(fragment, timeline.Forward)
		main, other, token = overlapUp, overlapDown, p.Response.End
	}

	return w.linkOverlapping(ctx, p.RoomID, main, other, p.Response.Event, token, p.Response.State, p.Txn)
}

// linkOverlapping runs the algorithm in spec.md §4.4.3, plus the extension
// to the self-link guard spec.md §9 Open Question (a) requires: main and
// other must never resolve to the same neighbour fragment, or a link from
// that fragment to itself would result.
func (w *Writer) linkOverlapping(ctx context.Context, roomID string, main, other overlap.Result, event timeline.Event, token string, chunkState []timeline.Event, txn storage.Transaction) (Result, error) {
	if other.NeighbourFragmentEntry != nil && main.NeighbourFragmentEntry.FragmentID() == other.NeighbourFragmentEntry.FragmentID() {
		w.Log.WithError(fmt.Errorf("%w: fragment %d event %s", timeline.ErrSelfLink, main.NeighbourFragmentEntry.FragmentID(), event.ID)).WithFields(logrus.Fields{
			"fragment_id": main.NeighbourFragmentEntry.FragmentID(),
			"event_id":    event.ID,
		}).Warn("discarding self-link: up and down overlaps resolved to the same fragment")
		other.NeighbourFragmentEntry = nil
	}

	allEvents := make([]timeline.Event, 0, len(main.NonOverlappingEvents)+1+len(other.NonOverlappingEvents))
	for i := len(main.NonOverlappingEvents) - 1; i >= 0; i-- {
		allEvents = append(allEvents, main.NonOverlappingEvents[i])
	}
	allEvents = append(allEvents, event)
	allEvents = append(allEvents, other.NonOverlappingEvents...)

	insertDirection := main.NeighbourFragmentEntry.Direction

	lastKey, err := edgeEventKey(ctx, txn, roomID, main.NeighbourFragmentEntry.FragmentID(), insertDirection)
	if err != nil {
		return Result{}, err
	}

	insertResult, err := insert.StoreEvents(ctx, insert.Params{
		RoomID:          roomID,
		Events:          allEvents,
		StartKey:        lastKey,
		Direction:       insertDirection,
		ChunkState:      chunkState,
		RelationWriter:  w.RelationWriter,
		MembershipCache: w.membershipCache(),
		Txn:             txn,
		Log:             w.Log,
	})
	if err != nil {
		return Result{}, err
	}

	endToken := token
	linkResult, err := link.UpdateFragments(ctx, link.Params{
		RoomID:                 roomID,
		FragmentEntry:          main.NeighbourFragmentEntry,
		NeighbourFragmentEntry: other.NeighbourFragmentEntry,
		EndToken:               &endToken,
		Entries:                insertResult.Entries,
		Txn:                    txn,
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Entries:        linkResult.Entries,
		UpdatedEntries: insertResult.UpdatedRelationEntries,
		Fragments:      linkResult.ChangedFragments,
	}
	for _, entry := range insertResult.Entries {
		if entry.Kind == timeline.EntryKindEvent && entry.Event.EventID() == event.ID {
			result.ContextEvent = entry.Event
			result.ContextEventSet = true
			break
		}
	}
	return result, nil
}

// createNewFragment runs spec.md §4.4.4: fetch maxFragmentId for the room
// and mint the next one. Monotonicity of ids within a room is essential to
// FragmentIdComparer's rank assignment.
func createNewFragment(ctx context.Context, txn storage.Transaction, roomID string) (*timeline.Fragment, error) {
	maxID, err := txn.TimelineFragments().GetMaxFragmentID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &timeline.Fragment{ID: maxID + 1, RoomID: roomID}, nil
}

// edgeEventKey returns the key of the event currently at fragmentID's edge
// facing direction, or EventKey.DefaultFragmentKey if that side is empty.
func edgeEventKey(ctx context.Context, txn storage.Transaction, roomID string, fragmentID int64, direction timeline.Direction) (timeline.EventKey, error) {
	var (
		edge []*timeline.EventStorageEntry
		err  error
	)
	if direction.IsForward() {
		edge, err = txn.TimelineEvents().LastEvents(ctx, roomID, fragmentID, 1)
	} else {
		edge, err = txn.TimelineEvents().FirstEvents(ctx, roomID, fragmentID, 1)
	}
	if err != nil {
		return timeline.EventKey{}, err
	}
	if len(edge) == 0 {
		return timeline.DefaultFragmentKey(fragmentID), nil
	}
	return edge[0].Key, nil
}

func tokensEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func describeToken(t *string) string {
	if t == nil {
		return "<nil>"
	}
	return *t
}
