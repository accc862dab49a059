// Package overlap implements OverlapDetector: given a candidate chunk and
// the edge it is meant to fill, it finds how much of the chunk is already
// stored, keeps every chunk event that is not yet stored (including those
// after a duplicate), and identifies the fragment the first qualifying
// duplicate belongs to.
package overlap

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/initiative-elysion/hydrogen-web/internal/caching"
	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
)

// Params bundles a single Detect call's inputs.
type Params struct {
	RoomID string

	// CurrentFragmentID is the fragment whose edge is being filled.
	CurrentFragmentID int64

	// LinkedFragmentID is the fragment this edge already believes it is
	// linked to, if any. When set, the detector cross-checks the duplicate
	// it finds against the expected boundary event of that fragment.
	LinkedFragmentID *int64

	// Direction is the edge being filled: Backward when filling
	// fragmentEntry's previous side, Forward when filling its next side.
	Direction Direction

	Chunk []timeline.Event
	Txn   storage.Transaction
	Log   *logrus.Entry

	// NeighbourFragmentCache, if set, maps a duplicate event id to its
	// fragment id so neighbourFor can skip GetByEventID on a hit; the
	// TimelineFragments().Get() lookup still runs every time.
	NeighbourFragmentCache *caching.Partition[caching.NeighbourKey, int64]
}

// Direction re-exports timeline.Direction so callers constructing Params
// don't need two imports for one field.
type Direction = timeline.Direction

// Result is what Detect produces.
type Result struct {
	// NonOverlappingEvents is every event of Chunk that is not yet stored
	// locally, including events that come after a duplicate, in original
	// chunk order.
	NonOverlappingEvents []timeline.Event

	// NeighbourFragmentEntry is the boundary of the fragment owning the
	// first duplicate that matches the expected overlap event (any duplicate
	// when no fragment is linked yet) and does not belong to
	// CurrentFragmentID; nil if there is none.
	NeighbourFragmentEntry *timeline.FragmentBoundaryEntry
}

// Detect runs the algorithm in spec.md §4.1.
func Detect(ctx context.Context, p Params) (Result, error) {
	if len(p.Chunk) == 0 {
		return Result{}, nil
	}

	expectedOverlappingEventID, err := expectedOverlapEventID(ctx, p)
	if err != nil {
		return Result{}, err
	}

	var (
		nonOverlapping []timeline.Event
		neighbour      *timeline.FragmentBoundaryEntry
	)

	remaining := p.Chunk
	for len(remaining) > 0 {
		ids := make([]string, len(remaining))
		for i, ev := range remaining {
			ids[i] = ev.ID
		}

		dupID, found, err := p.Txn.TimelineEvents().FindFirstOccurringEventID(ctx, p.RoomID, ids)
		if err != nil {
			return Result{}, err
		}
		if !found {
			break
		}

		idx := indexOfEventID(remaining, dupID)
		if idx < 0 {
			return Result{}, fmt.Errorf("%w: findFirstOccurringEventId returned %q which is not in the chunk it was handed", timeline.ErrInvariantViolation, dupID)
		}

		nonOverlapping = append(nonOverlapping, remaining[:idx]...)

		if neighbour == nil && (expectedOverlappingEventID == "" || expectedOverlappingEventID == dupID) {
			candidate, err := neighbourFor(ctx, p, dupID)
			if err != nil {
				return Result{}, err
			}
			if candidate != nil {
				if candidate.FragmentID() == p.CurrentFragmentID {
					p.Log.WithError(fmt.Errorf("%w: fragment %d event %s", timeline.ErrSelfLink, p.CurrentFragmentID, dupID)).WithFields(logrus.Fields{
						"fragment_id": p.CurrentFragmentID,
						"event_id":    dupID,
					}).Warn("discarding self-link: duplicate event belongs to the fragment being filled")
				} else {
					neighbour = candidate
				}
			}
		}

		remaining = remaining[idx+1:]
	}

	nonOverlapping = append(nonOverlapping, remaining...)

	return Result{NonOverlappingEvents: nonOverlapping, NeighbourFragmentEntry: neighbour}, nil
}

// expectedOverlapEventID computes the event id at the edge of
// p.LinkedFragmentID facing p.CurrentFragmentID, per §4.1 step 1. It returns
// "" when there is no linked fragment, or the linked fragment's facing edge
// is currently empty.
func expectedOverlapEventID(ctx context.Context, p Params) (string, error) {
	if p.LinkedFragmentID == nil {
		return "", nil
	}

	facingEdge := p.Direction.Reverse()

	var (
		edgeEvents []*timeline.EventStorageEntry
		err        error
	)
	if facingEdge.IsForward() {
		edgeEvents, err = p.Txn.TimelineEvents().LastEvents(ctx, p.RoomID, *p.LinkedFragmentID, 1)
	} else {
		edgeEvents, err = p.Txn.TimelineEvents().FirstEvents(ctx, p.RoomID, *p.LinkedFragmentID, 1)
	}
	if err != nil {
		return "", err
	}
	if len(edgeEvents) == 0 {
		return "", nil
	}
	return edgeEvents[0].EventID(), nil
}

// neighbourFor looks up the fragment owning dupID and wraps it as a boundary
// entry on the edge facing p.CurrentFragmentID.
func neighbourFor(ctx context.Context, p Params, dupID string) (*timeline.FragmentBoundaryEntry, error) {
	cacheKey := caching.NeighbourKey{RoomID: p.RoomID, EventID: dupID}

	fragmentID, cached := int64(0), false
	if p.NeighbourFragmentCache != nil {
		fragmentID, cached = p.NeighbourFragmentCache.Get(cacheKey)
	}

	if !cached {
		stored, err := p.Txn.TimelineEvents().GetByEventID(ctx, p.RoomID, dupID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("%w: duplicate event %q reported by storage but not retrievable", timeline.ErrInvariantViolation, dupID)
		}
		fragmentID = stored.Key.FragmentID
		if p.NeighbourFragmentCache != nil {
			p.NeighbourFragmentCache.Set(cacheKey, fragmentID)
		}
	}

	fragment, err := p.Txn.TimelineFragments().Get(ctx, p.RoomID, fragmentID)
	if err != nil {
		return nil, err
	}
	if fragment == nil {
		return nil, fmt.Errorf("%w: fragment %d", timeline.ErrUnknownFragment, fragmentID)
	}

	return timeline.NewFragmentBoundaryEntry(fragment, p.Direction.Reverse()), nil
}

func indexOfEventID(events []timeline.Event, id string) int {
	for i, ev := range events {
		if ev.ID == id {
			return i
		}
	}
	return -1
}
