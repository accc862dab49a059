// Package link implements FragmentLinker: the only code path allowed to
// mutate a Fragment's previous/next ids. It either fills a continuation
// token or clears both sides' tokens while setting their mutual ids, and it
// refuses any mutation that would silently overwrite an existing,
// conflicting link.
package link

import (
	"context"
	"fmt"

	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
)

// Params bundles a single UpdateFragments call's inputs.
type Params struct {
	RoomID string

	FragmentEntry          *timeline.FragmentBoundaryEntry
	NeighbourFragmentEntry *timeline.FragmentBoundaryEntry

	// EndToken is the continuation token to store on FragmentEntry's edge
	// when no neighbour was found.
	EndToken *string

	Entries []timeline.Entry
	Txn     storage.Transaction
}

// Result is what UpdateFragments produces.
type Result struct {
	Entries          []timeline.Entry
	ChangedFragments []*timeline.Fragment
}

// UpdateFragments runs the algorithm in spec.md §4.3.
func UpdateFragments(ctx context.Context, p Params) (Result, error) {
	entries := timeline.DirectionalAppend(p.Entries, timeline.FragmentBoundaryEntryOf(p.FragmentEntry), p.FragmentEntry.Direction)

	var changed []*timeline.Fragment

	if p.NeighbourFragmentEntry != nil {
		if err := link(p.FragmentEntry, p.NeighbourFragmentEntry); err != nil {
			return Result{}, err
		}
		if err := link(p.NeighbourFragmentEntry, p.FragmentEntry); err != nil {
			return Result{}, err
		}

		p.FragmentEntry.SetToken(nil)
		p.NeighbourFragmentEntry.SetToken(nil)

		if err := p.Txn.TimelineFragments().Update(ctx, p.NeighbourFragmentEntry.Fragment); err != nil {
			return Result{}, err
		}
		entries = timeline.DirectionalAppend(entries, timeline.FragmentBoundaryEntryOf(p.NeighbourFragmentEntry), p.NeighbourFragmentEntry.Direction)

		changed = append(changed, p.FragmentEntry.Fragment, p.NeighbourFragmentEntry.Fragment)
	} else {
		p.FragmentEntry.SetToken(p.EndToken)
	}

	if err := p.Txn.TimelineFragments().Update(ctx, p.FragmentEntry.Fragment); err != nil {
		return Result{}, err
	}

	return Result{Entries: entries, ChangedFragments: changed}, nil
}

// link sets entry's linked-fragment id to other's fragment id, refusing to
// silently overwrite an existing, conflicting link.
func link(entry, other *timeline.FragmentBoundaryEntry) error {
	existing := entry.LinkedFragmentID()
	otherID := other.FragmentID()

	if existing == nil {
		if otherID == entry.FragmentID() {
			return fmt.Errorf("%w: fragment %d would link to itself", timeline.ErrInvariantViolation, otherID)
		}
		id := otherID
		entry.SetLinkedFragmentID(&id)
		return nil
	}
	if *existing != otherID {
		return fmt.Errorf("%w: fragment %d already linked to %d, refusing to relink to %d", timeline.ErrLinkConflict, entry.FragmentID(), *existing, otherID)
	}
	return nil
}
