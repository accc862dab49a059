package timeline

// eventKeyDefaultIndex is the neutral midpoint event index assigned to the
// first event stored in a freshly created fragment. Events are appended on
// either side of it as the fragment grows, so it needs headroom in both
// directions; the JS client used Number.MIN_SAFE_INTEGER/2-ish midpoints for
// the same reason, here we just pick a wide margin from the int64 range.
const eventKeyDefaultIndex int64 = 0

// EventKey is a lexicographic (fragmentId, eventIndex) key. Ordering is only
// meaningful for two keys within the same fragment; comparing across
// fragments is the FragmentIdComparer's job, not EventKey's.
type EventKey struct {
	FragmentID int64
	EventIndex int64
}

// DefaultFragmentKey returns the neutral midpoint key for a freshly created,
// empty fragment.
func DefaultFragmentKey(fragmentID int64) EventKey {
	return EventKey{FragmentID: fragmentID, EventIndex: eventKeyDefaultIndex}
}

// NextKeyForDirection returns the key immediately following this one when
// writing in the given direction: +1 to the event index for Forward, -1 for
// Backward.
func (k EventKey) NextKeyForDirection(d Direction) EventKey {
	if d.IsForward() {
		return EventKey{FragmentID: k.FragmentID, EventIndex: k.EventIndex + 1}
	}
	return EventKey{FragmentID: k.FragmentID, EventIndex: k.EventIndex - 1}
}

// Compare returns -1, 0 or 1 comparing k to other, lexicographically on
// (FragmentID, EventIndex). Only meaningful when both keys share a
// FragmentID; the sign still reflects fragment ID order otherwise but callers
// almost always want FragmentIdComparer for cross-fragment comparisons.
func (k EventKey) Compare(other EventKey) int {
	if k.FragmentID != other.FragmentID {
		if k.FragmentID < other.FragmentID {
			return -1
		}
		return 1
	}
	switch {
	case k.EventIndex < other.EventIndex:
		return -1
	case k.EventIndex > other.EventIndex:
		return 1
	default:
		return 0
	}
}

// Equal reports whether k and other are the same key.
func (k EventKey) Equal(other EventKey) bool {
	return k.FragmentID == other.FragmentID && k.EventIndex == other.EventIndex
}
