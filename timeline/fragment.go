package timeline

// Fragment is a maximal contiguous run of locally-stored events in a room.
// Fragments are created by the sync writer (live end) or by writeContext
// (an isolated jump landing) and are never deleted; they are mutated only
// through FragmentLinker.
type Fragment struct {
	ID       int64
	RoomID   string
	Previous *int64
	Next     *int64

	PreviousToken *string
	NextToken     *string

	// EdgeReached marks that the previous side of this fragment has reached
	// the absolute start of the room's history. There is no analogous "end"
	// flag: the live end is always open, because sync can always deliver
	// more.
	EdgeReached bool
}

// Clone returns a deep copy so callers can mutate a fragment in memory
// without aliasing the value a caller handed in.
func (f *Fragment) Clone() *Fragment {
	clone := *f
	if f.Previous != nil {
		v := *f.Previous
		clone.Previous = &v
	}
	if f.Next != nil {
		v := *f.Next
		clone.Next = &v
	}
	if f.PreviousToken != nil {
		v := *f.PreviousToken
		clone.PreviousToken = &v
	}
	if f.NextToken != nil {
		v := *f.NextToken
		clone.NextToken = &v
	}
	return &clone
}

// IDForDirection returns Previous or Next depending on d.
func (f *Fragment) IDForDirection(d Direction) *int64 {
	if d.IsBackward() {
		return f.Previous
	}
	return f.Next
}

// SetIDForDirection sets Previous or Next depending on d.
func (f *Fragment) SetIDForDirection(d Direction, id *int64) {
	if d.IsBackward() {
		f.Previous = id
	} else {
		f.Next = id
	}
}

// TokenForDirection returns PreviousToken or NextToken depending on d.
func (f *Fragment) TokenForDirection(d Direction) *string {
	if d.IsBackward() {
		return f.PreviousToken
	}
	return f.NextToken
}

// SetTokenForDirection sets PreviousToken or NextToken depending on d.
func (f *Fragment) SetTokenForDirection(d Direction, token *string) {
	if d.IsBackward() {
		f.PreviousToken = token
	} else {
		f.NextToken = token
	}
}

// HasSelfLink reports whether this fragment violates the no-self-link
// invariant (id equal to either of its own neighbour ids).
func (f *Fragment) HasSelfLink() bool {
	return (f.Previous != nil && *f.Previous == f.ID) || (f.Next != nil && *f.Next == f.ID)
}

// FragmentBoundaryEntry is a transient view onto "one end of a fragment": the
// fragment plus a direction bit. It must not outlive the transaction it was
// produced in — the Fragment it wraps is owned by storage for the duration
// of that transaction only.
type FragmentBoundaryEntry struct {
	Fragment  *Fragment
	Direction Direction
}

// NewFragmentBoundaryEntry builds a boundary entry for the given edge of a
// fragment. direction.IsForward() selects the "next" edge; Backward selects
// the "previous" edge.
func NewFragmentBoundaryEntry(fragment *Fragment, direction Direction) *FragmentBoundaryEntry {
	return &FragmentBoundaryEntry{Fragment: fragment, Direction: direction}
}

// FragmentID returns the id of the wrapped fragment.
func (e *FragmentBoundaryEntry) FragmentID() int64 {
	return e.Fragment.ID
}

// Token returns the pagination token on this entry's edge.
func (e *FragmentBoundaryEntry) Token() *string {
	return e.Fragment.TokenForDirection(e.Direction)
}

// SetToken sets the pagination token on this entry's edge.
func (e *FragmentBoundaryEntry) SetToken(token *string) {
	e.Fragment.SetTokenForDirection(e.Direction, token)
}

// LinkedFragmentID returns the id of the fragment linked beyond this edge,
// if any.
func (e *FragmentBoundaryEntry) LinkedFragmentID() *int64 {
	return e.Fragment.IDForDirection(e.Direction)
}

// SetLinkedFragmentID sets the id of the fragment linked beyond this edge.
func (e *FragmentBoundaryEntry) SetLinkedFragmentID(id *int64) {
	e.Fragment.SetIDForDirection(e.Direction, id)
}

// HasLinkedFragment reports whether this edge is already linked to a
// neighbouring fragment.
func (e *FragmentBoundaryEntry) HasLinkedFragment() bool {
	return e.LinkedFragmentID() != nil
}
