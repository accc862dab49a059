package timeline

import "github.com/matrix-org/gomatrix"

// Event is a server-side event as received from /sync, /messages or
// /context. It embeds gomatrix.Event for the fields spec.md §3 names that
// the client-server API already carries on the wire (ID, RoomID, Sender,
// Type, StateKey, Content), and adds PrevContent explicitly: gomatrix.Event
// only surfaces prev_content as a raw entry under Unsigned, and this engine
// needs it decoded and directly addressable for the "replacing" sender
// resolution step in §4.2.1.
type Event struct {
	gomatrix.Event
	PrevContent map[string]interface{}
}

// NewEvent builds an Event with the identity fields set. Content,
// PrevContent and StateKey are left to the caller to set afterwards; most
// events are messages and need none of them.
func NewEvent(id, roomID, sender, eventType string) Event {
	return Event{
		Event: gomatrix.Event{
			ID:      id,
			RoomID:  roomID,
			Sender:  sender,
			Type:    eventType,
			Content: map[string]interface{}{},
		},
	}
}

// EventStorageEntry is an Event plus its EventKey and the display-name /
// avatar snapshot taken at insert time. Exactly one exists per eventId per
// room once stored. It is immutable after insert except for the relation
// bookkeeping fields, which are owned and mutated by the relation writer.
type EventStorageEntry struct {
	Key    EventKey
	RoomID string
	Event  Event

	// DisplayName/AvatarURL are the sender membership snapshot resolved at
	// insert time (§4.2.1). Nil means no override was found and the UI
	// should fall back to whatever default it uses for unknown senders.
	DisplayName *string
	AvatarURL   *string

	// RelatedEventID/RelationType record the relation target this event
	// points at, if any, as reported by the external relation writer. The
	// relation writer owns these fields; the engine only persists whatever
	// it is handed back.
	RelatedEventID *string
	RelationType   *string
}

// EventID is a convenience accessor for Event.ID.
func (e *EventStorageEntry) EventID() string {
	return e.Event.ID
}

// EntryKind discriminates the two variants that can appear in a GapWriter
// result's entries slice.
type EntryKind int

const (
	// EntryKindEvent wraps an *EventStorageEntry.
	EntryKindEvent EntryKind = iota
	// EntryKindFragmentBoundary wraps a *FragmentBoundaryEntry.
	EntryKindFragmentBoundary
)

// Entry is a sum type over the two kinds of value GapWriter emits into its
// result's entries/updatedEntries slices: a stored event, or a fragment
// boundary that changed. Callers discriminate on Kind rather than duck-type
// the payload.
type Entry struct {
	Kind     EntryKind
	Event    *EventStorageEntry
	Boundary *FragmentBoundaryEntry
}

// EventEntry wraps a stored event as an Entry.
func EventEntry(e *EventStorageEntry) Entry {
	return Entry{Kind: EntryKindEvent, Event: e}
}

// FragmentBoundaryEntryOf wraps a fragment boundary as an Entry.
func FragmentBoundaryEntryOf(b *FragmentBoundaryEntry) Entry {
	return Entry{Kind: EntryKindFragmentBoundary, Boundary: b}
}

// DirectionalAppend is the pure helper every list of entries produced by the
// engine passes through: push-back for Forward, push-front for Backward. It
// is the one place that knows how to keep a growing list chronologically
// ordered regardless of which way the caller is writing.
func DirectionalAppend(entries []Entry, entry Entry, d Direction) []Entry {
	if d.IsForward() {
		return append(entries, entry)
	}
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, entry)
	out = append(out, entries...)
	return out
}
