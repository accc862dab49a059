// Package insert implements EventInserter: storing a fragment's
// non-overlapping events at successive event keys, stamping a sender
// display-name/avatar snapshot, and delegating relation-target bookkeeping
// to the external relation writer.
package insert

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/initiative-elysion/hydrogen-web/internal/caching"
	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/relations"
	"github.com/initiative-elysion/hydrogen-web/timeline/storage"
)

// Params bundles a single StoreEvents call's inputs.
type Params struct {
	RoomID string

	// Events is the non-overlapping run to store, in the order the server
	// returned them (the engine trusts server ordering within one chunk).
	Events []timeline.Event

	// StartKey is the key of the event currently at the fragment's edge
	// (or EventKey.DefaultFragmentKey if the fragment is empty). The first
	// stored event is written at StartKey.NextKeyForDirection(Direction).
	StartKey timeline.EventKey

	Direction timeline.Direction

	// ChunkState is the state the server included alongside the chunk,
	// consulted after the chunk itself and before the membership cache and
	// the roomMembers table when resolving sender display names.
	ChunkState []timeline.Event

	RelationWriter relations.Writer
	Txn            storage.Transaction
	Log            *logrus.Entry

	// MembershipCache, if set, is consulted (and populated) as the last
	// resort when neither the chunk nor its state carry the sender's
	// membership, ahead of the roomMembers table scan. Nil disables this
	// step and falls straight through to the table.
	MembershipCache *caching.Partition[caching.MembershipKey, map[string]interface{}]
}

// Result is what StoreEvents produces.
type Result struct {
	// Entries is the stored events, wrapped as timeline.Entry and appended
	// via DirectionalAppend so the slice is always chronologically ordered
	// regardless of which way it was written.
	Entries []timeline.Entry

	// UpdatedRelationEntries are target entries the relation writer
	// reported needed a refresh as a side effect of one of the stored
	// events relating to them.
	UpdatedRelationEntries []*timeline.EventStorageEntry

	// LastKey is the key the final stored event was written at; an empty
	// Events slice leaves it equal to StartKey.
	LastKey timeline.EventKey
}

// StoreEvents runs the algorithm in spec.md §4.2.
func StoreEvents(ctx context.Context, p Params) (Result, error) {
	key := p.StartKey
	result := Result{LastKey: p.StartKey}

	seenUpdated := make(map[string]bool)

	for i, event := range p.Events {
		key = key.NextKeyForDirection(p.Direction)

		entry := &timeline.EventStorageEntry{
			Key:    key,
			RoomID: p.RoomID,
			Event:  event,
		}

		name, avatar, err := resolveSender(ctx, p, i)
		if err != nil {
			return Result{}, err
		}
		if name != nil || avatar != nil {
			entry.DisplayName = name
			entry.AvatarURL = avatar
		}

		if p.RelationWriter != nil {
			updated, err := p.RelationWriter.WriteGapRelation(ctx, entry, p.Direction, p.Txn, p.Log)
			if err != nil {
				return Result{}, err
			}
			for _, u := range updated {
				if u == nil || seenUpdated[u.EventID()] {
					continue
				}
				seenUpdated[u.EventID()] = true
				result.UpdatedRelationEntries = append(result.UpdatedRelationEntries, u)
			}
		}

		if err := p.Txn.TimelineEvents().Insert(ctx, p.RoomID, entry); err != nil {
			return Result{}, err
		}

		result.Entries = timeline.DirectionalAppend(result.Entries, timeline.EventEntry(entry), p.Direction)
		result.LastKey = key
	}

	return result, nil
}

// resolveSender implements §4.2.1: find the membership content applying to
// events[index].Sender, preferring an older membership event within the
// chunk, falling back to a newer one's PrevContent, then to the chunk's own
// state events, then to the roomMembers snapshot (behind MembershipCache, if
// configured), and finally giving up.
func resolveSender(ctx context.Context, p Params, index int) (displayName, avatarURL *string, err error) {
	sender := p.Events[index].Sender

	if content, ok := scanOlder(p.Events, index, p.Direction, sender); ok {
		name, avatar := membershipFields(content)
		return name, avatar, nil
	}
	if content, ok := scanNewer(p.Events, index, p.Direction, sender); ok {
		name, avatar := membershipFields(content)
		return name, avatar, nil
	}
	if content, ok := scanState(p.ChunkState, sender); ok {
		name, avatar := membershipFields(content)
		return name, avatar, nil
	}
	content, ok, err := lookupRoomMembers(ctx, p, sender)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	name, avatar := membershipFields(content)
	return name, avatar, nil
}

// lookupRoomMembers is the step the spec's abstract "member lookup"
// collaborator serves: a cache check followed by a fall-through to the
// roomMembers table, populating the cache on a table hit.
func lookupRoomMembers(ctx context.Context, p Params, sender string) (map[string]interface{}, bool, error) {
	var cacheKey caching.MembershipKey
	if p.MembershipCache != nil {
		cacheKey = caching.MembershipKey{RoomID: p.RoomID, UserID: sender}
		if content, ok := p.MembershipCache.Get(cacheKey); ok {
			return content, true, nil
		}
	}

	content, ok, err := p.Txn.RoomMembers().GetMembership(ctx, p.RoomID, sender)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if p.MembershipCache != nil {
		p.MembershipCache.Set(cacheKey, content)
	}
	return content, true, nil
}

// scanOlder scans chronologically older events within the chunk: higher
// indices when direction is Backward (reverse-chronological chunk), lower
// indices when direction is Forward (chronological chunk).
func scanOlder(events []timeline.Event, index int, direction timeline.Direction, sender string) (map[string]interface{}, bool) {
	if direction.IsBackward() {
		for i := index + 1; i < len(events); i++ {
			if content, ok := membershipFor(events[i], sender, false); ok {
				return content, true
			}
		}
		return nil, false
	}
	for i := index - 1; i >= 0; i-- {
		if content, ok := membershipFor(events[i], sender, false); ok {
			return content, true
		}
	}
	return nil, false
}

// scanNewer scans chronologically newer events within the chunk, the mirror
// image of scanOlder, using PrevContent rather than Content since a newer
// member event's prev_content is what was true immediately before it, i.e.
// at the time of our (older) event.
func scanNewer(events []timeline.Event, index int, direction timeline.Direction, sender string) (map[string]interface{}, bool) {
	if direction.IsBackward() {
		for i := index - 1; i >= 0; i-- {
			if content, ok := membershipFor(events[i], sender, true); ok {
				return content, true
			}
		}
		return nil, false
	}
	for i := index + 1; i < len(events); i++ {
		if content, ok := membershipFor(events[i], sender, true); ok {
			return content, true
		}
	}
	return nil, false
}

func scanState(chunkState []timeline.Event, sender string) (map[string]interface{}, bool) {
	for _, ev := range chunkState {
		if content, ok := membershipFor(ev, sender, false); ok {
			return content, true
		}
	}
	return nil, false
}

const membershipEventType = "m.room.member"

// membershipFor returns ev.Content (or ev.PrevContent if usePrev) when ev is
// a membership event for sender.
func membershipFor(ev timeline.Event, sender string, usePrev bool) (map[string]interface{}, bool) {
	if ev.Type != membershipEventType {
		return nil, false
	}
	if ev.StateKey == nil || *ev.StateKey != sender {
		return nil, false
	}
	if usePrev {
		if ev.PrevContent == nil {
			return nil, false
		}
		return ev.PrevContent, true
	}
	return ev.Content, true
}

func membershipFields(content map[string]interface{}) (displayName, avatarURL *string) {
	if v, ok := content["displayname"].(string); ok {
		displayName = &v
	}
	if v, ok := content["avatar_url"].(string); ok {
		avatarURL = &v
	}
	return
}
