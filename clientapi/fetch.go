// Package clientapi is the client side of the /messages and /context
// endpoints GapWriter.WriteFragmentFill and WriteContext consume responses
// from. Network I/O for these endpoints is out of scope (spec.md's
// Non-goals): this package only defines the collaborator boundary and a
// stub implementation, anchoring gomatrix.HTTPError and giving the demo
// command something concrete to call instead of hand-building response
// structs inline.
package clientapi

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrix"

	"github.com/initiative-elysion/hydrogen-web/timeline"
	"github.com/initiative-elysion/hydrogen-web/timeline/gapwriter"
)

// MessagesFetcher is the /messages collaborator: given a pagination token
// and direction, it returns the chunk GapWriter.WriteFragmentFill expects
// as its Response field.
type MessagesFetcher interface {
	FetchMessages(ctx context.Context, roomID, from string, dir timeline.Direction, limit int) (gapwriter.MessagesResponse, error)
}

// ContextFetcher is the /context collaborator: given an event id, it
// returns the chunk GapWriter.WriteContext expects as its Response field.
type ContextFetcher interface {
	FetchContext(ctx context.Context, roomID, eventID string, limit int) (gapwriter.ContextResponse, error)
}

// Fetcher implements MessagesFetcher and ContextFetcher against a real
// homeserver base URL. It performs no network I/O; every call fails with a
// gomatrix.HTTPError describing the request it would have made, so code
// wired against it exercises the same error path a failed round trip would.
type Fetcher struct {
	HomeserverURL string
}

func (f *Fetcher) FetchMessages(ctx context.Context, roomID, from string, dir timeline.Direction, limit int) (gapwriter.MessagesResponse, error) {
	return gapwriter.MessagesResponse{}, f.notImplemented("GET", fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages?from=%s&dir=%s&limit=%d", roomID, from, dirParam(dir), limit))
}

func (f *Fetcher) FetchContext(ctx context.Context, roomID, eventID string, limit int) (gapwriter.ContextResponse, error) {
	return gapwriter.ContextResponse{}, f.notImplemented("GET", fmt.Sprintf("/_matrix/client/v3/rooms/%s/context/%s?limit=%d", roomID, eventID, limit))
}

func (f *Fetcher) notImplemented(method, path string) error {
	return gomatrix.HTTPError{
		Code:    501,
		Message: fmt.Sprintf("clientapi: %s %s%s not implemented, network I/O is out of scope", method, f.HomeserverURL, path),
	}
}

func dirParam(d timeline.Direction) string {
	if d.IsForward() {
		return "f"
	}
	return "b"
}

// StaticFetcher is a MessagesFetcher/ContextFetcher backed by canned
// responses prepared ahead of time. The demo command and any test driving
// GapWriter end to end without a live homeserver use this instead of
// Fetcher.
type StaticFetcher struct {
	Messages gapwriter.MessagesResponse
	Context  gapwriter.ContextResponse
}

func (f StaticFetcher) FetchMessages(ctx context.Context, roomID, from string, dir timeline.Direction, limit int) (gapwriter.MessagesResponse, error) {
	return f.Messages, nil
}

func (f StaticFetcher) FetchContext(ctx context.Context, roomID, eventID string, limit int) (gapwriter.ContextResponse, error) {
	return f.Context, nil
}
