package timeline

import "errors"

// Sentinel errors for the taxonomy in spec.md §7. Call sites wrap these with
// fmt.Errorf("%w: ...") so errors.Is keeps working while the message still
// carries the offending ids/tokens.
var (
	// ErrMalformedResponse covers a /messages or /context response that
	// fails basic shape validation (chunk not a sequence, end not a string,
	// missing tokens).
	ErrMalformedResponse = errors.New("timeline: malformed response")

	// ErrStaleToken is returned when fragmentEntry.token no longer matches
	// response.start: the server answered a request the client no longer
	// considers authoritative.
	ErrStaleToken = errors.New("timeline: stale pagination token")

	// ErrUnknownFragment is returned when reloading a fragment by id finds
	// nothing in storage.
	ErrUnknownFragment = errors.New("timeline: unknown fragment")

	// ErrLinkConflict is returned when linking would overwrite an existing
	// linkedFragmentId with a different value.
	ErrLinkConflict = errors.New("timeline: fragment link conflict")

	// ErrInvariantViolation covers any other corruption of an engine
	// invariant, e.g. findFirstOccurringEventId reporting an id absent from
	// the chunk it was handed.
	ErrInvariantViolation = errors.New("timeline: invariant violation")

	// ErrSelfLink is never returned as a call's error value: the self-link
	// guard is a recoverable, internal-only condition that ends in the
	// candidate being discarded and a warning logged, per spec.md §7. It is
	// exported so the discard sites (timeline/overlap.Detect,
	// timeline/gapwriter.linkOverlapping) can attach it to their logged
	// warning via logrus's WithError, wrapped with fmt.Errorf("%w: ...") like
	// every other sentinel here, giving the log entry the same
	// errors.Is-matchable shape without ever surfacing it to a caller.
	ErrSelfLink = errors.New("timeline: self-link discarded")
)
