package retention

import "errors"

// Sentinel errors for the behavioral categories the retention engine
// distinguishes. Callers should compare with errors.Is; these are not a
// class hierarchy, just flat values checked at the boundary that needs to
// react to them (user commands, reaction dispatch).
var (
	// ErrNotFound is returned when a candidate, media reference, or pending
	// upload row does not exist.
	ErrNotFound = errors.New("retention: not found")

	// ErrForbidden is returned when the requester is not the recorded owner
	// of a candidate.
	ErrForbidden = errors.New("retention: forbidden")

	// ErrAlreadyProcessed is returned when a candidate row exists but is not
	// awaiting confirmation (it is queued for grace-period reclamation). A
	// candidate that was already confirmed, cancelled, or reclaimed has no
	// row left, so a repeated request for it yields ErrNotFound instead.
	ErrAlreadyProcessed = errors.New("retention: already processed")

	// ErrBadRequest is returned for a malformed media identifier.
	ErrBadRequest = errors.New("retention: bad request")
)
