package retention

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Policy is the configured behavior applied to a media identifier when an
// event referencing it is redacted.
type Policy string

const (
	PolicyKeep         Policy = "keep"
	PolicyAskSender    Policy = "ask_sender"
	PolicyDeleteAlways Policy = "delete_always"
)

// Action is the outcome of evaluating a retention candidate (C6).
type Action int

const (
	ActionSkip Action = iota
	ActionDeleteImmediately
	ActionAwaitConfirmation
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionDeleteImmediately:
		return "delete_immediately"
	case ActionAwaitConfirmation:
		return "await_confirmation"
	default:
		return "unknown"
	}
}

// EffectivePreference is the per-user retention preference C6 consults for
// a local owner: Delete, Keep, or Ask (the default when unset). It is
// separate from the two auto-delete flags in UserRetentionPrefs.
type EffectivePreference int

const (
	PreferenceAsk EffectivePreference = iota
	PreferenceDelete
	PreferenceKeep
)

// ReferenceKind names the JSON position a media identifier was found at
// within an event. Treated as an opaque tag; see SPEC_FULL.md's resolution
// of the kind-traversal open question.
type ReferenceKind string

const (
	KindContentURL     ReferenceKind = "content.url"
	KindThumbnailURL   ReferenceKind = "thumbnail_url"
	KindFileURL        ReferenceKind = "file.url"
	KindEncryptedMedia ReferenceKind = "encrypted.media"
)

// ParseMXC validates a media identifier string and returns its canonical
// form. Malformed identifiers surface ErrBadRequest per §7.
func ParseMXC(mxc string) (string, error) {
	parsed, err := id.ContentURIString(mxc).Parse()
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadRequest, mxc, err)
	}
	return parsed.String(), nil
}

// EventRef is one (mxc, local, kind) tuple extracted from an event by the
// event pipeline and handed to the reference tracker.
type EventRef struct {
	MXC   string
	Local bool
	Kind  ReferenceKind
}

// MediaRef is the refcount row for a single media identifier. See
// spec.md §3.
type MediaRef struct {
	MXC         string `cbor:"mxc"`
	Refcount    int64  `cbor:"refcount"`
	Local       bool   `cbor:"local"`
	FirstSeenTS int64  `cbor:"first_seen_ts"`
	LastSeenTS  int64  `cbor:"last_seen_ts"`
}

// MediaEventRef is keyed by (event_id, kind) and records that an event
// contributed a reference to mxc. See spec.md §3.
type MediaEventRef struct {
	MXC    string        `cbor:"mxc"`
	RoomID string        `cbor:"room_id"`
	Kind   ReferenceKind `cbor:"kind"`
	Sender string        `cbor:"sender,omitempty"`
}

// PendingUpload is an upload observed by C4 before it has been associated
// with an event. See spec.md §3 and §4.4.
type PendingUpload struct {
	MXC       string `cbor:"mxc"`
	UserID    string `cbor:"user_id"`
	UploadTS  int64  `cbor:"upload_ts"`
}

// DeletionCandidate is a media identifier queued for possible deletion. See
// spec.md §3 and §4.7-§4.9.
type DeletionCandidate struct {
	MXC                  string `cbor:"mxc"`
	EnqueuedTS           int64  `cbor:"enqueued_ts"`
	UserID               string `cbor:"user_id,omitempty"`
	AwaitingConfirmation bool   `cbor:"awaiting_confirmation"`
	NotificationEventID  string `cbor:"notification_event_id,omitempty"`
	ConfirmReactionID    string `cbor:"confirm_reaction_id,omitempty"`
	CancelReactionID     string `cbor:"cancel_reaction_id,omitempty"`
	AutoReactionID       string `cbor:"auto_reaction_id,omitempty"`
	FromEncryptedRoom    bool   `cbor:"from_encrypted_room"`
}

// UserRetentionPrefs holds the two auto-delete booleans for a user. An
// absent key is equivalent to both false. See spec.md §3 and §4.5.
type UserRetentionPrefs struct {
	AutoDeleteEncrypted   bool `cbor:"auto_delete_encrypted"`
	AutoDeleteUnencrypted bool `cbor:"auto_delete_unencrypted"`
}

// RetentionCandidate is the input to the evaluator (C6): a media identifier
// plus whatever context the caller already resolved.
type RetentionCandidate struct {
	MXC               string
	RoomID            string
	Sender            string
	FromEncryptedRoom bool
}
