package retention

import "context"

// EventPipeline is the narrow boundary the retention engine consumes from
// the event/room timeline. Spec.md §6 names three operations; AmityVox's
// own timeline implements this interface and is injected at startup so the
// dependency cycle (pipeline calls façade on append, façade calls pipeline
// to send notifications) is broken by an interface handle rather than a
// direct package import, per spec.md §9.
type EventPipeline interface {
	// AppendEvent appends an event authored by sender to room and returns
	// its event identifier.
	AppendEvent(ctx context.Context, roomID, sender string, eventType string, content map[string]any) (eventID string, err error)

	// GetEventJSON returns the canonical JSON body of a previously appended
	// event, or ErrNotFound if it does not exist.
	GetEventJSON(ctx context.Context, eventID string) (map[string]any, error)

	// RedactEvent tombstones a previously appended event.
	RedactEvent(ctx context.Context, eventID, reason string) error
}

// UserRoomService is the narrow boundary the retention engine consumes to
// deliver interactive confirmation notifications. Spec.md §6.
type UserRoomService interface {
	// GetOrCreateUserRoom returns the private notification room for userID,
	// creating it on first use.
	GetOrCreateUserRoom(ctx context.Context, userID string) (roomID string, err error)

	// SendText sends a markdown-formatted message to roomID and returns its
	// event identifier.
	SendText(ctx context.Context, roomID, markdown string) (eventID string, err error)

	// AddReaction attaches emoji to eventID as the server and returns the
	// reaction event's identifier.
	AddReaction(ctx context.Context, roomID, eventID, emoji string) (reactionEventID string, err error)

	// Redact removes a previously sent event or reaction.
	Redact(ctx context.Context, roomID, eventID string) error
}
