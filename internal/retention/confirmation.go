package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Reaction emojis are part of the wire contract with the user (spec.md
// §6) and must not be remapped.
const (
	EmojiConfirm    = "✅"
	EmojiCancel     = "❌"
	EmojiAlwaysAuto = "⚙️"
)

// Confirmation is the Interactive Confirmation Protocol (C7): it notifies a
// local owner of a pending deletion, attaches the three reaction options,
// and dispatches reaction callbacks. See spec.md §4.7.
type Confirmation struct {
	store    *Store
	blobs    *BlobStore
	prefs    *PrefsStore
	userRoom UserRoomService
	logger   *slog.Logger
}

// NewConfirmation returns a Confirmation handler.
func NewConfirmation(store *Store, blobs *BlobStore, prefs *PrefsStore, userRoom UserRoomService, logger *slog.Logger) *Confirmation {
	return &Confirmation{store: store, blobs: blobs, prefs: prefs, userRoom: userRoom, logger: logger}
}

// Notify composes and sends the confirmation message to owner's user room,
// attaches the three reactions, and inserts the awaiting-confirmation
// DeletionCandidate. See spec.md §4.7 steps 1-4.
func (c *Confirmation) Notify(ctx context.Context, owner string, candidate RetentionCandidate) error {
	roomID, err := c.userRoom.GetOrCreateUserRoom(ctx, owner)
	if err != nil {
		return fmt.Errorf("getting user room for %s: %w", owner, err)
	}

	text := buildNotificationText(candidate)

	eventID, err := c.userRoom.SendText(ctx, roomID, text)
	if err != nil {
		return fmt.Errorf("sending retention notice to %s: %w", owner, err)
	}

	cand := DeletionCandidate{
		MXC:                  candidate.MXC,
		EnqueuedTS:           time.Now().Unix(),
		UserID:               owner,
		AwaitingConfirmation: true,
		NotificationEventID:  eventID,
		FromEncryptedRoom:    candidate.FromEncryptedRoom,
	}

	// Reaction sends are not atomic with candidate insertion (spec.md §5b):
	// the candidate is valid so long as notification_event_id is set, even
	// if some reaction sends below fail.
	if id, err := c.userRoom.AddReaction(ctx, roomID, eventID, EmojiConfirm); err == nil {
		cand.ConfirmReactionID = id
	} else {
		c.logger.Warn("failed to add confirm reaction", slog.String("error", err.Error()))
	}
	if id, err := c.userRoom.AddReaction(ctx, roomID, eventID, EmojiCancel); err == nil {
		cand.CancelReactionID = id
	} else {
		c.logger.Warn("failed to add cancel reaction", slog.String("error", err.Error()))
	}
	if id, err := c.userRoom.AddReaction(ctx, roomID, eventID, EmojiAlwaysAuto); err == nil {
		cand.AutoReactionID = id
	} else {
		c.logger.Warn("failed to add always-auto reaction", slog.String("error", err.Error()))
	}

	return c.store.db.Update(func(txn *badger.Txn) error {
		return putDeletionCandidate(txn, &cand)
	})
}

func buildNotificationText(candidate RetentionCandidate) string {
	text := fmt.Sprintf("A media file (`%s`)", candidate.MXC)
	if candidate.RoomID != "" {
		text += fmt.Sprintf(" from room `%s`", candidate.RoomID)
	}
	text += " is no longer referenced by any message and is queued for deletion.\n\n"
	if candidate.FromEncryptedRoom {
		text += "This association was inferred heuristically because the originating event was encrypted; it may be inaccurate.\n\n"
	}
	text += fmt.Sprintf("React %s to confirm deletion now, %s to keep it, or %s to always delete for this room type going forward.", EmojiConfirm, EmojiCancel, EmojiAlwaysAuto)
	return text
}

// findCandidateByNotificationEvent scans qdel: for the candidate whose
// NotificationEventID matches eventID.
func (c *Confirmation) findCandidateByNotificationEvent(eventID string) (*DeletionCandidate, error) {
	var found *DeletionCandidate

	err := c.store.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixDeletionQueue), func(key, value []byte) error {
			if found != nil {
				return nil
			}
			var cand DeletionCandidate
			if err := decodeRecord(value, &cand); err != nil {
				return err
			}
			if cand.NotificationEventID == eventID {
				c := cand
				found = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// DispatchReaction handles a reaction event arriving in a user room. Any
// reaction not matching a known candidate, or from a non-owner, is ignored
// (returns nil). See spec.md §4.7.
func (c *Confirmation) DispatchReaction(ctx context.Context, roomID, reactorUserID, targetEventID, emoji string) error {
	cand, err := c.findCandidateByNotificationEvent(targetEventID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	if cand.UserID != "" && cand.UserID != reactorUserID {
		return nil
	}

	switch emoji {
	case EmojiConfirm:
		return c.handleConfirm(ctx, roomID, cand)
	case EmojiCancel:
		return c.handleCancel(ctx, roomID, cand)
	case EmojiAlwaysAuto:
		return c.handleAlwaysAuto(ctx, roomID, cand)
	default:
		return nil
	}
}

func (c *Confirmation) handleConfirm(ctx context.Context, roomID string, cand *DeletionCandidate) error {
	if _, err := ReclaimMedia(c.store, c.blobs, cand.MXC); err != nil {
		return fmt.Errorf("reclaiming %s on confirm: %w", cand.MXC, err)
	}
	if cand.CancelReactionID != "" {
		if err := c.userRoom.Redact(ctx, roomID, cand.CancelReactionID); err != nil {
			c.logger.Warn("failed to redact cancel reaction", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Confirmation) handleCancel(ctx context.Context, roomID string, cand *DeletionCandidate) error {
	err := c.store.db.Update(func(txn *badger.Txn) error {
		return deleteDeletionCandidate(txn, cand.MXC)
	})
	if err != nil {
		return fmt.Errorf("cancelling candidate %s: %w", cand.MXC, err)
	}
	if cand.ConfirmReactionID != "" {
		if err := c.userRoom.Redact(ctx, roomID, cand.ConfirmReactionID); err != nil {
			c.logger.Warn("failed to redact confirm reaction", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Confirmation) handleAlwaysAuto(ctx context.Context, roomID string, cand *DeletionCandidate) error {
	if cand.UserID != "" {
		if err := c.prefs.SetAutoDelete(cand.UserID, cand.FromEncryptedRoom, true); err != nil {
			return fmt.Errorf("setting auto-delete flag for %s: %w", cand.UserID, err)
		}
	}

	if _, err := ReclaimMedia(c.store, c.blobs, cand.MXC); err != nil {
		return fmt.Errorf("reclaiming %s on always-auto: %w", cand.MXC, err)
	}

	if cand.ConfirmReactionID != "" {
		if err := c.userRoom.Redact(ctx, roomID, cand.ConfirmReactionID); err != nil {
			c.logger.Warn("failed to redact confirm reaction", slog.String("error", err.Error()))
		}
	}
	if cand.CancelReactionID != "" {
		if err := c.userRoom.Redact(ctx, roomID, cand.CancelReactionID); err != nil {
			c.logger.Warn("failed to redact cancel reaction", slog.String("error", err.Error()))
		}
	}

	kind := "unencrypted"
	if cand.FromEncryptedRoom {
		kind = "encrypted"
	}
	confirmText := fmt.Sprintf("Auto-delete enabled for %s rooms. Run `user retention prefs-%s-off` to disable it.", kind, kind)
	if cand.UserID != "" {
		if _, err := c.userRoom.SendText(ctx, roomID, confirmText); err != nil {
			c.logger.Warn("failed to send auto-delete confirmation", slog.String("error", err.Error()))
		}
	}

	return nil
}
