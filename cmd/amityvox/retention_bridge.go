package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/retention"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// localUserChecker returns a retention.LocalUserChecker backed by the users
// table's instance_id column, mirroring how federation handlers already
// distinguish local from remote users (internal/federation/dm.go). The
// retention boundary is synchronous, so lookups use a background context.
func localUserChecker(pool *pgxpool.Pool, localInstanceID string, logger *slog.Logger) retention.LocalUserChecker {
	return func(userID string) bool {
		var userInstanceID string
		err := pool.QueryRow(context.Background(),
			`SELECT instance_id FROM users WHERE id = $1`, userID,
		).Scan(&userInstanceID)
		if err != nil {
			logger.Warn("retention: could not resolve user locality, assuming remote",
				slog.String("user_id", userID), slog.String("error", err.Error()))
			return false
		}
		return userInstanceID == localInstanceID
	}
}

// eventPipelineBridge adapts AmityVox's messages table and event bus to the
// retention.EventPipeline boundary. Per SPEC_FULL.md this boundary is an
// external collaborator the retention engine consumes, not a component it
// owns; this is the thinnest adapter that satisfies it.
type eventPipelineBridge struct {
	pool *pgxpool.Pool
	bus  *events.Bus
}

func (b *eventPipelineBridge) AppendEvent(ctx context.Context, roomID, sender, eventType string, content map[string]any) (string, error) {
	id := models.NewULID().String()
	body, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshaling event content: %w", err)
	}

	_, err = b.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		id, roomID, sender, string(body),
	)
	if err != nil {
		return "", fmt.Errorf("appending event to %s: %w", roomID, err)
	}

	if b.bus != nil {
		b.bus.PublishChannelEvent(ctx, events.SubjectMessageCreate, eventType, roomID, content)
	}

	return id, nil
}

func (b *eventPipelineBridge) GetEventJSON(ctx context.Context, eventID string) (map[string]any, error) {
	var content string
	err := b.pool.QueryRow(ctx,
		`SELECT content FROM messages WHERE id = $1`, eventID,
	).Scan(&content)
	if err == pgx.ErrNoRows {
		return nil, retention.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %s: %w", eventID, err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// Plain-text message bodies (the common case) aren't JSON; the
		// retention fallback scan only cares about embedded mxc:// strings,
		// so wrap the raw text under a synthetic key instead of failing.
		parsed = map[string]any{"content": content}
	}
	return parsed, nil
}

func (b *eventPipelineBridge) RedactEvent(ctx context.Context, eventID, reason string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("redacting event %s: %w", eventID, err)
	}
	return nil
}

// systemUserID matches the actor ID the notification worker already uses for
// server-generated activity (internal/workers/notification_worker.go).
const systemUserID = "system"

// userRoomBridge adapts AmityVox's DM-channel concept (channels of
// channel_type 'dm', membership tracked in channel_recipients) to the
// retention.UserRoomService boundary, reusing the same "server sends the
// user a system message" idiom notifications.Service already follows for
// push notices.
type userRoomBridge struct {
	pool *pgxpool.Pool
	bus  *events.Bus
}

// GetOrCreateUserRoom returns the DM channel between the system user and
// userID, creating one on first use the same way federation's DM mirror
// creation does (see internal/federation/dm.go).
func (b *userRoomBridge) GetOrCreateUserRoom(ctx context.Context, userID string) (string, error) {
	var channelID string
	err := b.pool.QueryRow(ctx,
		`SELECT cr1.channel_id FROM channel_recipients cr1
		 JOIN channel_recipients cr2 ON cr1.channel_id = cr2.channel_id
		 JOIN channels c ON c.id = cr1.channel_id
		 WHERE c.channel_type = 'dm' AND cr1.user_id = $1 AND cr2.user_id = $2
		 LIMIT 1`,
		systemUserID, userID,
	).Scan(&channelID)
	if err == nil {
		return channelID, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("looking up retention DM channel for %s: %w", userID, err)
	}

	channelID = models.NewULID().String()
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning retention DM channel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO channels (id, channel_type, created_at) VALUES ($1, 'dm', now())`,
		channelID,
	); err != nil {
		return "", fmt.Errorf("creating retention DM channel for %s: %w", userID, err)
	}
	for _, participant := range []string{systemUserID, userID} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO channel_recipients (channel_id, user_id, joined_at)
			 VALUES ($1, $2, now()) ON CONFLICT DO NOTHING`,
			channelID, participant,
		); err != nil {
			return "", fmt.Errorf("adding %s to retention DM channel: %w", participant, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing retention DM channel for %s: %w", userID, err)
	}
	return channelID, nil
}

func (b *userRoomBridge) SendText(ctx context.Context, roomID, markdown string) (string, error) {
	id := models.NewULID().String()
	_, err := b.pool.Exec(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		id, roomID, systemUserID, markdown,
	)
	if err != nil {
		return "", fmt.Errorf("sending retention notice to %s: %w", roomID, err)
	}
	if b.bus != nil {
		b.bus.PublishChannelEvent(ctx, events.SubjectMessageCreate, "MESSAGE_CREATE", roomID, map[string]any{
			"id": id, "channel_id": roomID, "author_id": systemUserID, "content": markdown,
		})
	}
	return id, nil
}

// AddReaction reacts as the system user. message_reactions has no surrogate
// key (see internal/federation/guild.go's federated reaction handlers), so
// the "reaction event ID" this returns is a synthetic composite the
// confirmation dispatcher never needs to look back up by ID.
func (b *userRoomBridge) AddReaction(ctx context.Context, roomID, eventID, emoji string) (string, error) {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		 VALUES ($1, $2, $3, now()) ON CONFLICT DO NOTHING`,
		eventID, systemUserID, emoji,
	)
	if err != nil {
		return "", fmt.Errorf("adding reaction %s to %s: %w", emoji, eventID, err)
	}
	if b.bus != nil {
		b.bus.PublishChannelEvent(ctx, events.SubjectMessageReactionAdd, "MESSAGE_REACTION_ADD", roomID, map[string]any{
			"message_id": eventID, "channel_id": roomID, "user_id": systemUserID, "emoji": emoji,
		})
	}
	return eventID + ":" + emoji, nil
}

// Redact removes either a message (eventID from SendText) or a system
// reaction (eventID from AddReaction, formatted "<messageID>:<emoji>").
func (b *userRoomBridge) Redact(ctx context.Context, roomID, eventID string) error {
	if messageID, emoji, ok := splitReactionID(eventID); ok {
		_, err := b.pool.Exec(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
			messageID, systemUserID, emoji,
		)
		if err != nil {
			return fmt.Errorf("redacting reaction %s: %w", eventID, err)
		}
		return nil
	}

	_, err := b.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("redacting %s: %w", eventID, err)
	}
	return nil
}

func splitReactionID(id string) (messageID, emoji string, ok bool) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}
