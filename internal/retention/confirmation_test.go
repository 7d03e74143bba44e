package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

// fakeUserRoom is an in-memory UserRoomService for tests.
type fakeUserRoom struct {
	mu        sync.Mutex
	rooms     map[string]string // userID -> roomID
	events    map[string]string // eventID -> text
	reactions map[string]string // reactionID -> emoji
	redacted  map[string]bool
	nextID    int
}

func newFakeUserRoom() *fakeUserRoom {
	return &fakeUserRoom{
		rooms:     make(map[string]string),
		events:    make(map[string]string),
		reactions: make(map[string]string),
		redacted:  make(map[string]bool),
	}
}

func (f *fakeUserRoom) genID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("$%s%d", prefix, f.nextID)
}

func (f *fakeUserRoom) GetOrCreateUserRoom(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[userID]; ok {
		return room, nil
	}
	room := "!userroom:" + userID
	f.rooms[userID] = room
	return room, nil
}

func (f *fakeUserRoom) SendText(ctx context.Context, roomID, markdown string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.genID("event")
	f.events[id] = markdown
	return id, nil
}

func (f *fakeUserRoom) AddReaction(ctx context.Context, roomID, eventID, emoji string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.genID("reaction")
	f.reactions[id] = emoji
	return id, nil
}

func (f *fakeUserRoom) Redact(ctx context.Context, roomID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted[eventID] = true
	return nil
}

func newTestConfirmation(t *testing.T) (*Confirmation, *Store, *BlobStore, *PrefsStore, *fakeUserRoom) {
	t.Helper()
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	prefs := NewPrefsStore(store, slog.Default())
	userRoom := newFakeUserRoom()
	conf := NewConfirmation(store, blobs, prefs, userRoom, slog.Default())
	return conf, store, blobs, prefs, userRoom
}

func TestConfirmation_Notify_InsertsAwaitingCandidate(t *testing.T) {
	conf, store, _, _, userRoom := newTestConfirmation(t)

	err := conf.Notify(context.Background(), "@alice:local", RetentionCandidate{
		MXC: "mxc://srv/A", RoomID: "!room:srv",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(userRoom.events) != 1 {
		t.Fatalf("expected one notification sent, got %d", len(userRoom.events))
	}
	if len(userRoom.reactions) != 3 {
		t.Fatalf("expected three reactions attached, got %d", len(userRoom.reactions))
	}

	store.db.View(func(txn *badger.Txn) error {
		cand, err := getDeletionCandidate(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("getDeletionCandidate: %v", err)
		}
		if !cand.AwaitingConfirmation {
			t.Error("expected AwaitingConfirmation = true")
		}
		if cand.NotificationEventID == "" {
			t.Error("expected NotificationEventID to be set")
		}
		return nil
	})
}

func TestConfirmation_DispatchReaction_ConfirmReclaimsMedia(t *testing.T) {
	conf, store, blobs, _, userRoom := newTestConfirmation(t)

	if err := blobs.Put("mxc://srv/A", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := conf.Notify(context.Background(), "@alice:local", RetentionCandidate{MXC: "mxc://srv/A"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var notificationEventID string
	for id := range userRoom.events {
		notificationEventID = id
	}

	err := conf.DispatchReaction(context.Background(), "!userroom:@alice:local", "@alice:local", notificationEventID, EmojiConfirm)
	if err != nil {
		t.Fatalf("DispatchReaction: %v", err)
	}

	if _, err := blobs.Open("mxc://srv/A"); err != ErrNotFound {
		t.Errorf("expected blob to be reclaimed, got err=%v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		_, err := getDeletionCandidate(txn, "mxc://srv/A")
		if err != ErrNotFound {
			t.Errorf("expected candidate row to be gone, got err=%v", err)
		}
		return nil
	})
}

func TestConfirmation_DispatchReaction_CancelRemovesCandidateKeepsBlob(t *testing.T) {
	conf, store, blobs, _, userRoom := newTestConfirmation(t)

	if err := blobs.Put("mxc://srv/A", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := conf.Notify(context.Background(), "@alice:local", RetentionCandidate{MXC: "mxc://srv/A"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var notificationEventID string
	for id := range userRoom.events {
		notificationEventID = id
	}

	err := conf.DispatchReaction(context.Background(), "!userroom:@alice:local", "@alice:local", notificationEventID, EmojiCancel)
	if err != nil {
		t.Fatalf("DispatchReaction: %v", err)
	}

	if _, err := blobs.Open("mxc://srv/A"); err != nil {
		t.Errorf("expected blob to survive cancel, got err=%v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		_, err := getDeletionCandidate(txn, "mxc://srv/A")
		if err != ErrNotFound {
			t.Errorf("expected candidate row removed after cancel, got err=%v", err)
		}
		return nil
	})
}

func TestConfirmation_DispatchReaction_AlwaysAutoSetsPrefAndReclaims(t *testing.T) {
	conf, _, blobs, prefs, userRoom := newTestConfirmation(t)

	if err := blobs.Put("mxc://srv/A", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := conf.Notify(context.Background(), "@alice:local", RetentionCandidate{
		MXC: "mxc://srv/A", FromEncryptedRoom: true,
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var notificationEventID string
	for id := range userRoom.events {
		notificationEventID = id
	}

	err := conf.DispatchReaction(context.Background(), "!userroom:@alice:local", "@alice:local", notificationEventID, EmojiAlwaysAuto)
	if err != nil {
		t.Fatalf("DispatchReaction: %v", err)
	}

	if _, err := blobs.Open("mxc://srv/A"); err != ErrNotFound {
		t.Errorf("expected blob to be reclaimed, got err=%v", err)
	}

	got, err := prefs.Get("@alice:local")
	if err != nil {
		t.Fatalf("prefs.Get: %v", err)
	}
	if !got.AutoDeleteEncrypted {
		t.Error("expected AutoDeleteEncrypted to be set")
	}
}

func TestConfirmation_DispatchReaction_IgnoresNonOwnerReactor(t *testing.T) {
	conf, store, blobs, _, userRoom := newTestConfirmation(t)

	if err := blobs.Put("mxc://srv/A", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := conf.Notify(context.Background(), "@alice:local", RetentionCandidate{MXC: "mxc://srv/A"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	var notificationEventID string
	for id := range userRoom.events {
		notificationEventID = id
	}

	err := conf.DispatchReaction(context.Background(), "!userroom:@alice:local", "@mallory:local", notificationEventID, EmojiConfirm)
	if err != nil {
		t.Fatalf("DispatchReaction: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		cand, err := getDeletionCandidate(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("expected candidate to survive non-owner reaction: %v", err)
		}
		if !cand.AwaitingConfirmation {
			t.Error("expected candidate unchanged")
		}
		return nil
	})
}

func TestConfirmation_DispatchReaction_UnknownEventIsIgnored(t *testing.T) {
	conf, _, _, _, _ := newTestConfirmation(t)

	if err := conf.DispatchReaction(context.Background(), "!room:srv", "@alice:local", "$unknown", EmojiConfirm); err != nil {
		t.Errorf("expected unknown event to be silently ignored, got %v", err)
	}
}
