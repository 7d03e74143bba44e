package retention

import (
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTracker_RecordEventRefs_CreatesMediaRef(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindContentURL},
	})
	if err != nil {
		t.Fatalf("RecordEventRefs: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		ref, err := getMediaRef(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("getMediaRef: %v", err)
		}
		if ref.Refcount != 1 {
			t.Errorf("refcount = %d, want 1", ref.Refcount)
		}
		if !ref.Local {
			t.Error("expected local = true")
		}
		return nil
	})
}

func TestTracker_RecordEventRefs_DuplicateMXCIncrementsTwice(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindContentURL},
		{MXC: "mxc://srv/A", Local: true, Kind: KindThumbnailURL},
	})
	if err != nil {
		t.Fatalf("RecordEventRefs: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		ref, err := getMediaRef(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("getMediaRef: %v", err)
		}
		if ref.Refcount != 2 {
			t.Errorf("refcount = %d, want 2", ref.Refcount)
		}
		return nil
	})
}

func TestTracker_RecordEventRefs_EmptyIsNoop(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	if err := tracker.RecordEventRefs("E1", "!room:srv", "alice", nil); err != nil {
		t.Fatalf("RecordEventRefs with empty refs returned error: %v", err)
	}
}

func TestTracker_DecrementOnRedaction_ConservationInvariant(t *testing.T) {
	// Testable property 1: exactly one MediaEventRef row exists until
	// on_redaction completes; afterwards, zero.
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	if err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("RecordEventRefs: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		_, err := getMediaEventRef(txn, mediaEventRefKey("E1", KindContentURL))
		if err != nil {
			t.Fatalf("expected MediaEventRef to exist before redaction: %v", err)
		}
		return nil
	})

	if _, err := tracker.DecrementOnRedaction("E1", PolicyAskSender); err != nil {
		t.Fatalf("DecrementOnRedaction: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		_, err := getMediaEventRef(txn, mediaEventRefKey("E1", KindContentURL))
		if err != ErrNotFound {
			t.Errorf("expected MediaEventRef to be gone after redaction, got err=%v", err)
		}
		return nil
	})
}

func TestTracker_DecrementOnRedaction_QueuesOnPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     Policy
		local      bool
		wantQueued bool
	}{
		{"keep never queues", PolicyKeep, true, false},
		{"ask_sender queues when refcount hits zero", PolicyAskSender, true, true},
		{"delete_always queues local media", PolicyDeleteAlways, true, true},
		{"delete_always skips remote media", PolicyDeleteAlways, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			tracker := NewTracker(store, slog.Default())

			if err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
				{MXC: "mxc://srv/A", Local: tt.local, Kind: KindContentURL},
			}); err != nil {
				t.Fatalf("RecordEventRefs: %v", err)
			}

			candidates, err := tracker.DecrementOnRedaction("E1", tt.policy)
			if err != nil {
				t.Fatalf("DecrementOnRedaction: %v", err)
			}

			queued := len(candidates) == 1 && candidates[0].MXC == "mxc://srv/A"
			if queued != tt.wantQueued {
				t.Errorf("queued = %v, want %v (candidates=%v)", queued, tt.wantQueued, candidates)
			}
		})
	}
}

func TestTracker_DecrementOnRedaction_RefcountArithmetic(t *testing.T) {
	// Testable property 2: refcount equals inserts minus decrements,
	// clamped at 0.
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	if err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("RecordEventRefs E1: %v", err)
	}
	if err := tracker.RecordEventRefs("E2", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindThumbnailURL},
	}); err != nil {
		t.Fatalf("RecordEventRefs E2: %v", err)
	}

	if _, err := tracker.DecrementOnRedaction("E1", PolicyKeep); err != nil {
		t.Fatalf("DecrementOnRedaction E1: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		ref, err := getMediaRef(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("getMediaRef: %v", err)
		}
		if ref.Refcount != 1 {
			t.Errorf("refcount after one decrement = %d, want 1", ref.Refcount)
		}
		return nil
	})

	if _, err := tracker.DecrementOnRedaction("E2", PolicyKeep); err != nil {
		t.Fatalf("DecrementOnRedaction E2: %v", err)
	}
	if _, err := tracker.DecrementOnRedaction("E2", PolicyKeep); err != nil {
		t.Fatalf("DecrementOnRedaction E2 again: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		ref, err := getMediaRef(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("getMediaRef: %v", err)
		}
		if ref.Refcount != 0 {
			t.Errorf("refcount should clamp at 0, got %d", ref.Refcount)
		}
		return nil
	})
}

// Scenario S5: a redacted encrypted.media ref surfaces as
// FromEncryptedRoom=true on its candidate, end to end through the stored
// kind tag — not only when a test hand-builds the candidate.
func TestTracker_DecrementOnRedaction_TagsEncryptedMediaCandidate(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	if err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindEncryptedMedia},
	}); err != nil {
		t.Fatalf("RecordEventRefs: %v", err)
	}

	candidates, err := tracker.DecrementOnRedaction("E1", PolicyAskSender)
	if err != nil {
		t.Fatalf("DecrementOnRedaction: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(candidates))
	}
	if !candidates[0].FromEncryptedRoom {
		t.Errorf("expected FromEncryptedRoom=true for an encrypted.media ref")
	}
}

// A non-encrypted kind must not be tagged FromEncryptedRoom.
func TestTracker_DecrementOnRedaction_UnencryptedMediaNotTagged(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	if err := tracker.RecordEventRefs("E1", "!room:srv", "alice", []EventRef{
		{MXC: "mxc://srv/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("RecordEventRefs: %v", err)
	}

	candidates, err := tracker.DecrementOnRedaction("E1", PolicyAskSender)
	if err != nil {
		t.Fatalf("DecrementOnRedaction: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(candidates))
	}
	if candidates[0].FromEncryptedRoom {
		t.Errorf("expected FromEncryptedRoom=false for a content.url ref")
	}
}

func TestTracker_DecrementOnRedaction_NoRefsIsEmpty(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, slog.Default())

	candidates, err := tracker.DecrementOnRedaction("unknown-event", PolicyAskSender)
	if err != nil {
		t.Fatalf("DecrementOnRedaction: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates, got %v", candidates)
	}
}
