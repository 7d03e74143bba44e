package retention

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func putTestCandidate(t *testing.T, store *Store, cand DeletionCandidate) {
	t.Helper()
	err := store.db.Update(func(txn *badger.Txn) error {
		return putDeletionCandidate(txn, &cand)
	})
	if err != nil {
		t.Fatalf("putDeletionCandidate: %v", err)
	}
}

func TestReclaimMedia_DeletesBlobAndRows(t *testing.T) {
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	if err := blobs.Put("mxc://srv/A", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	putTestCandidate(t, store, DeletionCandidate{MXC: "mxc://srv/A"})

	freed, err := ReclaimMedia(store, blobs, "mxc://srv/A")
	if err != nil {
		t.Fatalf("ReclaimMedia: %v", err)
	}
	if freed != int64(len("payload")) {
		t.Errorf("freed = %d, want %d", freed, len("payload"))
	}

	if _, err := blobs.Open("mxc://srv/A"); err != ErrNotFound {
		t.Errorf("expected blob gone, got err=%v", err)
	}
	store.db.View(func(txn *badger.Txn) error {
		_, err := getDeletionCandidate(txn, "mxc://srv/A")
		if err != ErrNotFound {
			t.Errorf("expected candidate row gone, got err=%v", err)
		}
		return nil
	})
}

func TestReclaimMedia_SecondCallIsIdempotentNoOp(t *testing.T) {
	// Testable property 6: racing reclamation callers converge safely.
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	if err := blobs.Put("mxc://srv/A", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	putTestCandidate(t, store, DeletionCandidate{MXC: "mxc://srv/A"})

	if _, err := ReclaimMedia(store, blobs, "mxc://srv/A"); err != nil {
		t.Fatalf("first ReclaimMedia: %v", err)
	}

	freed, err := ReclaimMedia(store, blobs, "mxc://srv/A")
	if err != nil {
		t.Fatalf("second ReclaimMedia: %v", err)
	}
	if freed != 0 {
		t.Errorf("second freed = %d, want 0", freed)
	}
}

func TestQueueForDeletion_InsertsNonAwaitingCandidate(t *testing.T) {
	store := newTestStore(t)

	if err := QueueForDeletion(store, "mxc://srv/A", "@bob:remote", true); err != nil {
		t.Fatalf("QueueForDeletion: %v", err)
	}

	store.db.View(func(txn *badger.Txn) error {
		cand, err := getDeletionCandidate(txn, "mxc://srv/A")
		if err != nil {
			t.Fatalf("getDeletionCandidate: %v", err)
		}
		if cand.AwaitingConfirmation {
			t.Errorf("expected AwaitingConfirmation = false")
		}
		if cand.UserID != "@bob:remote" {
			t.Errorf("UserID = %q, want @bob:remote", cand.UserID)
		}
		if !cand.FromEncryptedRoom {
			t.Errorf("expected FromEncryptedRoom = true")
		}
		if cand.EnqueuedTS == 0 {
			t.Errorf("expected a non-zero EnqueuedTS")
		}
		return nil
	})
}

func TestWorker_Sweep_SkipsAwaitingConfirmation(t *testing.T) {
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	if err := blobs.Put("mxc://srv/A", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	putTestCandidate(t, store, DeletionCandidate{
		MXC: "mxc://srv/A", EnqueuedTS: time.Now().Add(-time.Hour).Unix(), AwaitingConfirmation: true,
	})

	w := NewWorker(store, blobs, 0, time.Hour, slog.Default())
	w.sweep()

	if _, err := blobs.Open("mxc://srv/A"); err != nil {
		t.Errorf("expected blob to survive sweep while awaiting confirmation, got err=%v", err)
	}
}

func TestWorker_Sweep_SkipsWithinGracePeriod(t *testing.T) {
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	if err := blobs.Put("mxc://srv/A", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	putTestCandidate(t, store, DeletionCandidate{
		MXC: "mxc://srv/A", EnqueuedTS: time.Now().Unix(),
	})

	w := NewWorker(store, blobs, time.Hour, 0, slog.Default())
	w.sweep()

	if _, err := blobs.Open("mxc://srv/A"); err != nil {
		t.Errorf("expected blob to survive sweep inside grace period, got err=%v", err)
	}
}

func TestWorker_Sweep_ReclaimsPastGracePeriod(t *testing.T) {
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	if err := blobs.Put("mxc://srv/A", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	putTestCandidate(t, store, DeletionCandidate{
		MXC: "mxc://srv/A", EnqueuedTS: time.Now().Add(-time.Hour).Unix(),
	})

	w := NewWorker(store, blobs, time.Minute, 0, slog.Default())
	w.sweep()

	if _, err := blobs.Open("mxc://srv/A"); err != ErrNotFound {
		t.Errorf("expected blob to be reclaimed past grace period, got err=%v", err)
	}
}

func TestWorker_StartStop(t *testing.T) {
	store := newTestStore(t)
	blobs, err := NewBlobStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	w := NewWorker(store, blobs, time.Minute, 20*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		w.Start(t.Context())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
