package retention

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func TestPendingMatcher_ConsumePending_WithinWindow(t *testing.T) {
	// Testable property 7: a PendingUpload is matched into an encrypted
	// event iff event_ts - 60000ms <= upload_ts <= event_ts.
	store := newTestStore(t)
	matcher := NewPendingMatcher(store, slog.Default())

	const userID = "alice"
	const uploadTS = int64(1_000)
	const eventTS = int64(5_000)

	if err := storeRawPendingUpload(store, userID, uploadTS, "mxc://srv/B"); err != nil {
		t.Fatalf("storeRawPendingUpload: %v", err)
	}

	refs, err := matcher.ConsumePending(userID, eventTS)
	if err != nil {
		t.Fatalf("ConsumePending: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("refs = %v, want 1 match", refs)
	}
	if refs[0].MXC != "mxc://srv/B" || !refs[0].Local || refs[0].Kind != KindEncryptedMedia {
		t.Errorf("unexpected ref: %+v", refs[0])
	}
}

func TestPendingMatcher_ConsumePending_OutsideWindowNotMatched(t *testing.T) {
	store := newTestStore(t)
	matcher := NewPendingMatcher(store, slog.Default())

	const userID = "alice"
	uploadTS := int64(0)
	eventTS := pendingWindowMS + 1_000 // more than 60s after upload

	if err := storeRawPendingUpload(store, userID, uploadTS, "mxc://srv/C"); err != nil {
		t.Fatalf("storeRawPendingUpload: %v", err)
	}

	refs, err := matcher.ConsumePending(userID, eventTS)
	if err != nil {
		t.Fatalf("ConsumePending: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %v, want none", refs)
	}
}

func TestPendingMatcher_ConsumePending_DeletesConsumedRows(t *testing.T) {
	store := newTestStore(t)
	matcher := NewPendingMatcher(store, slog.Default())

	const userID = "alice"
	if err := storeRawPendingUpload(store, userID, 1000, "mxc://srv/D"); err != nil {
		t.Fatalf("storeRawPendingUpload: %v", err)
	}

	if _, err := matcher.ConsumePending(userID, 5000); err != nil {
		t.Fatalf("first ConsumePending: %v", err)
	}

	refs, err := matcher.ConsumePending(userID, 5000)
	if err != nil {
		t.Fatalf("second ConsumePending: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("expected consumed row to be gone, got %v", refs)
	}
}

func TestPendingMatcher_TrackUpload_SweepsExpired(t *testing.T) {
	store := newTestStore(t)
	matcher := NewPendingMatcher(store, slog.Default())

	const userID = "bob"
	oldTS := time.Now().UnixMilli() - pendingWindowMS - 5_000
	if err := storeRawPendingUpload(store, userID, oldTS, "mxc://srv/old"); err != nil {
		t.Fatalf("storeRawPendingUpload: %v", err)
	}

	if err := matcher.TrackUpload(userID, "mxc://srv/new"); err != nil {
		t.Fatalf("TrackUpload: %v", err)
	}

	// The sweep spawned by TrackUpload runs asynchronously; give it a beat.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !pendingRowExists(t, store, userID, "mxc://srv/old") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired pending upload was never swept")
}

// storeRawPendingUpload writes a PendingUpload row directly, bypassing
// TrackUpload's current-time stamping, so tests can construct rows at
// specific timestamps.
func storeRawPendingUpload(store *Store, userID string, uploadTS int64, mxc string) error {
	return store.db.Update(func(txn *badger.Txn) error {
		data, err := encodeRecord(&PendingUpload{MXC: mxc, UserID: userID, UploadTS: uploadTS})
		if err != nil {
			return err
		}
		return txn.Set(pendingUploadKey(userID, uploadTS), data)
	})
}

func pendingRowExists(t *testing.T, store *Store, userID, mxc string) bool {
	t.Helper()
	found := false
	err := store.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, pendingUploadScanPrefix(userID), func(key, value []byte) error {
			var row PendingUpload
			if err := decodeRecord(value, &row); err != nil {
				return err
			}
			if row.MXC == mxc {
				found = true
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("scanning pending rows: %v", err)
	}
	return found
}
