package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// defaultSweepInterval is the reclamation worker's default tick period
// (spec.md §4.8).
const defaultSweepInterval = 10 * time.Second

// ReclaimMedia is the delete subroutine shared by C7 (interactive
// confirmation) and C8 (reclamation worker): it deletes the blob for mxc,
// then atomically removes the qdel:<mxc> and mref:<mxc> rows. File-missing
// is not an error. Returns freed bytes. See spec.md §4.8.
//
// The reclamation worker and the interactive path race to call this for the
// same mxc; whichever transaction commits first wins, the other finds the
// qdel: row already gone and is a no-op (spec.md §5c). Since the blob
// delete is idempotent and always attempted before the row removal, a
// second caller still returns 0 bytes freed with no error, matching
// testable property 6.
func ReclaimMedia(store *Store, blobs *BlobStore, mxc string) (int64, error) {
	freed, blobErr := blobs.Delete(mxc)
	if blobErr != nil {
		return 0, blobErr
	}

	err := store.db.Update(func(txn *badger.Txn) error {
		if err := deleteDeletionCandidate(txn, mxc); err != nil {
			return err
		}
		return deleteMediaRef(txn, mxc)
	})
	if err != nil {
		return 0, err
	}

	return freed, nil
}

// QueueForDeletion inserts a non-awaiting DeletionCandidate into qdel:,
// overwriting any existing row for mxc with a fresh timestamp. This is the
// only path C6's DeleteImmediately action takes (spec.md §4.9 step 5,
// §5c's candidate-state model): the grace-period sweep in Worker.sweep is
// what actually reclaims it, never the redaction path itself. See
// original_source/src/service/media/mod.rs's queue_media_for_deletion and
// retention.rs:417.
func QueueForDeletion(store *Store, mxc, owner string, fromEncryptedRoom bool) error {
	cand := &DeletionCandidate{
		MXC:               mxc,
		EnqueuedTS:        time.Now().Unix(),
		UserID:            owner,
		FromEncryptedRoom: fromEncryptedRoom,
	}
	return store.db.Update(func(txn *badger.Txn) error {
		return putDeletionCandidate(txn, cand)
	})
}

// Worker is the Reclamation Worker (C8): a periodic sweep of the deletion
// queue honoring the grace period. See spec.md §4.8 and §5.
type Worker struct {
	store       *Store
	blobs       *BlobStore
	logger      *slog.Logger
	interval    time.Duration
	gracePeriod time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewWorker returns a reclamation Worker. interval defaults to 10s when <= 0.
func NewWorker(store *Store, blobs *BlobStore, gracePeriod time.Duration, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Worker{
		store:       store,
		blobs:       blobs,
		logger:      logger,
		interval:    interval,
		gracePeriod: gracePeriod,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// Callers never await it (spec.md §9): launch it in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// Stop signals the sweep loop to exit and waits for it to do so.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// sweep performs one pass over qdel:, reclaiming every candidate that is
// neither awaiting confirmation nor still inside its grace period. Errors
// on individual candidates are logged and do not halt the sweep (spec.md
// §7's propagation policy).
func (w *Worker) sweep() {
	now := time.Now().Unix()
	graceSecs := int64(w.gracePeriod / time.Second)

	var candidates []DeletionCandidate

	err := w.store.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixDeletionQueue), func(key, value []byte) error {
			var cand DeletionCandidate
			if err := decodeRecord(value, &cand); err != nil {
				return err
			}
			candidates = append(candidates, cand)
			return nil
		})
	})
	if err != nil {
		w.logger.Error("reclamation sweep scan failed", slog.String("error", err.Error()))
		return
	}

	for _, cand := range candidates {
		if cand.AwaitingConfirmation {
			continue
		}
		if now-cand.EnqueuedTS < graceSecs {
			continue
		}

		freed, err := ReclaimMedia(w.store, w.blobs, cand.MXC)
		if err != nil {
			w.logger.Error("reclaiming media failed", slog.String("mxc", cand.MXC), slog.String("error", err.Error()))
			continue
		}
		w.logger.Info("reclaimed media", slog.String("mxc", cand.MXC), slog.Int64("freed_bytes", freed))
	}
}
