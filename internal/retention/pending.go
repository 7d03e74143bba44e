package retention

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// pendingWindowMS is the window within which an upload is attributed to a
// subsequent encrypted event from the same user. See spec.md §3 and §4.4.
const pendingWindowMS int64 = 60_000

// PendingMatcher is the Pending-Upload Matcher (C4): it records uploads per
// user and, on an encrypted-event arrival within pendingWindowMS, attributes
// them to that event. See spec.md §4.4.
type PendingMatcher struct {
	store  *Store
	logger *slog.Logger
}

// NewPendingMatcher returns a PendingMatcher backed by store.
func NewPendingMatcher(store *Store, logger *slog.Logger) *PendingMatcher {
	return &PendingMatcher{store: store, logger: logger}
}

// TrackUpload records an upload at the current time and spawns a best-effort
// sweep of the user's pending rows older than pendingWindowMS. The sweep
// runs asynchronously per spec.md §4.4 and §5 ("best-effort background
// task spawned on every upload").
func (p *PendingMatcher) TrackUpload(userID, mxc string) error {
	uploadTS := time.Now().UnixMilli()

	err := p.store.db.Update(func(txn *badger.Txn) error {
		data, err := encodeRecord(&PendingUpload{MXC: mxc, UserID: userID, UploadTS: uploadTS})
		if err != nil {
			return err
		}
		return txn.Set(pendingUploadKey(userID, uploadTS), data)
	})
	if err != nil {
		return err
	}

	go p.sweepExpired(userID, uploadTS)

	return nil
}

// sweepExpired deletes pending rows for userID whose upload_ts is older than
// pendingWindowMS relative to asOf. Overlapping sweeps are safe: each only
// ever deletes rows it itself observed as expired (spec.md §5).
func (p *PendingMatcher) sweepExpired(userID string, asOf int64) {
	cutoff := asOf - pendingWindowMS

	err := p.store.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		scanErr := scanPrefix(txn, pendingUploadScanPrefix(userID), func(key, value []byte) error {
			var row PendingUpload
			if err := decodeRecord(value, &row); err != nil {
				return err
			}
			if row.UploadTS < cutoff {
				stale = append(stale, append([]byte(nil), key...))
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Error("pending upload sweep failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// ConsumePending prefix-scans userID's pending uploads and returns an
// EventRef for every row within [eventTS-pendingWindowMS, eventTS]. Rows
// older than the window are also deleted; rows newer than eventTS are left
// in place. All deletes happen in one batch.
// See spec.md §4.4 and testable property 7.
func (p *PendingMatcher) ConsumePending(userID string, eventTS int64) ([]EventRef, error) {
	var matched []EventRef

	err := p.store.db.Update(func(txn *badger.Txn) error {
		var toDelete [][]byte

		scanErr := scanPrefix(txn, pendingUploadScanPrefix(userID), func(key, value []byte) error {
			var row PendingUpload
			if err := decodeRecord(value, &row); err != nil {
				return err
			}
			if row.UploadTS >= eventTS-pendingWindowMS && row.UploadTS <= eventTS {
				matched = append(matched, EventRef{MXC: row.MXC, Local: true, Kind: KindEncryptedMedia})
				toDelete = append(toDelete, append([]byte(nil), key...))
			} else if row.UploadTS < eventTS-pendingWindowMS {
				toDelete = append(toDelete, append([]byte(nil), key...))
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}

		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return matched, nil
}
