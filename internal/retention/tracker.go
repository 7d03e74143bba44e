package retention

import (
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Tracker is the Reference Tracker (C3). It maintains MediaRef and
// MediaEventRef rows: incrementing on event insert, decrementing on
// redaction, and emitting deletion candidates per policy. See spec.md §4.3.
type Tracker struct {
	store  *Store
	logger *slog.Logger
}

// NewTracker returns a Tracker backed by store.
func NewTracker(store *Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// RecordEventRefs is the insert path: record_event_refs(event_id, room_id,
// sender, refs[]) from spec.md §4.3. A no-op on empty refs. Duplicates
// within one event (same mxc under different kinds) increment refcount
// once per occurrence.
func (t *Tracker) RecordEventRefs(eventID, roomID, sender string, refs []EventRef) error {
	if len(refs) == 0 {
		return nil
	}

	now := time.Now().Unix()

	return t.store.db.Update(func(txn *badger.Txn) error {
		for _, ref := range refs {
			merKey := mediaEventRefKey(eventID, ref.Kind)
			if err := putMediaEventRef(txn, merKey, &MediaEventRef{
				MXC:    ref.MXC,
				RoomID: roomID,
				Kind:   ref.Kind,
				Sender: sender,
			}); err != nil {
				return err
			}

			mref, err := getMediaRef(txn, ref.MXC)
			if err != nil {
				if err != ErrNotFound {
					return err
				}
				mref = &MediaRef{
					MXC:         ref.MXC,
					Refcount:    0,
					Local:       ref.Local,
					FirstSeenTS: now,
				}
			}
			mref.Refcount++
			mref.LastSeenTS = now
			if err := putMediaRef(txn, mref); err != nil {
				return err
			}
		}
		return nil
	})
}

// DecrementOnRedaction is the decrement path from spec.md §4.3: it
// prefix-scans mer:<event_id>: for every reference the event contributed,
// decrements the corresponding MediaRef, removes the mer: row, and
// evaluates policy to decide which mxcs become deletion candidates. The
// returned candidates are handed to C6 by the caller (C9's on_redaction).
func (t *Tracker) DecrementOnRedaction(eventID string, policy Policy) ([]RetentionCandidate, error) {
	var candidates []RetentionCandidate

	err := t.store.db.Update(func(txn *badger.Txn) error {
		var rows []struct {
			key []byte
			ref MediaEventRef
		}

		scanErr := scanPrefix(txn, mediaEventRefScanPrefix(eventID), func(key, value []byte) error {
			var ref MediaEventRef
			if err := decodeRecord(value, &ref); err != nil {
				return err
			}
			rows = append(rows, struct {
				key []byte
				ref MediaEventRef
			}{key: append([]byte(nil), key...), ref: ref})
			return nil
		})
		if scanErr != nil {
			return scanErr
		}

		if len(rows) == 0 {
			t.logger.Info("no media refs found for event", slog.String("event_id", eventID))
			return nil
		}

		now := time.Now().Unix()

		for _, row := range rows {
			mref, err := getMediaRef(txn, row.ref.MXC)
			if err != nil {
				if err == ErrNotFound {
					if err := txn.Delete(row.key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			mref.Refcount--
			if mref.Refcount < 0 {
				mref.Refcount = 0
			}
			mref.LastSeenTS = now
			if err := putMediaRef(txn, mref); err != nil {
				return err
			}

			if err := txn.Delete(row.key); err != nil {
				return err
			}

			queue := false
			switch policy {
			case PolicyKeep:
				queue = false
			case PolicyAskSender:
				queue = mref.Refcount == 0
			case PolicyDeleteAlways:
				queue = mref.Local
			}

			if queue {
				candidates = append(candidates, RetentionCandidate{
					MXC:               row.ref.MXC,
					RoomID:            row.ref.RoomID,
					Sender:            row.ref.Sender,
					FromEncryptedRoom: row.ref.Kind == KindEncryptedMedia,
				})
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return candidates, nil
}
