// Package retention implements the Media Retention Engine: reference
// counting between chat events and uploaded media, a grace-period
// reclamation worker, and a reaction-driven interactive confirmation
// protocol, backed by an embedded key-value store and a content-addressed
// blob store on the local filesystem.
package retention

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// Store is the Retention Index (C2): a single Badger namespace holding the
// five key-prefixed record families named in spec.md §3, encoded as CBOR
// values. Badger's single-writer MVCC transactions give the per-key
// linearizability and atomic-batch semantics spec.md §4.2 and §5 require:
// a db.Update call is both the "blocking get inside a batch" C3's insert
// path needs and the atomic multi-put/multi-delete C4/C8 need.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenStore opens (creating if absent) the embedded key-value store rooted
// at dir.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening retention index at %q: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeRecord(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding retention record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding retention record: %w", err)
	}
	return nil
}

// getMediaRef reads the MediaRef for mxc inside txn. Returns ErrNotFound if
// absent.
func getMediaRef(txn *badger.Txn, mxc string) (*MediaRef, error) {
	item, err := txn.Get(mediaRefKey(mxc))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ref MediaRef
	if err := item.Value(func(val []byte) error {
		return decodeRecord(val, &ref)
	}); err != nil {
		return nil, err
	}
	return &ref, nil
}

func putMediaRef(txn *badger.Txn, ref *MediaRef) error {
	data, err := encodeRecord(ref)
	if err != nil {
		return err
	}
	return txn.Set(mediaRefKey(ref.MXC), data)
}

func deleteMediaRef(txn *badger.Txn, mxc string) error {
	return txn.Delete(mediaRefKey(mxc))
}

func getMediaEventRef(txn *badger.Txn, key []byte) (*MediaEventRef, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ref MediaEventRef
	if err := item.Value(func(val []byte) error {
		return decodeRecord(val, &ref)
	}); err != nil {
		return nil, err
	}
	return &ref, nil
}

func putMediaEventRef(txn *badger.Txn, key []byte, ref *MediaEventRef) error {
	data, err := encodeRecord(ref)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// scanPrefix iterates every key/value pair under prefix inside txn and
// invokes fn for each. Values are copied out of the iterator before fn runs
// so fn may call txn.Delete/txn.Set on the same transaction safely.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := append([]byte(nil), item.Key()...)
		var value []byte
		if err := item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func getUserPrefs(txn *badger.Txn, userID string) (*UserRetentionPrefs, error) {
	item, err := txn.Get(userPrefsKey(userID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &UserRetentionPrefs{}, nil
		}
		return nil, err
	}
	var prefs UserRetentionPrefs
	if err := item.Value(func(val []byte) error {
		return decodeRecord(val, &prefs)
	}); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func putUserPrefs(txn *badger.Txn, userID string, prefs *UserRetentionPrefs) error {
	data, err := encodeRecord(prefs)
	if err != nil {
		return err
	}
	return txn.Set(userPrefsKey(userID), data)
}

func getDeletionCandidate(txn *badger.Txn, mxc string) (*DeletionCandidate, error) {
	item, err := txn.Get(deletionQueueKey(mxc))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cand DeletionCandidate
	if err := item.Value(func(val []byte) error {
		return decodeRecord(val, &cand)
	}); err != nil {
		return nil, err
	}
	return &cand, nil
}

func putDeletionCandidate(txn *badger.Txn, cand *DeletionCandidate) error {
	data, err := encodeRecord(cand)
	if err != nil {
		return err
	}
	return txn.Set(deletionQueueKey(cand.MXC), data)
}

func deleteDeletionCandidate(txn *badger.Txn, mxc string) error {
	return txn.Delete(deletionQueueKey(mxc))
}
