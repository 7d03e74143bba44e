package retention

import (
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// PrefsStore is the Preference Store (C5): two boolean auto-delete flags per
// user at prefs:<user_id>. A missing key is equivalent to both false. Writes
// and read-modify-writes are serialized per user at the application layer
// (spec.md §4.5 — races are acceptable because preferences are
// user-initiated and low-frequency, but serializing avoids lost updates
// under concurrent reaction handling for the same user).
type PrefsStore struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	perUser map[string]*sync.Mutex
}

// NewPrefsStore returns a PrefsStore backed by store.
func NewPrefsStore(store *Store, logger *slog.Logger) *PrefsStore {
	return &PrefsStore{store: store, logger: logger, perUser: make(map[string]*sync.Mutex)}
}

func (p *PrefsStore) lockFor(userID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.perUser[userID]
	if !ok {
		l = &sync.Mutex{}
		p.perUser[userID] = l
	}
	return l
}

// Get returns userID's preferences, or the zero value (both flags false) if
// unset.
func (p *PrefsStore) Get(userID string) (UserRetentionPrefs, error) {
	var prefs UserRetentionPrefs
	err := p.store.db.View(func(txn *badger.Txn) error {
		got, err := getUserPrefs(txn, userID)
		if err != nil {
			return err
		}
		prefs = *got
		return nil
	})
	return prefs, err
}

// Set overwrites userID's preferences.
func (p *PrefsStore) Set(userID string, prefs UserRetentionPrefs) error {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	return p.store.db.Update(func(txn *badger.Txn) error {
		return putUserPrefs(txn, userID, &prefs)
	})
}

// SetAutoDelete flips a single auto-delete flag (encrypted or unencrypted,
// selected by fromEncryptedRoom) for userID, leaving the other flag
// untouched. Used by the ⚙️ always-auto reaction path (spec.md §4.7).
func (p *PrefsStore) SetAutoDelete(userID string, fromEncryptedRoom, value bool) error {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	return p.store.db.Update(func(txn *badger.Txn) error {
		prefs, err := getUserPrefs(txn, userID)
		if err != nil {
			return err
		}
		if fromEncryptedRoom {
			prefs.AutoDeleteEncrypted = value
		} else {
			prefs.AutoDeleteUnencrypted = value
		}
		return putUserPrefs(txn, userID, prefs)
	})
}

// Reset clears both auto-delete flags for userID.
func (p *PrefsStore) Reset(userID string) error {
	return p.Set(userID, UserRetentionPrefs{})
}
