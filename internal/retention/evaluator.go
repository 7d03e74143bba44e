package retention

import (
	"context"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// PreferenceResolver resolves a local user's effective retention preference
// (Delete / Keep / Ask), sourced from an out-of-band account-data document
// per spec.md §4.6 step 4 — distinct from the two auto-delete booleans C5
// stores, which are consulted earlier in the C9 dispatch (see §4.9). This is
// an external collaborator boundary (no account-data store is specified),
// so it is injected.
type PreferenceResolver interface {
	EffectivePreference(ctx context.Context, userID string) (EffectivePreference, error)
}

// LocalUserChecker reports whether userID belongs to this server.
type LocalUserChecker func(userID string) bool

// Evaluator is the Candidate Evaluator (C6): combines policy, ownership,
// locality, and user preference into one of {DeleteImmediately,
// AwaitConfirmation, Skip}. See spec.md §4.6.
type Evaluator struct {
	store   *Store
	prefs   PreferenceResolver
	isLocal LocalUserChecker
	logger  *slog.Logger
}

// NewEvaluator returns an Evaluator. prefs resolves a local user's effective
// Delete/Keep/Ask preference; isLocal reports whether a user ID belongs to
// this server.
func NewEvaluator(store *Store, prefs PreferenceResolver, isLocal LocalUserChecker, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: store, prefs: prefs, isLocal: isLocal, logger: logger}
}

// Evaluate runs the algorithm from spec.md §4.6 and returns the action to
// take plus the resolved owner (empty if unresolved).
func (e *Evaluator) Evaluate(ctx context.Context, policy Policy, eventJSON map[string]any, candidate RetentionCandidate) (Action, string, error) {
	if policy == PolicyKeep {
		return ActionSkip, "", nil
	}

	owner := e.resolveOwner(eventJSON, candidate)

	if owner == "" || !e.isLocal(owner) {
		// Non-local or unresolved owner: treated identically per step 5.
		return ActionDeleteImmediately, owner, nil
	}

	pref, err := e.prefs.EffectivePreference(ctx, owner)
	if err != nil {
		return ActionSkip, owner, err
	}

	switch pref {
	case PreferenceDelete:
		return ActionDeleteImmediately, owner, nil
	case PreferenceKeep:
		return ActionSkip, owner, nil
	default:
		return ActionAwaitConfirmation, owner, nil
	}
}

// resolveOwner implements step 2 of spec.md §4.6: candidate.sender, then the
// reverse mxc→uploader lookup the upload path maintains (the PendingUpload
// rows recorded by C4, while still live), then event_json.sender.
func (e *Evaluator) resolveOwner(eventJSON map[string]any, candidate RetentionCandidate) string {
	if candidate.Sender != "" {
		return candidate.Sender
	}

	if uploader, ok := e.findUploader(candidate.MXC); ok {
		return uploader
	}

	if eventJSON != nil {
		if sender, ok := eventJSON["sender"].(string); ok {
			return sender
		}
	}

	return ""
}

// findUploader scans pending: rows (all users) for one referencing mxc. This
// is a best-effort fallback only meaningful within the pending-upload
// window; it is not authoritative (spec.md §4.4's heuristic caveat applies
// equally here).
func (e *Evaluator) findUploader(mxc string) (string, bool) {
	var uploader string
	found := false

	err := e.store.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixPendingUpload), func(key, value []byte) error {
			if found {
				return nil
			}
			var row PendingUpload
			if err := decodeRecord(value, &row); err != nil {
				return err
			}
			if row.MXC == mxc {
				uploader = row.UserID
				found = true
			}
			return nil
		})
	})
	if err != nil {
		e.logger.Warn("uploader lookup failed", slog.String("mxc", mxc), slog.String("error", err.Error()))
		return "", false
	}

	return uploader, found
}
