package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// secondsToDuration converts a seconds count (as stored in config) to a
// time.Duration, treating non-positive values as "unset".
func secondsToDuration(secs int64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// mxcPattern matches an mxc:// URI embedded anywhere in a JSON document,
// used by the fallback scan in OnRedaction (spec.md §4.9) when the
// reference tracker found no MediaEventRef rows for a redacted event.
var mxcPattern = regexp.MustCompile(`mxc://[A-Za-z0-9.\-:]+/[A-Za-z0-9_\-]+`)

// Service is the Retention Service façade (C9): the public entry points
// called by the event pipeline, by admin/user command handlers, and by the
// reaction dispatcher. See spec.md §4.9.
type Service struct {
	store        *Store
	blobs        *BlobStore
	tracker      *Tracker
	pending      *PendingMatcher
	prefs        *PrefsStore
	evaluator    *Evaluator
	confirmation *Confirmation
	worker       *Worker
	pipeline     EventPipeline
	policy       Policy
	logger       *slog.Logger
}

// Config bundles the construction parameters for Service.
type Config struct {
	DatabasePath   string
	CompatFileLink bool
	Policy         Policy
	GracePeriod    int64 // seconds
	SweepInterval  int64 // seconds, 0 = default
	Pipeline       EventPipeline
	UserRoom       UserRoomService
	PreferenceRes  PreferenceResolver
	IsLocalUser    LocalUserChecker
	Logger         *slog.Logger
}

// New builds the full component graph (C1-C8) behind the façade and opens
// the embedded retention index and blob store at cfg.DatabasePath.
func New(cfg Config) (*Service, error) {
	store, err := OpenStore(cfg.DatabasePath, cfg.Logger)
	if err != nil {
		return nil, err
	}

	blobs, err := NewBlobStore(cfg.DatabasePath, cfg.CompatFileLink)
	if err != nil {
		store.Close()
		return nil, err
	}

	tracker := NewTracker(store, cfg.Logger)
	pending := NewPendingMatcher(store, cfg.Logger)
	prefs := NewPrefsStore(store, cfg.Logger)
	evaluator := NewEvaluator(store, cfg.PreferenceRes, cfg.IsLocalUser, cfg.Logger)
	confirmation := NewConfirmation(store, blobs, prefs, cfg.UserRoom, cfg.Logger)

	worker := NewWorker(store, blobs, secondsToDuration(cfg.GracePeriod), secondsToDuration(cfg.SweepInterval), cfg.Logger)

	return &Service{
		store:        store,
		blobs:        blobs,
		tracker:      tracker,
		pending:      pending,
		prefs:        prefs,
		evaluator:    evaluator,
		confirmation: confirmation,
		worker:       worker,
		pipeline:     cfg.Pipeline,
		policy:       cfg.Policy,
		logger:       cfg.Logger,
	}, nil
}

// Worker exposes the reclamation worker so the caller can Start/Stop it
// alongside the rest of the background worker manager.
func (s *Service) Worker() *Worker { return s.worker }

// Close releases the underlying store handle.
func (s *Service) Close() error { return s.store.Close() }

// OnEventCreated is C3's insert path, exposed on the façade. See spec.md
// §4.9.
func (s *Service) OnEventCreated(eventID, roomID, sender string, refs []EventRef) error {
	return s.tracker.RecordEventRefs(eventID, roomID, sender, refs)
}

// TrackPendingUpload is C4's upload-tracking entry point.
func (s *Service) TrackPendingUpload(userID, mxc string) error {
	return s.pending.TrackUpload(userID, mxc)
}

// ConsumePendingUploads is C4's match entry point, used by the event
// pipeline when appending an m.room.encrypted event.
func (s *Service) ConsumePendingUploads(userID string, eventTS int64) ([]EventRef, error) {
	return s.pending.ConsumePending(userID, eventTS)
}

// OnRedaction runs C3's decrement path; if it yields no candidates, falls
// back to scanning the original event JSON for mxc:// strings. Each
// resulting candidate is dispatched per the auto-delete-flag short-circuit
// and C6 evaluation described in spec.md §4.9. Per §7's propagation policy,
// per-candidate failures are logged and do not prevent other candidates
// from being processed; only a failure in the decrement step itself is
// returned to the caller.
func (s *Service) OnRedaction(ctx context.Context, eventID string) error {
	candidates, err := s.tracker.DecrementOnRedaction(eventID, s.policy)
	if err != nil {
		return fmt.Errorf("decrementing refs for %s: %w", eventID, err)
	}

	needJSON := len(candidates) == 0
	for _, cand := range candidates {
		if cand.Sender == "" {
			needJSON = true
		}
	}

	var eventJSON map[string]any
	if needJSON && s.pipeline != nil {
		if got, jsonErr := s.pipeline.GetEventJSON(ctx, eventID); jsonErr == nil {
			eventJSON = got
			if len(candidates) == 0 {
				for _, mxc := range collectMXCs(eventJSON) {
					candidates = append(candidates, RetentionCandidate{MXC: mxc})
				}
			}
		}
	}

	for _, cand := range candidates {
		s.dispatchCandidate(ctx, eventJSON, cand)
	}

	return nil
}

// dispatchCandidate implements the auto-delete-flag short-circuit followed
// by C6 evaluation and the resulting action, per spec.md §4.9. eventJSON is
// the redacted event's body when it was loaded (nil otherwise) and lets C6
// fall back to its sender for owner resolution. Errors are logged, never
// propagated (this is called from the redaction path, not a user command).
func (s *Service) dispatchCandidate(ctx context.Context, eventJSON map[string]any, cand RetentionCandidate) {
	if cand.Sender != "" {
		prefs, err := s.prefs.Get(cand.Sender)
		if err != nil {
			s.logger.Warn("reading auto-delete prefs failed", slog.String("user_id", cand.Sender), slog.String("error", err.Error()))
		} else {
			autoFlag := prefs.AutoDeleteUnencrypted
			if cand.FromEncryptedRoom {
				autoFlag = prefs.AutoDeleteEncrypted
			}
			if autoFlag {
				if _, err := ReclaimMedia(s.store, s.blobs, cand.MXC); err != nil {
					s.logger.Error("auto-delete reclaim failed", slog.String("mxc", cand.MXC), slog.String("error", err.Error()))
				}
				return
			}
		}
	}

	action, owner, err := s.evaluator.Evaluate(ctx, s.policy, eventJSON, cand)
	if err != nil {
		s.logger.Error("candidate evaluation failed", slog.String("mxc", cand.MXC), slog.String("error", err.Error()))
		return
	}

	switch action {
	case ActionSkip:
		return
	case ActionDeleteImmediately:
		// Queued, not reclaimed here: the grace period still applies even
		// when the decision is final (spec.md §4.9 step 5, scenario S3).
		// Worker.sweep reclaims it once EnqueuedTS clears the grace window.
		if err := QueueForDeletion(s.store, cand.MXC, owner, cand.FromEncryptedRoom); err != nil {
			s.logger.Error("queueing for deletion failed", slog.String("mxc", cand.MXC), slog.String("error", err.Error()))
		}
	case ActionAwaitConfirmation:
		if owner == "" {
			// Can't notify an unresolved owner; queue it for grace-period
			// reclamation same as any other final decision.
			if err := QueueForDeletion(s.store, cand.MXC, owner, cand.FromEncryptedRoom); err != nil {
				s.logger.Error("queueing for deletion failed", slog.String("mxc", cand.MXC), slog.String("error", err.Error()))
			}
			return
		}
		if err := s.confirmation.Notify(ctx, owner, cand); err != nil {
			s.logger.Error("sending retention notice failed", slog.String("mxc", cand.MXC), slog.String("error", err.Error()))
		}
	}
}

// Confirm is the user-command equivalent of the ✅ reaction (spec.md §6,
// §4.9). Returns ErrNotFound, ErrForbidden, or ErrAlreadyProcessed per §7.
func (s *Service) Confirm(ctx context.Context, roomID, userID, mxc string) error {
	cand, err := s.lookupOwnedCandidate(userID, mxc)
	if err != nil {
		return err
	}
	return s.confirmation.handleConfirm(ctx, roomID, cand)
}

// Cancel is the user-command equivalent of the ❌ reaction.
func (s *Service) Cancel(ctx context.Context, roomID, userID, mxc string) error {
	cand, err := s.lookupOwnedCandidate(userID, mxc)
	if err != nil {
		return err
	}
	return s.confirmation.handleCancel(ctx, roomID, cand)
}

// AutoEnable is the user-command equivalent of the ⚙️ reaction.
func (s *Service) AutoEnable(ctx context.Context, roomID, userID, mxc string) error {
	cand, err := s.lookupOwnedCandidate(userID, mxc)
	if err != nil {
		return err
	}
	return s.confirmation.handleAlwaysAuto(ctx, roomID, cand)
}

// lookupOwnedCandidate fetches the live DeletionCandidate for mxc and
// enforces testable property 5 (owner safety): confirm/cancel/auto_enable
// all reject requests from any user other than the recorded owner.
func (s *Service) lookupOwnedCandidate(userID, mxc string) (*DeletionCandidate, error) {
	canonical, err := ParseMXC(mxc)
	if err != nil {
		return nil, err
	}

	var cand *DeletionCandidate
	getErr := s.store.db.View(func(txn *badger.Txn) error {
		got, err := getDeletionCandidate(txn, canonical)
		if err != nil {
			return err
		}
		cand = got
		return nil
	})
	if getErr != nil {
		if getErr == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, getErr
	}

	if !cand.AwaitingConfirmation {
		return nil, ErrAlreadyProcessed
	}
	if cand.UserID != "" && cand.UserID != userID {
		return nil, ErrForbidden
	}

	return cand, nil
}

// PrefsGet is C5's read path, exposed on the façade.
func (s *Service) PrefsGet(userID string) (UserRetentionPrefs, error) {
	return s.prefs.Get(userID)
}

// PrefsSet is C5's write path, exposed on the façade.
func (s *Service) PrefsSet(userID string, prefs UserRetentionPrefs) error {
	return s.prefs.Set(userID, prefs)
}

// collectMXCs returns every distinct mxc:// URI found anywhere in the
// marshaled JSON document, used as the fallback candidate source in
// OnRedaction when the reference tracker found no rows for the event. See
// original_source/src/service/media/mod.rs's collect_mxcs.
func collectMXCs(eventJSON map[string]any) []string {
	if eventJSON == nil {
		return nil
	}
	data, err := json.Marshal(eventJSON)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, m := range mxcPattern.FindAllString(string(data), -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
