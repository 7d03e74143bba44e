package retention

import (
	"context"
	"errors"
	"fmt"
)

// The user retention … command subtree from spec.md §6. The confirm and
// cancel methods take the caller's room ID (for redacting stale reactions as
// a side effect) and user ID; the prefs methods take only the user ID. Each
// returns either a textual
// summary on success or a user-readable error — these propagate to the
// caller, unlike the reference tracker/pending matcher/worker's
// log-and-continue policy (spec.md §7).

// RunConfirm implements `user retention confirm <mxc>`.
func (s *Service) RunConfirm(ctx context.Context, roomID, userID, mxc string) (string, error) {
	if err := s.Confirm(ctx, roomID, userID, mxc); err != nil {
		return "", userFacingError(err)
	}
	return fmt.Sprintf("Deleted %s.", mxc), nil
}

// RunCancel implements the cancel command equivalent of the ❌ reaction,
// exposed for parity with the reaction path (not itself named by spec.md's
// command subtree, which only lists confirm among the reaction
// equivalents, but C9 names cancel/auto_enable as façade entry points
// alongside confirm).
func (s *Service) RunCancel(ctx context.Context, roomID, userID, mxc string) (string, error) {
	if err := s.Cancel(ctx, roomID, userID, mxc); err != nil {
		return "", userFacingError(err)
	}
	return fmt.Sprintf("Kept %s.", mxc), nil
}

// RunPrefsShow implements `user retention prefs-show`.
func (s *Service) RunPrefsShow(userID string) (string, error) {
	prefs, err := s.PrefsGet(userID)
	if err != nil {
		return "", userFacingError(err)
	}
	return fmt.Sprintf("auto_delete_encrypted=%t auto_delete_unencrypted=%t", prefs.AutoDeleteEncrypted, prefs.AutoDeleteUnencrypted), nil
}

// RunPrefsEncryptedOn implements `user retention prefs-encrypted-on`.
func (s *Service) RunPrefsEncryptedOn(userID string) (string, error) {
	return s.setPrefFlag(userID, true, true)
}

// RunPrefsEncryptedOff implements `user retention prefs-encrypted-off`.
func (s *Service) RunPrefsEncryptedOff(userID string) (string, error) {
	return s.setPrefFlag(userID, true, false)
}

// RunPrefsUnencryptedOn implements `user retention prefs-unencrypted-on`.
func (s *Service) RunPrefsUnencryptedOn(userID string) (string, error) {
	return s.setPrefFlag(userID, false, true)
}

// RunPrefsUnencryptedOff implements `user retention prefs-unencrypted-off`.
func (s *Service) RunPrefsUnencryptedOff(userID string) (string, error) {
	return s.setPrefFlag(userID, false, false)
}

func (s *Service) setPrefFlag(userID string, encrypted, value bool) (string, error) {
	prefs, err := s.PrefsGet(userID)
	if err != nil {
		return "", userFacingError(err)
	}
	if encrypted {
		prefs.AutoDeleteEncrypted = value
	} else {
		prefs.AutoDeleteUnencrypted = value
	}
	if err := s.PrefsSet(userID, prefs); err != nil {
		return "", userFacingError(err)
	}
	return fmt.Sprintf("auto_delete_encrypted=%t auto_delete_unencrypted=%t", prefs.AutoDeleteEncrypted, prefs.AutoDeleteUnencrypted), nil
}

// RunPrefsReset implements `user retention prefs-reset`.
func (s *Service) RunPrefsReset(userID string) (string, error) {
	if err := s.prefs.Reset(userID); err != nil {
		return "", userFacingError(err)
	}
	return "Retention preferences reset.", nil
}

func userFacingError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return errors.New("no such deletion candidate")
	case errors.Is(err, ErrForbidden):
		return errors.New("you are not the owner of this media")
	case errors.Is(err, ErrAlreadyProcessed):
		return errors.New("this candidate has already been processed")
	case errors.Is(err, ErrBadRequest):
		return err
	default:
		return fmt.Errorf("internal error: %w", err)
	}
}
