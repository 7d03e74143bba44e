package retention

import (
	"log/slog"
	"testing"
)

func TestPrefsStore_GetDefaultsToBothFalse(t *testing.T) {
	store := newTestStore(t)
	prefs := NewPrefsStore(store, slog.Default())

	got, err := prefs.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AutoDeleteEncrypted || got.AutoDeleteUnencrypted {
		t.Errorf("expected both flags false for unset user, got %+v", got)
	}
}

func TestPrefsStore_SetAutoDelete(t *testing.T) {
	store := newTestStore(t)
	prefs := NewPrefsStore(store, slog.Default())

	if err := prefs.SetAutoDelete("alice", false, true); err != nil {
		t.Fatalf("SetAutoDelete unencrypted: %v", err)
	}

	got, err := prefs.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.AutoDeleteUnencrypted {
		t.Error("expected auto_delete_unencrypted = true")
	}
	if got.AutoDeleteEncrypted {
		t.Error("expected auto_delete_encrypted to remain false")
	}

	if err := prefs.SetAutoDelete("alice", true, true); err != nil {
		t.Fatalf("SetAutoDelete encrypted: %v", err)
	}
	got, err = prefs.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.AutoDeleteEncrypted || !got.AutoDeleteUnencrypted {
		t.Errorf("expected both flags true, got %+v", got)
	}
}

func TestPrefsStore_Reset(t *testing.T) {
	store := newTestStore(t)
	prefs := NewPrefsStore(store, slog.Default())

	if err := prefs.Set("alice", UserRetentionPrefs{AutoDeleteEncrypted: true, AutoDeleteUnencrypted: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := prefs.Reset("alice"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, err := prefs.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AutoDeleteEncrypted || got.AutoDeleteUnencrypted {
		t.Errorf("expected both flags false after reset, got %+v", got)
	}
}
