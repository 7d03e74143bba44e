package retention

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestServiceForCommands(t *testing.T) *Service {
	t.Helper()
	pipeline := newFakePipeline()
	userRoom := newFakeUserRoom()
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{"@alice:local": PreferenceAsk}}

	svc, err := New(Config{
		DatabasePath:  t.TempDir(),
		Policy:        PolicyAskSender,
		Pipeline:      pipeline,
		UserRoom:      userRoom,
		PreferenceRes: resolver,
		IsLocalUser:   localOnly(":local"),
		Logger:        slog.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestRunConfirm_DeletesMediaAndReportsSuccess(t *testing.T) {
	svc := newTestServiceForCommands(t)

	if err := svc.OnEventCreated("E1", "!room:local", "@alice:local", []EventRef{
		{MXC: "mxc://local/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("OnEventCreated: %v", err)
	}
	if err := svc.blobs.Put("mxc://local/A", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}

	msg, err := svc.RunConfirm(context.Background(), "!userroom:@alice:local", "@alice:local", "mxc://local/A")
	if err != nil {
		t.Fatalf("RunConfirm: %v", err)
	}
	if !strings.Contains(msg, "Deleted") {
		t.Errorf("message = %q, want it to mention deletion", msg)
	}

	if _, err := svc.blobs.Open("mxc://local/A"); err != ErrNotFound {
		t.Errorf("expected media reclaimed, got err=%v", err)
	}
}

func TestRunConfirm_ForbiddenForNonOwnerReturnsUserFacingMessage(t *testing.T) {
	svc := newTestServiceForCommands(t)

	if err := svc.OnEventCreated("E1", "!room:local", "@alice:local", []EventRef{
		{MXC: "mxc://local/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("OnEventCreated: %v", err)
	}
	if err := svc.blobs.Put("mxc://local/A", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}

	_, err := svc.RunConfirm(context.Background(), "!userroom:@alice:local", "@mallory:local", "mxc://local/A")
	if err == nil {
		t.Fatal("expected an error for a non-owner confirm")
	}
	if !strings.Contains(err.Error(), "not the owner") {
		t.Errorf("err = %q, want it to mention ownership", err.Error())
	}
}

func TestRunCancel_KeepsMediaAndReportsSuccess(t *testing.T) {
	svc := newTestServiceForCommands(t)

	if err := svc.OnEventCreated("E1", "!room:local", "@alice:local", []EventRef{
		{MXC: "mxc://local/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("OnEventCreated: %v", err)
	}
	if err := svc.blobs.Put("mxc://local/A", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}

	msg, err := svc.RunCancel(context.Background(), "!userroom:@alice:local", "@alice:local", "mxc://local/A")
	if err != nil {
		t.Fatalf("RunCancel: %v", err)
	}
	if !strings.Contains(msg, "Kept") {
		t.Errorf("message = %q, want it to mention keeping the media", msg)
	}
	if _, err := svc.blobs.Open("mxc://local/A"); err != nil {
		t.Errorf("expected media to survive cancel, got err=%v", err)
	}
}

func TestRunPrefs_ShowSetAndReset(t *testing.T) {
	svc := newTestServiceForCommands(t)

	msg, err := svc.RunPrefsShow("@alice:local")
	if err != nil {
		t.Fatalf("RunPrefsShow: %v", err)
	}
	if !strings.Contains(msg, "auto_delete_encrypted=false") {
		t.Errorf("message = %q, want default false flags", msg)
	}

	if _, err := svc.RunPrefsEncryptedOn("@alice:local"); err != nil {
		t.Fatalf("RunPrefsEncryptedOn: %v", err)
	}
	if _, err := svc.RunPrefsUnencryptedOn("@alice:local"); err != nil {
		t.Fatalf("RunPrefsUnencryptedOn: %v", err)
	}

	msg, err = svc.RunPrefsShow("@alice:local")
	if err != nil {
		t.Fatalf("RunPrefsShow: %v", err)
	}
	if !strings.Contains(msg, "auto_delete_encrypted=true") || !strings.Contains(msg, "auto_delete_unencrypted=true") {
		t.Errorf("message = %q, want both flags true", msg)
	}

	if _, err := svc.RunPrefsEncryptedOff("@alice:local"); err != nil {
		t.Fatalf("RunPrefsEncryptedOff: %v", err)
	}
	if _, err := svc.RunPrefsUnencryptedOff("@alice:local"); err != nil {
		t.Fatalf("RunPrefsUnencryptedOff: %v", err)
	}

	if _, err := svc.RunPrefsReset("@alice:local"); err != nil {
		t.Fatalf("RunPrefsReset: %v", err)
	}

	msg, err = svc.RunPrefsShow("@alice:local")
	if err != nil {
		t.Fatalf("RunPrefsShow: %v", err)
	}
	if !strings.Contains(msg, "auto_delete_encrypted=false") || !strings.Contains(msg, "auto_delete_unencrypted=false") {
		t.Errorf("message = %q, want both flags false after reset", msg)
	}
}
