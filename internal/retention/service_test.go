package retention

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// fakePipeline is an in-memory EventPipeline for tests.
type fakePipeline struct {
	events map[string]map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{events: make(map[string]map[string]any)}
}

func (f *fakePipeline) AppendEvent(ctx context.Context, roomID, sender, eventType string, content map[string]any) (string, error) {
	id := "$" + eventType
	f.events[id] = content
	return id, nil
}

func (f *fakePipeline) GetEventJSON(ctx context.Context, eventID string) (map[string]any, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

func (f *fakePipeline) RedactEvent(ctx context.Context, eventID, reason string) error {
	delete(f.events, eventID)
	return nil
}

func newTestService(t *testing.T, policy Policy, pref EffectivePreference, localDomain string) (*Service, *fakePipeline, *fakeUserRoom) {
	t.Helper()
	pipeline := newFakePipeline()
	userRoom := newFakeUserRoom()
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{}}

	svc, err := New(Config{
		DatabasePath:  t.TempDir(),
		Policy:        policy,
		GracePeriod:   0,
		SweepInterval: 0,
		Pipeline:      pipeline,
		UserRoom:      userRoom,
		PreferenceRes: resolver,
		IsLocalUser:   localOnly(localDomain),
		Logger:        slog.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, pipeline, userRoom
}

// Default (no prefs set) resolves to Ask: a local owner under ask_sender
// policy gets a confirmation notice rather than an immediate delete.
func TestService_OnRedaction_LocalOwnerDefaultsToAwaitConfirmation(t *testing.T) {
	svc, _, userRoom := newTestService(t, PolicyAskSender, PreferenceAsk, ":local")

	if err := svc.OnEventCreated("E1", "!room:local", "@alice:local", []EventRef{
		{MXC: "mxc://local/A", Local: true, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("OnEventCreated: %v", err)
	}

	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}

	if len(userRoom.events) != 1 {
		t.Fatalf("expected one confirmation notice sent, got %d", len(userRoom.events))
	}
}

// A remote owner's media is never sent a confirmation round-trip, regardless
// of policy, but it still goes through the grace-gated deletion queue rather
// than being reclaimed synchronously at redaction time (spec.md §4.9 step 5).
func TestService_OnRedaction_RemoteOwnerQueuesForDeletion(t *testing.T) {
	svc, _, userRoom := newTestService(t, PolicyAskSender, PreferenceAsk, ":local")

	if err := svc.OnEventCreated("E1", "!room:local", "@bob:remote", []EventRef{
		{MXC: "mxc://remote/A", Local: false, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("OnEventCreated: %v", err)
	}
	blobs := svc.blobs
	if err := blobs.Put("mxc://remote/A", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}

	if _, err := blobs.Open("mxc://remote/A"); err != nil {
		t.Errorf("expected remote media to still be present immediately after redaction, got err=%v", err)
	}
	if len(userRoom.events) != 0 {
		t.Errorf("expected no confirmation notice for remote owner, got %d", len(userRoom.events))
	}

	var queued *DeletionCandidate
	if err := svc.store.db.View(func(txn *badger.Txn) error {
		got, err := getDeletionCandidate(txn, "mxc://remote/A")
		if err != nil {
			return err
		}
		queued = got
		return nil
	}); err != nil {
		t.Fatalf("getDeletionCandidate: %v", err)
	}
	if queued.AwaitingConfirmation {
		t.Errorf("expected queued candidate to not be awaiting confirmation")
	}

	// With a zero grace period the next sweep reclaims it.
	svc.worker.sweep()
	if _, err := blobs.Open("mxc://remote/A"); err != ErrNotFound {
		t.Errorf("expected remote media reclaimed after sweep, got err=%v", err)
	}
}

// Scenario S3: a candidate destined for immediate deletion is still held in
// the queue for the full grace period — present and un-reclaimed before it
// elapses, reclaimed only once it has (spec.md §4.9 step 5, §4.8 Worker.sweep).
func TestService_OnRedaction_DeleteImmediately_RespectsGracePeriod(t *testing.T) {
	pipeline := newFakePipeline()
	userRoom := newFakeUserRoom()
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{}}
	svc, err := New(Config{
		DatabasePath:  t.TempDir(),
		Policy:        PolicyAskSender,
		GracePeriod:   5,
		SweepInterval: 0,
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

	if err := svc.OnEventCreated("E1", "!room:local", "@bob:remote", []EventRef{
		{MXC: "mxc://remote/A", Local: false, Kind: KindContentURL},
	}); err != nil {
		t.Fatalf("OnEventCreated: %v", err)
	}
	if err := svc.blobs.Put("mxc://remote/A", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}

	// t=0: queued but not yet reclaimed.
	svc.worker.sweep()
	if _, err := svc.blobs.Open("mxc://remote/A"); err != nil {
		t.Fatalf("expected media present before grace elapses, got err=%v", err)
	}

	// Simulate the grace period elapsing by backdating enqueued_ts.
	if err := svc.store.db.Update(func(txn *badger.Txn) error {
		cand, err := getDeletionCandidate(txn, "mxc://remote/A")
		if err != nil {
			return err
		}
		cand.EnqueuedTS -= 6
		return putDeletionCandidate(txn, cand)
	}); err != nil {
		t.Fatalf("backdating candidate: %v", err)
	}

	svc.worker.sweep()
	if _, err := svc.blobs.Open("mxc://remote/A"); err != ErrNotFound {
		t.Errorf("expected media reclaimed after grace period, got err=%v", err)
	}
}

// keep policy never queues a candidate: redaction leaves the blob alone.
func TestService_OnRedaction_KeepPolicyNeverDeletes(t *testing.T) {
	svc, _, _ := newTestService(t, PolicyKeep, PreferenceAsk, ":local")

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

	if _, err := svc.blobs.Open("mxc://local/A"); err != nil {
		t.Errorf("expected media to survive under keep policy, got err=%v", err)
	}
}

// When the auto-delete flag is already set for this user/room-type, the
// confirmation round-trip is skipped entirely (spec.md §4.9's short-circuit).
func TestService_OnRedaction_AutoDeleteFlagShortCircuitsConfirmation(t *testing.T) {
	svc, _, userRoom := newTestService(t, PolicyAskSender, PreferenceAsk, ":local")

	if err := svc.PrefsSet("@alice:local", UserRetentionPrefs{AutoDeleteUnencrypted: true}); err != nil {
		t.Fatalf("PrefsSet: %v", err)
	}
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

	if _, err := svc.blobs.Open("mxc://local/A"); err != ErrNotFound {
		t.Errorf("expected auto-delete to reclaim immediately, got err=%v", err)
	}
	if len(userRoom.events) != 0 {
		t.Errorf("expected no confirmation notice when auto-delete flag is set, got %d", len(userRoom.events))
	}
}

// When no MediaEventRef rows exist for a redacted event, OnRedaction falls
// back to scanning the original event JSON for embedded mxc:// references.
func TestService_OnRedaction_FallsBackToJSONScanWhenNoRefsTracked(t *testing.T) {
	svc, pipeline, _ := newTestService(t, PolicyDeleteAlways, PreferenceAsk, ":local")

	pipeline.events["E1"] = map[string]any{
		"type":    "m.room.message",
		"content": map[string]any{"url": "mxc://local/untracked"},
	}
	if err := svc.blobs.Put("mxc://local/untracked", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := svc.OnRedaction(context.Background(), "E1"); err != nil {
		t.Fatalf("OnRedaction: %v", err)
	}
	svc.worker.sweep()

	if _, err := svc.blobs.Open("mxc://local/untracked"); err != ErrNotFound {
		t.Errorf("expected fallback-scanned media reclaimed after sweep, got err=%v", err)
	}
}

func TestService_ConfirmCancelAutoEnable_EnforceOwnership(t *testing.T) {
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{"@alice:local": PreferenceAsk}}
	pipeline := newFakePipeline()
	userRoom := newFakeUserRoom()
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

	// A non-owner must not be able to confirm, cancel or auto-enable.
	if err := svc.Confirm(context.Background(), "!userroom:@alice:local", "@mallory:local", "mxc://local/A"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Confirm by non-owner: err = %v, want ErrForbidden", err)
	}
	if err := svc.Cancel(context.Background(), "!userroom:@alice:local", "@mallory:local", "mxc://local/A"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Cancel by non-owner: err = %v, want ErrForbidden", err)
	}
	if err := svc.AutoEnable(context.Background(), "!userroom:@alice:local", "@mallory:local", "mxc://local/A"); !errors.Is(err, ErrForbidden) {
		t.Errorf("AutoEnable by non-owner: err = %v, want ErrForbidden", err)
	}

	// The owner can confirm, reclaiming the media.
	if err := svc.Confirm(context.Background(), "!userroom:@alice:local", "@alice:local", "mxc://local/A"); err != nil {
		t.Fatalf("Confirm by owner: %v", err)
	}
	if _, err := svc.blobs.Open("mxc://local/A"); err != ErrNotFound {
		t.Errorf("expected media reclaimed after confirm, got err=%v", err)
	}

	// A second confirm on an already-processed candidate is rejected.
	if err := svc.Confirm(context.Background(), "!userroom:@alice:local", "@alice:local", "mxc://local/A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Confirm: err = %v, want ErrNotFound", err)
	}
}

func TestService_Cancel_KeepsMediaAndClearsCandidate(t *testing.T) {
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{"@alice:local": PreferenceAsk}}
	pipeline := newFakePipeline()
	userRoom := newFakeUserRoom()
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

	if err := svc.Cancel(context.Background(), "!userroom:@alice:local", "@alice:local", "mxc://local/A"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := svc.blobs.Open("mxc://local/A"); err != nil {
		t.Errorf("expected media to survive cancel, got err=%v", err)
	}
	if err := svc.Cancel(context.Background(), "!userroom:@alice:local", "@alice:local", "mxc://local/A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Cancel: err = %v, want ErrNotFound", err)
	}
}

func TestService_Confirm_MalformedMXCReturnsBadRequest(t *testing.T) {
	svc, _, _ := newTestService(t, PolicyAskSender, PreferenceAsk, ":local")

	err := svc.Confirm(context.Background(), "!room:local", "@alice:local", "not-an-mxc-uri")
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestService_PendingUploadIntegration(t *testing.T) {
	svc, _, _ := newTestService(t, PolicyAskSender, PreferenceAsk, ":local")

	if err := svc.TrackPendingUpload("@alice:local", "mxc://local/upload"); err != nil {
		t.Fatalf("TrackPendingUpload: %v", err)
	}

	// TrackUpload stamps the real wall clock; consume shortly after "now"
	// so the upload falls inside the matching window.
	refs, err := svc.ConsumePendingUploads("@alice:local", time.Now().UnixMilli()+1000)
	if err != nil {
		t.Fatalf("ConsumePendingUploads: %v", err)
	}
	if len(refs) != 1 || refs[0].MXC != "mxc://local/upload" {
		t.Errorf("refs = %v, want one ref to mxc://local/upload", refs)
	}
}
