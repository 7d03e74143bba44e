package retention

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type fakePreferenceResolver struct {
	prefs map[string]EffectivePreference
	err   error
}

func (f *fakePreferenceResolver) EffectivePreference(ctx context.Context, userID string) (EffectivePreference, error) {
	if f.err != nil {
		return 0, f.err
	}
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return PreferenceAsk, nil
}

func localOnly(domain string) LocalUserChecker {
	return func(userID string) bool {
		return len(userID) > 0 && userID[len(userID)-len(domain):] == domain
	}
}

func TestEvaluator_PolicyKeepAlwaysSkips(t *testing.T) {
	store := newTestStore(t)
	eval := NewEvaluator(store, &fakePreferenceResolver{}, localOnly(":local"), slog.Default())

	action, _, err := eval.Evaluate(context.Background(), PolicyKeep, nil, RetentionCandidate{
		MXC: "mxc://srv/A", Sender: "@alice:local",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != ActionSkip {
		t.Errorf("action = %v, want Skip", action)
	}
}

func TestEvaluator_NonLocalOwnerDeletesImmediately(t *testing.T) {
	store := newTestStore(t)
	eval := NewEvaluator(store, &fakePreferenceResolver{}, localOnly(":local"), slog.Default())

	action, owner, err := eval.Evaluate(context.Background(), PolicyAskSender, nil, RetentionCandidate{
		MXC: "mxc://srv/A", Sender: "@bob:remote",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != ActionDeleteImmediately {
		t.Errorf("action = %v, want DeleteImmediately", action)
	}
	if owner != "@bob:remote" {
		t.Errorf("owner = %q, want @bob:remote", owner)
	}
}

func TestEvaluator_UnresolvedOwnerDeletesImmediately(t *testing.T) {
	store := newTestStore(t)
	eval := NewEvaluator(store, &fakePreferenceResolver{}, localOnly(":local"), slog.Default())

	action, owner, err := eval.Evaluate(context.Background(), PolicyAskSender, nil, RetentionCandidate{
		MXC: "mxc://srv/unclaimed",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if action != ActionDeleteImmediately {
		t.Errorf("action = %v, want DeleteImmediately", action)
	}
	if owner != "" {
		t.Errorf("owner = %q, want empty", owner)
	}
}

func TestEvaluator_LocalOwnerPreferenceTable(t *testing.T) {
	tests := []struct {
		name   string
		pref   EffectivePreference
		policy Policy
		want   Action
	}{
		{"delete preference deletes immediately", PreferenceDelete, PolicyAskSender, ActionDeleteImmediately},
		{"keep preference skips", PreferenceKeep, PolicyAskSender, ActionSkip},
		{"ask preference awaits confirmation", PreferenceAsk, PolicyAskSender, ActionAwaitConfirmation},
		{"ask preference under delete_always still awaits", PreferenceAsk, PolicyDeleteAlways, ActionAwaitConfirmation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{"@alice:local": tt.pref}}
			eval := NewEvaluator(store, resolver, localOnly(":local"), slog.Default())

			action, owner, err := eval.Evaluate(context.Background(), tt.policy, nil, RetentionCandidate{
				MXC: "mxc://srv/A", Sender: "@alice:local",
			})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if action != tt.want {
				t.Errorf("action = %v, want %v", action, tt.want)
			}
			if owner != "@alice:local" {
				t.Errorf("owner = %q, want @alice:local", owner)
			}
		})
	}
}

func TestEvaluator_PreferenceResolverErrorPropagates(t *testing.T) {
	store := newTestStore(t)
	wantErr := errors.New("account data unavailable")
	eval := NewEvaluator(store, &fakePreferenceResolver{err: wantErr}, localOnly(":local"), slog.Default())

	_, _, err := eval.Evaluate(context.Background(), PolicyAskSender, nil, RetentionCandidate{
		MXC: "mxc://srv/A", Sender: "@alice:local",
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestEvaluator_ResolveOwnerFallsBackToPendingUpload(t *testing.T) {
	store := newTestStore(t)
	if err := storeRawPendingUpload(store, "@carol:local", 1000, "mxc://srv/B"); err != nil {
		t.Fatalf("storeRawPendingUpload: %v", err)
	}
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{"@carol:local": PreferenceDelete}}
	eval := NewEvaluator(store, resolver, localOnly(":local"), slog.Default())

	action, owner, err := eval.Evaluate(context.Background(), PolicyAskSender, nil, RetentionCandidate{
		MXC: "mxc://srv/B",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if owner != "@carol:local" {
		t.Errorf("owner = %q, want @carol:local", owner)
	}
	if action != ActionDeleteImmediately {
		t.Errorf("action = %v, want DeleteImmediately", action)
	}
}

func TestEvaluator_ResolveOwnerFallsBackToEventJSONSender(t *testing.T) {
	store := newTestStore(t)
	resolver := &fakePreferenceResolver{prefs: map[string]EffectivePreference{"@dave:local": PreferenceKeep}}
	eval := NewEvaluator(store, resolver, localOnly(":local"), slog.Default())

	action, owner, err := eval.Evaluate(context.Background(), PolicyAskSender, map[string]any{
		"sender": "@dave:local",
	}, RetentionCandidate{MXC: "mxc://srv/C"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if owner != "@dave:local" {
		t.Errorf("owner = %q, want @dave:local", owner)
	}
	if action != ActionSkip {
		t.Errorf("action = %v, want Skip", action)
	}
}
