package retention

import "context"

// DefaultPreferenceResolver always resolves to PreferenceAsk. AmityVox has
// no generic account-data document store to source the three-state
// Delete/Keep/Ask preference from (spec.md §4.6 step 4 describes it as
// sourced from exactly such a document); absent that system, Ask is the
// correct resting default — see spec.md §8 scenario S1 ("No prefs set →
// Ask preference default").
type DefaultPreferenceResolver struct{}

// EffectivePreference implements PreferenceResolver.
func (DefaultPreferenceResolver) EffectivePreference(ctx context.Context, userID string) (EffectivePreference, error) {
	return PreferenceAsk, nil
}
