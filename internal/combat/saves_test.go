package combat_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

func fireballPrompt(t *testing.T, h *harness) combat.SavePrompt {
	t.Helper()
	prompt, err := h.engine.CreateSavePrompt(h.ctx, encounterID, combat.SavePromptRequest{
		Ability:       combat.AbilityDexterity,
		DC:            15,
		Targets:       []string{"char-1", "char-2"},
		HalfOnSuccess: true,
	})
	require.NoError(t, err)
	assert.Equal(t, combat.PromptActive, prompt.Status)
	assert.Equal(t, combat.AdvantageNormal, prompt.AdvantageMode)
	return prompt
}

func TestSubmitSaveResultOnlyOnce(t *testing.T) {
	h := newHarness(t, combat.Options{})
	prompt := fireballPrompt(t, h)

	res, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{
		PromptID: prompt.ID, CharacterID: "char-1", Roll: 14, Modifier: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 16, res.Result.Total)
	assert.True(t, res.Result.Success)
	assert.Equal(t, combat.PromptActive, res.Prompt.Status)

	_, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{
		PromptID: prompt.ID, CharacterID: "char-1", Roll: 2, Modifier: 0,
	})
	appErr := requireKind(t, err, apperr.KindConflict)
	assert.Equal(t, combat.ReasonAlreadySubmitted, appErr.Reason)
	assert.Equal(t, "already submitted", appErr.Message)

	detail, err := h.engine.SavePromptStatus(h.ctx, encounterID, prompt.ID)
	require.NoError(t, err)
	require.Len(t, detail.Results, 1)
	assert.Equal(t, 14, detail.Results[0].Roll)
}

func TestConcurrentDuplicateSubmissionsSucceedOnce(t *testing.T) {
	h := newHarness(t, combat.Options{})
	prompt := fireballPrompt(t, h)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{
				PromptID: prompt.ID, CharacterID: "char-2", Roll: 10, Modifier: 1,
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
	}
	assert.Equal(t, 1, ok)
}

func TestSubmitSaveResultValidation(t *testing.T) {
	h := newHarness(t, combat.Options{})
	prompt := fireballPrompt(t, h)

	_, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 21})
	requireKind(t, err, apperr.KindInvalidInput)

	_, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: "missing", CharacterID: "char-1", Roll: 10})
	requireKind(t, err, apperr.KindNotFound)

	_, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-3", Roll: 10})
	appErr := requireKind(t, err, apperr.KindInvalidInput)
	assert.Equal(t, combat.ReasonNotTargeted, appErr.Reason)

	_, err = h.engine.CreateSavePrompt(h.ctx, encounterID, combat.SavePromptRequest{Ability: "luck", DC: 10})
	requireKind(t, err, apperr.KindInvalidInput)
	_, err = h.engine.CreateSavePrompt(h.ctx, encounterID, combat.SavePromptRequest{Ability: combat.AbilityWisdom, DC: 0})
	requireKind(t, err, apperr.KindInvalidInput)
}

func TestResolvedPromptIsStale(t *testing.T) {
	h := newHarness(t, combat.Options{})
	prompt := fireballPrompt(t, h)

	resolved, err := h.engine.ResolveSavePrompt(h.ctx, encounterID, prompt.ID)
	require.NoError(t, err)
	assert.Equal(t, combat.PromptResolved, resolved.Status)

	_, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 10})
	requireKind(t, err, apperr.KindStaleState)

	_, err = h.engine.ResolveSavePrompt(h.ctx, encounterID, prompt.ID)
	requireKind(t, err, apperr.KindStaleState)
}

func TestAutoResolveWhenAllResponded(t *testing.T) {
	h := newHarness(t, combat.Options{SavePolicy: combat.SavePolicy{ResolveWhenAllResponded: true}})
	prompt := fireballPrompt(t, h)

	res, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 10})
	require.NoError(t, err)
	assert.Equal(t, combat.PromptActive, res.Prompt.Status)

	res, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-2", Roll: 10})
	require.NoError(t, err)
	assert.Equal(t, combat.PromptResolved, res.Prompt.Status)
}

func TestPromptExpiresAfterPolicyTimeout(t *testing.T) {
	h := newHarness(t, combat.Options{SavePolicy: combat.SavePolicy{ExpireAfter: time.Minute}})
	prompt := fireballPrompt(t, h)

	h.clock.Advance(2 * time.Minute)
	_, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 10})
	requireKind(t, err, apperr.KindStaleState)

	detail, err := h.engine.SavePromptStatus(h.ctx, encounterID, prompt.ID)
	require.NoError(t, err)
	assert.Equal(t, combat.PromptExpired, detail.Prompt.Status)
	assert.Empty(t, detail.Results)
}

func TestApplySaveDamageHalvesOnSuccess(t *testing.T) {
	h := newHarness(t, combat.Options{})
	prompt := fireballPrompt(t, h)

	_, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 15})
	require.NoError(t, err)
	_, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-2", Roll: 3})
	require.NoError(t, err)

	results, err := h.engine.ApplySaveDamage(h.ctx, encounterID, combat.SaveDamageRequest{
		PromptID: prompt.ID, Amount: 16, DamageType: rules.DamageFire,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// char-1 saved for half; char-2 failed but resists fire.
	assert.Equal(t, 12, h.stats(char1).HPCurrent)
	assert.Equal(t, 12, h.stats(char2).HPCurrent)
}

func TestResubmitAfterAutoResolveIsConflict(t *testing.T) {
	h := newHarness(t, combat.Options{SavePolicy: combat.SavePolicy{ResolveWhenAllResponded: true}})
	prompt, err := h.engine.CreateSavePrompt(h.ctx, encounterID, combat.SavePromptRequest{
		Ability: combat.AbilityWisdom,
		DC:      13,
		Targets: []string{"char-1"},
	})
	require.NoError(t, err)

	sub := combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 12, Modifier: 1}
	res, err := h.engine.SubmitSaveResult(h.ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, combat.PromptResolved, res.Prompt.Status)

	_, err = h.engine.SubmitSaveResult(h.ctx, sub)
	appErr := requireKind(t, err, apperr.KindConflict)
	assert.Equal(t, combat.ReasonAlreadySubmitted, appErr.Reason)

	// A character that never answered still sees the prompt as closed.
	_, err = h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-2", Roll: 12})
	requireKind(t, err, apperr.KindStaleState)
}

func TestApplySaveDamageOnlyOnce(t *testing.T) {
	h := newHarness(t, combat.Options{})
	prompt := fireballPrompt(t, h)

	_, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: "char-1", Roll: 3})
	require.NoError(t, err)

	req := combat.SaveDamageRequest{PromptID: prompt.ID, Amount: 8, DamageType: rules.DamageFire}
	_, err = h.engine.ApplySaveDamage(h.ctx, encounterID, req)
	require.NoError(t, err)
	assert.Equal(t, 12, h.stats(char1).HPCurrent)

	_, err = h.engine.ApplySaveDamage(h.ctx, encounterID, req)
	appErr := requireKind(t, err, apperr.KindConflict)
	assert.Equal(t, combat.ReasonDamageApplied, appErr.Reason)
	assert.Equal(t, 12, h.stats(char1).HPCurrent)

	detail, err := h.engine.SavePromptStatus(h.ctx, encounterID, prompt.ID)
	require.NoError(t, err)
	assert.True(t, detail.Prompt.DamageApplied)
}
