package combat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

func TestApplyDamagePlainHit(t *testing.T) {
	h := newHarness(t, combat.Options{})

	res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: char1, Amount: 10, DamageType: rules.DamageFire, Source: "fire bolt",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Effective)
	assert.Equal(t, rules.ModifierNone, res.Modifier)
	assert.Equal(t, 20, res.HPBefore)
	assert.Equal(t, 10, res.HPAfter)
	assert.Nil(t, res.ConcentrationCheck)
	assert.Equal(t, combat.ActionDamage, res.LogEntry.ActionType)
	require.NotNil(t, res.LogEntry.Amount)
	assert.Equal(t, 10, *res.LogEntry.Amount)
	assert.Equal(t, 10, h.stats(char1).HPCurrent)
}

func TestApplyDamageResistant(t *testing.T) {
	h := newHarness(t, combat.Options{})

	res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: char2, Amount: 10, DamageType: rules.DamageFire,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Effective)
	assert.Equal(t, rules.ModifierResistant, res.Modifier)
	assert.Equal(t, 15, h.stats(char2).HPCurrent)
}

func TestApplyDamageImmune(t *testing.T) {
	h := newHarness(t, combat.Options{})

	res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: goblin, Amount: 1000, DamageType: rules.DamagePoison,
	})
	require.NoError(t, err)
	assert.Zero(t, res.Effective)
	assert.Equal(t, 7, h.stats(goblin).HPCurrent)
}

func TestApplyDamageConcentrationCheck(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char2, Name: "Bless", RequiresConcentration: true, ConcentratingCharacterID: "char-1",
	})
	require.NoError(t, err)

	res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: char1, Amount: 10, DamageType: rules.DamageFire,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.HPAfter)
	require.NotNil(t, res.ConcentrationCheck)
	check := res.ConcentrationCheck
	assert.Equal(t, 10, check.DC)
	assert.Equal(t, combat.AbilityConstitution, check.Ability)
	assert.Equal(t, combat.PurposeConcentration, check.Purpose)
	assert.Equal(t, []string{"char-1"}, check.Targets)
	assert.Equal(t, combat.PromptActive, check.Status)

	// Failing the check ends the effect.
	sub, err := h.engine.SubmitSaveResult(h.ctx, combat.SaveSubmission{
		PromptID: check.ID, CharacterID: "char-1", Roll: 4, Modifier: 1,
	})
	require.NoError(t, err)
	assert.False(t, sub.Result.Success)
	assert.Len(t, sub.ConcentrationBroken, 1)
	assert.Equal(t, combat.PromptResolved, sub.Prompt.Status)

	effects, err := h.engine.Effects(h.ctx, encounterID)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestDroppingToZeroStillRaisesConcentrationCheck(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char2, Name: "Bless", RequiresConcentration: true, ConcentratingCharacterID: "char-1",
	})
	require.NoError(t, err)

	res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: char1, Amount: 25, DamageType: rules.DamageFire,
	})
	require.NoError(t, err)
	assert.Zero(t, res.HPAfter)
	assert.True(t, res.DeathSaves.Dying)
	assert.Empty(t, res.ConcentrationBroken)
	require.NotNil(t, res.ConcentrationCheck)
	assert.Equal(t, 12, res.ConcentrationCheck.DC)
	assert.Equal(t, combat.PromptActive, res.ConcentrationCheck.Status)

	effects, err := h.engine.Effects(h.ctx, encounterID)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "Bless", effects[0].Name)
}

func TestApplyDamageHPNeverBelowZero(t *testing.T) {
	h := newHarness(t, combat.Options{})

	for _, amount := range []int{0, 7, 13, 1000} {
		res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
			Target: char3, Amount: amount, DamageType: rules.DamageSlashing,
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.HPAfter, 0)
		assert.LessOrEqual(t, res.HPAfter, 20)
	}
	assert.Zero(t, h.stats(char3).HPCurrent)

	_, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: char3, Amount: -1, DamageType: rules.DamageSlashing,
	})
	requireKind(t, err, apperr.KindInvalidInput)
	_, err = h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{
		Target: char3, Amount: 1, DamageType: "holy",
	})
	requireKind(t, err, apperr.KindInvalidInput)
}

func TestApplyHealingCapsAndRevives(t *testing.T) {
	h := newHarness(t, combat.Options{})

	res, err := h.engine.ApplyHealing(h.ctx, encounterID, combat.HealingRequest{Target: char1, Amount: 50})
	require.NoError(t, err)
	assert.Zero(t, res.Healed)
	assert.Equal(t, 20, res.HPAfter)

	_, err = h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 30, DamageType: rules.DamageCold})
	require.NoError(t, err)
	stats := h.stats(char1)
	assert.Zero(t, stats.HPCurrent)
	assert.True(t, stats.DeathSaves.Dying)

	_, err = h.engine.RecordDeathSave(h.ctx, encounterID, "char-1", 5)
	require.NoError(t, err)

	res, err = h.engine.ApplyHealing(h.ctx, encounterID, combat.HealingRequest{Target: char1, Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Healed)
	assert.Equal(t, 4, res.HPAfter)
	assert.Equal(t, combat.DeathSaves{}, res.DeathSaves)
}

func TestDeathSavesStableIsTerminal(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 25, DamageType: rules.DamageSlashing})
	require.NoError(t, err)

	for i, roll := range []int{12, 15} {
		res, err := h.engine.RecordDeathSave(h.ctx, encounterID, "char-1", roll)
		require.NoError(t, err)
		assert.Equal(t, rules.DeathSaveOngoing, res.State)
		assert.Equal(t, i+1, res.DeathSaves.Successes)
	}

	res, err := h.engine.RecordDeathSave(h.ctx, encounterID, "char-1", 10)
	require.NoError(t, err)
	assert.Equal(t, rules.DeathSaveStable, res.State)

	res, err = h.engine.RecordDeathSave(h.ctx, encounterID, "char-1", 1)
	require.NoError(t, err)
	assert.Equal(t, rules.DeathSaveStable, res.State)
	assert.Zero(t, res.DeathSaves.Failures)

	_, err = h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 3, DamageType: rules.DamageSlashing})
	require.NoError(t, err)
	assert.Equal(t, rules.DeathSaveStable, h.stats(char1).DeathSaves.State())
}

func TestDeathSavesFailureKillsAndRemoves(t *testing.T) {
	h := newHarness(t, combat.Options{})
	seatN(h, 2)

	_, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char2, Amount: 40, DamageType: rules.DamageSlashing})
	require.NoError(t, err)

	res, err := h.engine.RecordDeathSave(h.ctx, encounterID, "char-2", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeathSaves.Failures)
	assert.Equal(t, rules.DeathSaveOngoing, res.State)

	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char2, Amount: 1, DamageType: rules.DamageSlashing})
	require.NoError(t, err)
	assert.True(t, dmg.Dead)
	assert.Equal(t, 3, dmg.DeathSaves.Failures)

	assert.Equal(t, []string{"char-1"}, ids(h.state().Initiative))
}

func TestDeathSaveNaturalTwentyRevives(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.RecordDeathSave(h.ctx, encounterID, "char-1", 20)
	appErr := requireKind(t, err, apperr.KindInvalidInput)
	assert.Equal(t, combat.ReasonNotDying, appErr.Reason)

	_, err = h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 20, DamageType: rules.DamageSlashing})
	require.NoError(t, err)

	res, err := h.engine.RecordDeathSave(h.ctx, encounterID, "char-1", 20)
	require.NoError(t, err)
	assert.True(t, res.Revived)
	assert.Equal(t, 1, res.HPCurrent)
	assert.False(t, h.stats(char1).DeathSaves.Dying)
}

func TestMonsterDeathLeavesInitiative(t *testing.T) {
	h := newHarness(t, combat.Options{})
	h.seat(map[combat.CombatantRef]int{goblin: 25, char1: 10}, goblin, char1)

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char1, Name: "Hex", RequiresConcentration: true, ConcentratingCharacterID: "goblin-1",
	})
	require.NoError(t, err)

	res, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: goblin, Amount: 10, DamageType: rules.DamagePiercing})
	require.NoError(t, err)
	assert.True(t, res.Dead)
	assert.Len(t, res.ConcentrationBroken, 1)

	state := h.state()
	assert.Equal(t, []string{"char-1"}, ids(state.Initiative))
	assert.Equal(t, "char-1", current(t, state.Initiative).Combatant.ID)
	assert.Empty(t, state.Effects)
}
