package combat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

func TestConcentrationIsExclusivePerCaster(t *testing.T) {
	h := newHarness(t, combat.Options{})

	first, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char2, Name: "Bless", RequiresConcentration: true, ConcentratingCharacterID: "char-1",
	})
	require.NoError(t, err)
	assert.Empty(t, first.Replaced)

	other, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char1, Name: "Shield of Faith", RequiresConcentration: true, ConcentratingCharacterID: "char-3",
	})
	require.NoError(t, err)

	second, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char3, Name: "Haste", RequiresConcentration: true, ConcentratingCharacterID: "char-1",
	})
	require.NoError(t, err)
	require.Len(t, second.Replaced, 1)
	assert.Equal(t, first.Effect.ID, second.Replaced[0].ID)

	effects, err := h.engine.Effects(h.ctx, encounterID)
	require.NoError(t, err)
	names := []string{}
	for _, eff := range effects {
		names = append(names, eff.Name)
	}
	assert.ElementsMatch(t, []string{"Shield of Faith", "Haste"}, names)

	broken, err := h.engine.BreakConcentration(h.ctx, encounterID, "char-3")
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, other.Effect.ID, broken[0].ID)
}

func TestEffectValidation(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{Target: char1})
	requireKind(t, err, apperr.KindInvalidInput)

	_, err = h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char1, Name: "Bless", RequiresConcentration: true,
	})
	requireKind(t, err, apperr.KindInvalidInput)

	_, err = h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char1, Name: "Burn", DamagePerTick: ptr(2), DamageTypePerTick: "holy",
	})
	requireKind(t, err, apperr.KindInvalidInput)

	_, err = h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target: char1, Name: "Burn", EndRound: ptr(1),
	})
	requireKind(t, err, apperr.KindInvalidInput)

	err = h.engine.DeleteEffect(h.ctx, encounterID, "nope")
	requireKind(t, err, apperr.KindNotFound)
}

func TestStartTickFiresOncePerRoundUntilExpiry(t *testing.T) {
	h := newHarness(t, combat.Options{})
	h.seat(map[combat.CombatantRef]int{char1: 20, char3: 10}, char1, char3)

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target:            char3,
		Name:              "Burning",
		DurationRounds:    ptr(2),
		DamagePerTick:     ptr(3),
		DamageTypePerTick: rules.DamageFire,
		TicksAt:           rules.TimingStart,
	})
	require.NoError(t, err)

	advance := func() combat.TurnState {
		state, err := h.engine.NextTurn(h.ctx, encounterID, "")
		require.NoError(t, err)
		return state
	}

	advance()
	assert.Equal(t, 20, h.stats(char3).HPCurrent, "no tick without a round boundary")

	state := advance()
	assert.Equal(t, 2, state.Round)
	assert.Equal(t, 17, h.stats(char3).HPCurrent)

	advance()
	assert.Equal(t, 17, h.stats(char3).HPCurrent)

	state = advance()
	assert.Equal(t, 3, state.Round)
	assert.Equal(t, 17, h.stats(char3).HPCurrent, "expired before the round 3 tick")

	effects, err := h.engine.Effects(h.ctx, encounterID)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestEndTickFiresForFinishingRound(t *testing.T) {
	h := newHarness(t, combat.Options{})
	seatN(h, 2)

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target:            char1,
		Name:              "Acid Arrow",
		DamagePerTick:     ptr(2),
		DamageTypePerTick: rules.DamageAcid,
		TicksAt:           rules.TimingEnd,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := h.engine.NextTurn(h.ctx, encounterID, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 16, h.stats(char1).HPCurrent)

	entries, err := h.engine.Log(h.ctx, encounterID, 0)
	require.NoError(t, err)
	var ticks []combat.LogEntry
	for _, e := range entries {
		if e.ActionType == combat.ActionDamage {
			ticks = append(ticks, e)
		}
	}
	require.Len(t, ticks, 2)
	assert.Equal(t, 1, ticks[0].Round, "end tick belongs to the finishing round")
	assert.Equal(t, 2, ticks[1].Round)
}

func TestTickDamageCanKillMonster(t *testing.T) {
	h := newHarness(t, combat.Options{})
	h.seat(map[combat.CombatantRef]int{char1: 20, goblin: 10}, char1, goblin)

	_, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{
		Target:            goblin,
		Name:              "Moonbeam",
		DamagePerTick:     ptr(10),
		DamageTypePerTick: rules.DamageRadiant,
		TicksAt:           rules.TimingStart,
	})
	require.NoError(t, err)

	_, err = h.engine.NextTurn(h.ctx, encounterID, "")
	require.NoError(t, err)
	state, err := h.engine.NextTurn(h.ctx, encounterID, "")
	require.NoError(t, err)

	assert.Equal(t, 2, state.Round)
	assert.Equal(t, []string{"char-1"}, ids(state.Order))
	assert.Equal(t, "char-1", state.Current.Combatant.ID)
}

func TestConditionExpiryIsExclusive(t *testing.T) {
	h := newHarness(t, combat.Options{})
	seatN(h, 2)

	res, err := h.engine.ApplyCondition(h.ctx, encounterID, combat.ConditionRequest{
		CharacterID: "char-1", Type: rules.ConditionProne, DurationRounds: ptr(1),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Condition.EndsAtRound)
	assert.Equal(t, 2, *res.Condition.EndsAtRound)
	assert.Equal(t, combat.ActionEffectApplied, res.LogEntry.ActionType)

	active, err := h.engine.ActiveConditions(h.ctx, encounterID, "char-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	for i := 0; i < 2; i++ {
		_, err := h.engine.NextTurn(h.ctx, encounterID, "")
		require.NoError(t, err)
	}
	active, err = h.engine.ActiveConditions(h.ctx, encounterID, "")
	require.NoError(t, err)
	assert.Empty(t, active, "condition ending at round 2 is gone once round 2 begins")
}

func TestConditionManualRemovalAndValidation(t *testing.T) {
	h := newHarness(t, combat.Options{})

	res, err := h.engine.ApplyCondition(h.ctx, encounterID, combat.ConditionRequest{
		CharacterID: "char-2", Type: rules.ConditionPoisoned,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Condition.EndsAtRound)

	require.NoError(t, h.engine.RemoveCondition(h.ctx, encounterID, res.Condition.ID))
	err = h.engine.RemoveCondition(h.ctx, encounterID, res.Condition.ID)
	requireKind(t, err, apperr.KindNotFound)

	_, err = h.engine.ApplyCondition(h.ctx, encounterID, combat.ConditionRequest{CharacterID: "char-2", Type: "sleepy"})
	requireKind(t, err, apperr.KindInvalidInput)
	_, err = h.engine.ApplyCondition(h.ctx, encounterID, combat.ConditionRequest{CharacterID: "char-2", Type: rules.ConditionProne, DurationRounds: ptr(0)})
	requireKind(t, err, apperr.KindInvalidInput)
	_, err = h.engine.ApplyCondition(h.ctx, encounterID, combat.ConditionRequest{CharacterID: "char-2", Type: rules.ConditionProne, EndsAtRound: ptr(1)})
	requireKind(t, err, apperr.KindInvalidInput)
}

func TestSetResource(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.SetResource(h.ctx, encounterID, "char-1", combat.ResourceUpdate{Kind: "ki", Current: 1})
	requireKind(t, err, apperr.KindInvalidInput)

	res, err := h.engine.SetResource(h.ctx, encounterID, "char-1", combat.ResourceUpdate{Kind: "ki", Current: 2, Max: ptr(3)})
	require.NoError(t, err)
	assert.Equal(t, combat.Resource{Current: 2, Max: 3}, res)

	_, err = h.engine.SetResource(h.ctx, encounterID, "char-1", combat.ResourceUpdate{Kind: "ki", Current: 4})
	requireKind(t, err, apperr.KindInvalidInput)

	res, err = h.engine.SetResource(h.ctx, encounterID, "char-1", combat.ResourceUpdate{Kind: "ki", Current: 0})
	require.NoError(t, err)
	assert.Equal(t, combat.Resource{Current: 0, Max: 3}, res)
	assert.Equal(t, res, h.stats(char1).Resources["ki"])
}
