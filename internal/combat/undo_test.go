package combat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

func TestUndoDamageRestoresHP(t *testing.T) {
	h := newHarness(t, combat.Options{})

	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 7, DamageType: rules.DamageCold})
	require.NoError(t, err)
	require.Equal(t, 13, h.stats(char1).HPCurrent)

	undo, err := h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, combat.ActionUndo, undo.ActionType)
	assert.Equal(t, dmg.LogEntry.ID, undo.Details.UndoneEntryID)
	assert.Equal(t, combat.ActionDamage, undo.Details.UndoneActionType)
	assert.Greater(t, undo.Seq, dmg.LogEntry.Seq)
	assert.Equal(t, 20, h.stats(char1).HPCurrent)

	entries, err := h.engine.Log(h.ctx, encounterID, 0)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, dmg.LogEntry.ID, e.ID, "original entry removed")
	}
	assert.Equal(t, undo.ID, entries[len(entries)-1].ID)

	_, err = h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	requireKind(t, err, apperr.KindNotFound)
}

func TestUndoDamageCapsAtMax(t *testing.T) {
	h := newHarness(t, combat.Options{})

	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 10, DamageType: rules.DamageCold})
	require.NoError(t, err)
	_, err = h.engine.ApplyHealing(h.ctx, encounterID, combat.HealingRequest{Target: char1, Amount: 5})
	require.NoError(t, err)

	_, err = h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, h.stats(char1).HPCurrent)
}

func TestUndoHealingSubtracts(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 12, DamageType: rules.DamageCold})
	require.NoError(t, err)
	heal, err := h.engine.ApplyHealing(h.ctx, encounterID, combat.HealingRequest{Target: char1, Amount: 30})
	require.NoError(t, err)
	assert.Equal(t, 12, heal.Healed)

	_, err = h.engine.Undo(h.ctx, encounterID, heal.LogEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, h.stats(char1).HPCurrent)
}

func TestUndoAppliedEffectAndCondition(t *testing.T) {
	h := newHarness(t, combat.Options{})

	eff, err := h.engine.CreateEffect(h.ctx, encounterID, combat.EffectRequest{Target: char1, Name: "Bane"})
	require.NoError(t, err)
	cond, err := h.engine.ApplyCondition(h.ctx, encounterID, combat.ConditionRequest{CharacterID: "char-1", Type: rules.ConditionFrightened})
	require.NoError(t, err)

	_, err = h.engine.Undo(h.ctx, encounterID, eff.LogEntry.ID)
	require.NoError(t, err)
	_, err = h.engine.Undo(h.ctx, encounterID, cond.LogEntry.ID)
	require.NoError(t, err)

	state := h.state()
	assert.Empty(t, state.Effects)
	assert.Empty(t, state.Conditions)
}

func TestUndoUnsupportedType(t *testing.T) {
	h := newHarness(t, combat.Options{})
	seatN(h, 2)

	turn, err := h.engine.NextTurn(h.ctx, encounterID, "")
	require.NoError(t, err)
	require.NotNil(t, turn.Current)

	entries, err := h.engine.Log(h.ctx, encounterID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, combat.ActionTurnAdvanced, entries[0].ActionType)

	_, err = h.engine.Undo(h.ctx, encounterID, entries[0].ID)
	requireKind(t, err, apperr.KindUnsupportedUndo)
}

func TestUndoWindowIsBounded(t *testing.T) {
	h := newHarness(t, combat.Options{UndoDepth: 2})

	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 3, DamageType: rules.DamageCold})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := h.engine.ApplyHealing(h.ctx, encounterID, combat.HealingRequest{Target: char1, Amount: 1})
		require.NoError(t, err)
	}

	_, err = h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	appErr := requireKind(t, err, apperr.KindStaleState)
	assert.Equal(t, combat.ReasonOutsideUndoWindow, appErr.Reason)
}

func TestUndoOverkillRestoresPreDamageHP(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 5, DamageType: rules.DamageCold})
	require.NoError(t, err)
	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 30, DamageType: rules.DamageFire})
	require.NoError(t, err)
	require.Equal(t, 30, dmg.Effective)
	require.Equal(t, 0, dmg.HPAfter)
	require.True(t, h.stats(char1).DeathSaves.Dying)

	_, err = h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	require.NoError(t, err)
	stats := h.stats(char1)
	assert.Equal(t, 15, stats.HPCurrent)
	assert.Equal(t, combat.DeathSaves{}, stats.DeathSaves)
}

func TestUndoDamageOnDyingCharacterRestoresFailures(t *testing.T) {
	h := newHarness(t, combat.Options{})

	_, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 20, DamageType: rules.DamageCold})
	require.NoError(t, err)
	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: char1, Amount: 3, DamageType: rules.DamageCold})
	require.NoError(t, err)
	require.Equal(t, 1, dmg.DeathSaves.Failures)

	_, err = h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	require.NoError(t, err)
	stats := h.stats(char1)
	assert.Zero(t, stats.HPCurrent)
	assert.Equal(t, combat.DeathSaves{Dying: true}, stats.DeathSaves)
}

func TestUndoLethalDamageReseatsMonster(t *testing.T) {
	h := newHarness(t, combat.Options{})
	h.seat(map[combat.CombatantRef]int{goblin: 25, char1: 10}, goblin, char1)

	dmg, err := h.engine.ApplyDamage(h.ctx, encounterID, combat.DamageRequest{Target: goblin, Amount: 10, DamageType: rules.DamagePiercing})
	require.NoError(t, err)
	require.True(t, dmg.Dead)
	require.Equal(t, []string{"char-1"}, ids(h.state().Initiative))

	_, err = h.engine.Undo(h.ctx, encounterID, dmg.LogEntry.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, h.stats(goblin).HPCurrent)

	state := h.state()
	assert.Equal(t, []string{"goblin-1", "char-1"}, ids(state.Initiative))
	assert.Equal(t, "char-1", current(t, state.Initiative).Combatant.ID)
	assert.Equal(t, 25, state.Initiative[0].InitiativeRoll)
}
