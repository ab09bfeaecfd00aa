package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// tx is combat.Tx over one pgx transaction.
type tx struct {
	tx          pgx.Tx
	encounterID string
	enc         combat.Encounter
}

func (t *tx) Encounter(context.Context) (*combat.Encounter, error) {
	enc := t.enc
	return &enc, nil
}

func (t *tx) SaveEncounter(ctx context.Context, enc *combat.Encounter) error {
	_, err := t.tx.Exec(ctx, `
UPDATE encounters SET current_round = $2, is_active = $3, log_seq = $4 WHERE id = $1`,
		t.encounterID, enc.CurrentRound, enc.IsActive, enc.LogSeq)
	if err != nil {
		return fmt.Errorf("save encounter: %w", mapError(err))
	}
	t.enc = *enc
	return nil
}

const initiativeColumns = `combatant_id::text, combatant_kind, initiative_roll, dex_modifier,
    passive_perception, is_current_turn, insertion_index`

func (t *tx) Initiative(ctx context.Context) ([]combat.InitiativeEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+initiativeColumns+` FROM initiative_entries WHERE encounter_id = $1`, t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("query initiative: %w", mapError(err))
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (combat.InitiativeEntry, error) {
		e := combat.InitiativeEntry{EncounterID: t.encounterID}
		var kind string
		err := row.Scan(&e.Combatant.ID, &kind, &e.InitiativeRoll, &e.DexModifier,
			&e.PassivePerception, &e.IsCurrentTurn, &e.InsertionIndex)
		e.Combatant.Kind = combat.CombatantKind(kind)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan initiative: %w", mapError(err))
	}
	return entries, nil
}

func (t *tx) InsertInitiative(ctx context.Context, entries []combat.InitiativeEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
INSERT INTO initiative_entries (encounter_id, combatant_id, combatant_kind, initiative_roll, dex_modifier,
    passive_perception, is_current_turn, insertion_index)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.encounterID, e.Combatant.ID, string(e.Combatant.Kind), e.InitiativeRoll, e.DexModifier,
			e.PassivePerception, e.IsCurrentTurn, e.InsertionIndex)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert initiative: %w", mapError(err))
	}
	return nil
}

func (t *tx) UpdateInitiative(ctx context.Context, entries []combat.InitiativeEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
UPDATE initiative_entries SET initiative_roll = $4, dex_modifier = $5, passive_perception = $6,
    is_current_turn = $7, insertion_index = $8
WHERE encounter_id = $1 AND combatant_kind = $2 AND combatant_id = $3`,
			t.encounterID, string(e.Combatant.Kind), e.Combatant.ID, e.InitiativeRoll, e.DexModifier,
			e.PassivePerception, e.IsCurrentTurn, e.InsertionIndex)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("update initiative: %w", mapError(err))
	}
	return nil
}

func (t *tx) DeleteInitiative(ctx context.Context, ref combat.CombatantRef) error {
	return t.execOne(ctx, "delete initiative",
		`DELETE FROM initiative_entries WHERE encounter_id = $1 AND combatant_kind = $2 AND combatant_id = $3`,
		t.encounterID, string(ref.Kind), ref.ID)
}

func (t *tx) ClearInitiative(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM initiative_entries WHERE encounter_id = $1`, t.encounterID); err != nil {
		return fmt.Errorf("clear initiative: %w", mapError(err))
	}
	return nil
}

// Combatant locks the combatant row so concurrent encounters sharing a
// combatant cannot lose each other's updates.
func (t *tx) Combatant(ctx context.Context, ref combat.CombatantRef) (*combat.CombatantStats, error) {
	stats := &combat.CombatantStats{Ref: ref}
	var resistances, vulnerabilities, immunities []string
	var resources []byte
	err := t.tx.QueryRow(ctx, `
SELECT name, ac, hp_current, hp_max, resistances, vulnerabilities, immunities, initiative_bonus,
    dex_modifier, passive_perception, action_used, bonus_action_used, reaction_used,
    death_save_successes, death_save_failures, dying, resources
FROM combatants WHERE kind = $1 AND id = $2 FOR UPDATE`, string(ref.Kind), ref.ID).Scan(
		&stats.Name, &stats.AC, &stats.HPCurrent, &stats.HPMax, &resistances, &vulnerabilities, &immunities,
		&stats.InitiativeBonus, &stats.DexModifier, &stats.PassivePerception,
		&stats.ActionEconomy.Action, &stats.ActionEconomy.BonusAction, &stats.ActionEconomy.Reaction,
		&stats.DeathSaves.Successes, &stats.DeathSaves.Failures, &stats.DeathSaves.Dying, &resources)
	if err != nil {
		return nil, fmt.Errorf("load combatant %s: %w", ref, mapError(err))
	}
	stats.Defenses = rules.Defenses{
		Resistances:     damageTypes(resistances),
		Vulnerabilities: damageTypes(vulnerabilities),
		Immunities:      damageTypes(immunities),
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &stats.Resources); err != nil {
			return nil, fmt.Errorf("decode resources of %s: %w", ref, err)
		}
		if len(stats.Resources) == 0 {
			stats.Resources = nil
		}
	}
	return stats, nil
}

func (t *tx) SaveCombatantVitals(ctx context.Context, stats *combat.CombatantStats) error {
	resources, err := marshalResources(stats.Resources)
	if err != nil {
		return err
	}
	return t.execOne(ctx, "save combatant vitals", `
UPDATE combatants SET hp_current = $3, action_used = $4, bonus_action_used = $5, reaction_used = $6,
    death_save_successes = $7, death_save_failures = $8, dying = $9, resources = $10
WHERE kind = $1 AND id = $2`,
		string(stats.Ref.Kind), stats.Ref.ID, stats.HPCurrent,
		stats.ActionEconomy.Action, stats.ActionEconomy.BonusAction, stats.ActionEconomy.Reaction,
		stats.DeathSaves.Successes, stats.DeathSaves.Failures, stats.DeathSaves.Dying, resources)
}

func (t *tx) Conditions(ctx context.Context) ([]combat.Condition, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id::text, character_id::text, condition_type, ends_at_round, created_at
FROM conditions WHERE encounter_id = $1 ORDER BY created_at, character_id`, t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", mapError(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (combat.Condition, error) {
		c := combat.Condition{EncounterID: t.encounterID}
		var typ string
		err := row.Scan(&c.ID, &c.CharacterID, &typ, &c.EndsAtRound, &c.CreatedAt)
		c.Type = rules.ConditionType(typ)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan conditions: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) InsertCondition(ctx context.Context, c combat.Condition) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO conditions (id, encounter_id, character_id, condition_type, ends_at_round, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, t.encounterID, c.CharacterID, string(c.Type), c.EndsAtRound, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert condition: %w", mapError(err))
	}
	return nil
}

func (t *tx) DeleteCondition(ctx context.Context, id string) error {
	return t.execOne(ctx, "delete condition",
		`DELETE FROM conditions WHERE encounter_id = $1 AND id = $2`, t.encounterID, id)
}

func (t *tx) Effects(ctx context.Context) ([]combat.Effect, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id::text, character_id::text, target_kind, name, start_round, end_round, requires_concentration,
    concentrating_character_id::text, damage_per_tick, damage_type_per_tick, ticks_at, last_tick_round, created_at
FROM effects WHERE encounter_id = $1 ORDER BY created_at, id`, t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("query effects: %w", mapError(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (combat.Effect, error) {
		e := combat.Effect{EncounterID: t.encounterID}
		var kind, damageType, ticksAt string
		if err := row.Scan(&e.ID, &e.CharacterID, &kind, &e.Name, &e.StartRound, &e.EndRound,
			&e.RequiresConcentration, &e.ConcentratingCharacterID, &e.DamagePerTick, &damageType,
			&ticksAt, &e.LastTickRound, &e.CreatedAt); err != nil {
			return e, err
		}
		e.TargetKind = combat.CombatantKind(kind)
		e.DamageTypePerTick = rules.DamageType(damageType)
		timing, err := rules.ParseTiming(ticksAt)
		if err != nil {
			return e, err
		}
		e.TicksAt = timing
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan effects: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) InsertEffect(ctx context.Context, e combat.Effect) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO effects (id, encounter_id, character_id, target_kind, name, start_round, end_round,
    requires_concentration, concentrating_character_id, damage_per_tick, damage_type_per_tick,
    ticks_at, last_tick_round, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, t.encounterID, e.CharacterID, string(e.Target().Kind), e.Name, e.StartRound, e.EndRound,
		e.RequiresConcentration, e.ConcentratingCharacterID, e.DamagePerTick, string(e.DamageTypePerTick),
		e.TicksAt.String(), e.LastTickRound, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert effect: %w", mapError(err))
	}
	return nil
}

func (t *tx) UpdateEffect(ctx context.Context, e combat.Effect) error {
	return t.execOne(ctx, "update effect", `
UPDATE effects SET name = $3, end_round = $4, requires_concentration = $5, concentrating_character_id = $6,
    damage_per_tick = $7, damage_type_per_tick = $8, ticks_at = $9, last_tick_round = $10
WHERE encounter_id = $1 AND id = $2`,
		t.encounterID, e.ID, e.Name, e.EndRound, e.RequiresConcentration, e.ConcentratingCharacterID,
		e.DamagePerTick, string(e.DamageTypePerTick), e.TicksAt.String(), e.LastTickRound)
}

func (t *tx) DeleteEffect(ctx context.Context, id string) error {
	return t.execOne(ctx, "delete effect",
		`DELETE FROM effects WHERE encounter_id = $1 AND id = $2`, t.encounterID, id)
}

const promptColumns = `id::text, ability, dc, targets, advantage_mode, half_on_success, purpose,
    effect_id, status, damage_applied, created_at`

func scanPrompt(row pgx.Row, encounterID string) (combat.SavePrompt, error) {
	p := combat.SavePrompt{EncounterID: encounterID}
	var ability, mode, purpose, status string
	err := row.Scan(&p.ID, &ability, &p.DC, &p.Targets, &mode, &p.HalfOnSuccess, &purpose,
		&p.EffectID, &status, &p.DamageApplied, &p.CreatedAt)
	p.Ability = combat.Ability(ability)
	p.AdvantageMode = combat.AdvantageMode(mode)
	p.Purpose = combat.PromptPurpose(purpose)
	p.Status = combat.PromptStatus(status)
	return p, err
}

func (t *tx) SavePrompts(ctx context.Context) ([]combat.SavePrompt, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+promptColumns+`
FROM save_prompts WHERE encounter_id = $1 ORDER BY created_at, id`, t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("query save prompts: %w", mapError(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (combat.SavePrompt, error) {
		return scanPrompt(row, t.encounterID)
	})
	if err != nil {
		return nil, fmt.Errorf("scan save prompts: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) SavePrompt(ctx context.Context, id string) (*combat.SavePrompt, error) {
	p, err := scanPrompt(t.tx.QueryRow(ctx, `SELECT `+promptColumns+`
FROM save_prompts WHERE encounter_id = $1 AND id = $2`, t.encounterID, id), t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("load save prompt %s: %w", id, mapError(err))
	}
	return &p, nil
}

func (t *tx) InsertSavePrompt(ctx context.Context, p combat.SavePrompt) error {
	targets := p.Targets
	if targets == nil {
		targets = []string{}
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO save_prompts (id, encounter_id, ability, dc, targets, advantage_mode, half_on_success,
    purpose, effect_id, status, damage_applied, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, t.encounterID, string(p.Ability), p.DC, targets, string(p.AdvantageMode), p.HalfOnSuccess,
		string(p.Purpose), p.EffectID, string(p.Status), p.DamageApplied, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert save prompt: %w", mapError(err))
	}
	return nil
}

func (t *tx) UpdateSavePrompt(ctx context.Context, p combat.SavePrompt) error {
	return t.execOne(ctx, "update save prompt",
		`UPDATE save_prompts SET status = $3, damage_applied = $4 WHERE encounter_id = $1 AND id = $2`,
		t.encounterID, p.ID, string(p.Status), p.DamageApplied)
}

func (t *tx) SaveResults(ctx context.Context, promptID string) ([]combat.SaveResult, error) {
	rows, err := t.tx.Query(ctx, `
SELECT character_id::text, roll, modifier, total, success, created_at
FROM save_results WHERE save_prompt_id = $1 ORDER BY created_at, character_id`, promptID)
	if err != nil {
		return nil, fmt.Errorf("query save results: %w", mapError(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (combat.SaveResult, error) {
		r := combat.SaveResult{SavePromptID: promptID}
		err := row.Scan(&r.CharacterID, &r.Roll, &r.Modifier, &r.Total, &r.Success, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan save results: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) InsertSaveResult(ctx context.Context, r combat.SaveResult) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO save_results (save_prompt_id, character_id, roll, modifier, total, success, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.SavePromptID, r.CharacterID, r.Roll, r.Modifier, r.Total, r.Success, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert save result: %w", mapError(err))
	}
	return nil
}

const logColumns = `id::text, seq, round, action_type, character_id, amount, details, created_at`

func scanLogEntry(row pgx.Row, encounterID string) (combat.LogEntry, error) {
	e := combat.LogEntry{EncounterID: encounterID}
	var action string
	var details []byte
	if err := row.Scan(&e.ID, &e.Seq, &e.Round, &action, &e.CharacterID, &e.Amount, &details, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ActionType = combat.ActionType(action)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return e, fmt.Errorf("decode log details: %w", err)
		}
	}
	return e, nil
}

func (t *tx) AppendLog(ctx context.Context, entry combat.LogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode log details: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO combat_log (id, encounter_id, seq, round, action_type, character_id, amount, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, t.encounterID, entry.Seq, entry.Round, string(entry.ActionType), entry.CharacterID,
		entry.Amount, details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append log: %w", mapError(err))
	}
	return nil
}

func (t *tx) LogEntries(ctx context.Context, limit int) ([]combat.LogEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := t.tx.Query(ctx, `
SELECT * FROM (
    SELECT `+logColumns+` FROM combat_log WHERE encounter_id = $1 ORDER BY seq DESC LIMIT $2
) newest ORDER BY seq`, t.encounterID, lim)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", mapError(err))
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (combat.LogEntry, error) {
		return scanLogEntry(row, t.encounterID)
	})
	if err != nil {
		return nil, fmt.Errorf("scan log: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) LogEntry(ctx context.Context, id string) (*combat.LogEntry, error) {
	e, err := scanLogEntry(t.tx.QueryRow(ctx, `SELECT `+logColumns+`
FROM combat_log WHERE encounter_id = $1 AND id = $2`, t.encounterID, id), t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("load log entry %s: %w", id, mapError(err))
	}
	return &e, nil
}

func (t *tx) DeleteLogEntry(ctx context.Context, id string) error {
	return t.execOne(ctx, "delete log entry",
		`DELETE FROM combat_log WHERE encounter_id = $1 AND id = $2`, t.encounterID, id)
}

// execOne runs a single-row write and returns ErrNotFound when nothing matched.
func (t *tx) execOne(ctx context.Context, what, query string, args ...any) error {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, combat.ErrNotFound)
	}
	return nil
}
