package combat

import (
	"context"
	"errors"

	"github.com/questforge/encounter-server/internal/apperr"
)

// MaxLogPage caps a single log read.
const MaxLogPage = 500

// Log returns the newest limit entries, oldest first.
func (e *Engine) Log(ctx context.Context, encounterID string, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > MaxLogPage {
		limit = MaxLogPage
	}
	var out []LogEntry
	err := e.do(ctx, encounterID, "combat_log", func(o *op) error {
		var err error
		out, err = o.tx.LogEntries(o.ctx, limit)
		return err
	})
	return out, err
}

// EncounterState is a consistent snapshot of everything the table shows.
type EncounterState struct {
	Encounter   Encounter         `json:"encounter"`
	Initiative  []InitiativeEntry `json:"initiative"`
	Combatants  []CombatantStats  `json:"combatants"`
	Conditions  []Condition       `json:"conditions"`
	Effects     []Effect          `json:"effects"`
	SavePrompts []SavePrompt      `json:"save_prompts"`
}

// State reads the encounter snapshot. Only active conditions, effects and
// prompts are included.
func (e *Engine) State(ctx context.Context, encounterID string) (EncounterState, error) {
	var out EncounterState
	err := e.do(ctx, encounterID, "encounter_state", func(o *op) error {
		order, err := o.initiative()
		if err != nil {
			return err
		}
		out.Encounter = *o.enc
		out.Initiative = order
		for _, entry := range order {
			stats, err := o.tx.Combatant(o.ctx, entry.Combatant)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out.Combatants = append(out.Combatants, *stats)
		}
		if out.Conditions, err = o.activeConditions(""); err != nil {
			return err
		}
		effects, err := o.tx.Effects(o.ctx)
		if err != nil {
			return err
		}
		for _, eff := range effects {
			if eff.ActiveAt(o.enc.CurrentRound) {
				out.Effects = append(out.Effects, eff)
			}
		}
		prompts, err := o.tx.SavePrompts(o.ctx)
		if err != nil {
			return err
		}
		for _, p := range prompts {
			if p.Status == PromptActive {
				out.SavePrompts = append(out.SavePrompts, p)
			}
		}
		return nil
	})
	if err != nil {
		return EncounterState{}, err
	}
	return out, nil
}

// Combatant reads one combatant's stats.
func (e *Engine) Combatant(ctx context.Context, encounterID string, ref CombatantRef) (CombatantStats, error) {
	if !ref.Kind.Valid() {
		return CombatantStats{}, apperr.Invalid("kind", "must be character or monster")
	}
	var out CombatantStats
	err := e.do(ctx, encounterID, "combatant", func(o *op) error {
		stats, err := o.combatant(ref)
		if err != nil {
			return err
		}
		out = *stats
		return nil
	})
	return out, err
}
