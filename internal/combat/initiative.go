package combat

import (
	"context"
	"errors"
	"fmt"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// Reasons attached to initiative errors.
const (
	ReasonInvalidRoll        = "invalid_roll"
	ReasonDuplicateCombatant = "duplicate_combatant"
)

// InitiativeRoll asks for one combatant to join the turn order. ManualRoll
// overrides the d20 + bonus total when set.
type InitiativeRoll struct {
	Combatant  CombatantRef `json:"combatant"`
	ManualRoll *int         `json:"manual_roll,omitempty"`
}

// RollInitiative adds combatants to the turn order atomically and returns the
// full sorted order.
func (e *Engine) RollInitiative(ctx context.Context, encounterID string, rolls []InitiativeRoll) ([]InitiativeEntry, error) {
	if len(rolls) == 0 {
		return nil, apperr.Invalid("combatants", "at least one combatant is required")
	}
	for _, r := range rolls {
		if r.ManualRoll != nil && !rules.ValidManualInitiative(*r.ManualRoll) {
			return nil, apperr.WithReason(apperr.KindInvalidInput, ReasonInvalidRoll,
				fmt.Sprintf("manual initiative must be between %d and %d", rules.MinManualInitiative, rules.MaxManualInitiative))
		}
	}

	var order []InitiativeEntry
	err := e.do(ctx, encounterID, "roll_initiative", func(o *op) error {
		existing, err := o.initiative()
		if err != nil {
			return err
		}
		seen := make(map[CombatantRef]struct{}, len(existing)+len(rolls))
		next := 0
		for _, entry := range existing {
			seen[entry.Combatant] = struct{}{}
			if entry.InsertionIndex >= next {
				next = entry.InsertionIndex + 1
			}
		}

		entries := make([]InitiativeEntry, 0, len(rolls))
		for i, r := range rolls {
			if _, dup := seen[r.Combatant]; dup {
				return apperr.WithReason(apperr.KindConflict, ReasonDuplicateCombatant,
					fmt.Sprintf("%s is already in the initiative order", r.Combatant))
			}
			seen[r.Combatant] = struct{}{}

			stats, err := o.combatant(r.Combatant)
			if err != nil {
				return err
			}
			var total int
			if r.ManualRoll != nil {
				total = *r.ManualRoll
			} else {
				total = o.engine.opts.Roller.Roll(20) + stats.InitiativeBonus
			}
			entries = append(entries, InitiativeEntry{
				EncounterID:       o.enc.ID,
				Combatant:         r.Combatant,
				InitiativeRoll:    total,
				DexModifier:       stats.DexModifier,
				PassivePerception: stats.PassivePerception,
				InsertionIndex:    next + i,
			})
		}

		if err := o.tx.InsertInitiative(o.ctx, entries); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return apperr.WithReason(apperr.KindConflict, ReasonDuplicateCombatant, "combatant is already in the initiative order")
			}
			return err
		}
		o.touch(broker.TableInitiative, broker.OpInsert)

		for _, entry := range entries {
			if _, err := o.appendLog(ActionInitiativeRolled, entry.Combatant.ID, intPtr(entry.InitiativeRoll), LogDetails{
				TargetKind: entry.Combatant.Kind,
			}); err != nil {
				return err
			}
		}

		order, err = o.initiative()
		if err != nil {
			return err
		}
		if len(existing) == 0 && len(order) > 0 {
			if err := o.setCurrent(order, 0); err != nil {
				return err
			}
			o.enc.IsActive = true
			o.markEncounter()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// initiative loads the turn order sorted by standing.
func (o *op) initiative() ([]InitiativeEntry, error) {
	entries, err := o.tx.Initiative(o.ctx)
	if err != nil {
		return nil, err
	}
	rules.SortByInitiative(entries, InitiativeEntry.Standing)
	return entries, nil
}

// currentIndex returns the position of the current entry or -1.
func currentIndex(entries []InitiativeEntry) int {
	for i, entry := range entries {
		if entry.IsCurrentTurn {
			return i
		}
	}
	return -1
}

// setCurrent makes entries[idx] the only current entry and persists the flags.
func (o *op) setCurrent(entries []InitiativeEntry, idx int) error {
	for i := range entries {
		entries[i].IsCurrentTurn = i == idx
	}
	if err := o.tx.UpdateInitiative(o.ctx, entries); err != nil {
		return err
	}
	o.touch(broker.TableInitiative, broker.OpUpdate)
	return nil
}
