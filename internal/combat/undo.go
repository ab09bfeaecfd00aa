package combat

import (
	"context"
	"errors"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// ReasonOutsideUndoWindow marks an undo of an entry older than the window.
const ReasonOutsideUndoWindow = "outside_undo_window"

// Undo reverses a damage, healing or effect_applied entry. The original entry
// is deleted and an undo entry referencing it is appended.
func (e *Engine) Undo(ctx context.Context, encounterID, logEntryID string) (LogEntry, error) {
	var out LogEntry
	err := e.do(ctx, encounterID, "undo", func(o *op) error {
		target, err := o.tx.LogEntry(o.ctx, logEntryID)
		if errors.Is(err, ErrNotFound) {
			return apperr.Newf(apperr.KindNotFound, "log entry %s not found", logEntryID)
		}
		if err != nil {
			return err
		}
		if !target.ActionType.Reversible() {
			return apperr.Newf(apperr.KindUnsupportedUndo, "%s entries cannot be undone", target.ActionType)
		}
		if target.Seq <= o.enc.LogSeq-int64(o.engine.opts.UndoDepth) {
			return apperr.WithReason(apperr.KindStaleState, ReasonOutsideUndoWindow, "log entry is too old to undo")
		}

		switch target.ActionType {
		case ActionDamage:
			err = o.reverseHP(target, true)
		case ActionHealing:
			err = o.reverseHP(target, false)
		case ActionEffectApplied:
			err = o.reverseApplied(target)
		}
		if err != nil {
			return err
		}

		if err := o.tx.DeleteLogEntry(o.ctx, target.ID); err != nil {
			return err
		}
		o.touch(broker.TableCombatLog, broker.OpDelete)
		out, err = o.appendLog(ActionUndo, target.CharacterID, target.Amount, LogDetails{
			TargetKind:       target.Details.TargetKind,
			Kind:             target.Details.Kind,
			RefID:            target.Details.RefID,
			UndoneEntryID:    target.ID,
			UndoneActionType: target.ActionType,
		})
		return err
	})
	return out, err
}

// reverseHP gives back the hit points a hit took or takes back healing. A
// reversed hit also restores the death saves it changed and returns a killed
// combatant to its initiative seat.
func (o *op) reverseHP(entry *LogEntry, restore bool) error {
	kind := entry.Details.TargetKind
	if kind == "" {
		kind = KindCharacter
	}
	stats, err := o.combatant(CombatantRef{ID: entry.CharacterID, Kind: kind})
	if err != nil {
		return err
	}
	amount := 0
	if entry.Amount != nil {
		amount = *entry.Amount
	}
	before := stats.HPCurrent
	if !restore {
		stats.HPCurrent = rules.SubtractHP(before, amount)
		if stats.IsCharacter() && before > 0 && stats.HPCurrent == 0 {
			stats.DeathSaves = DeathSaves{Dying: true}
		}
		return o.saveVitals(stats)
	}

	if d := entry.Details; d.HPBefore != nil && d.HPAfter != nil {
		amount = *d.HPBefore - *d.HPAfter
	}
	stats.HPCurrent = rules.AddHP(before, stats.HPMax, amount)
	if stats.IsCharacter() {
		switch {
		case stats.HPCurrent > 0:
			stats.DeathSaves = DeathSaves{}
		case entry.Details.DeathSavesBefore != nil:
			stats.DeathSaves = *entry.Details.DeathSavesBefore
		}
	}
	if err := o.saveVitals(stats); err != nil {
		return err
	}
	if entry.Details.Seat != nil && !stats.IsDead() {
		return o.reseat(*entry.Details.Seat)
	}
	return nil
}

// reseat puts a combatant back at its logged initiative standing. A
// combatant already back in the order is left alone.
func (o *op) reseat(seat InitiativeEntry) error {
	seated, err := o.seatOf(seat.Combatant)
	if err != nil || seated != nil {
		return err
	}
	seat.EncounterID = o.enc.ID
	seat.IsCurrentTurn = false
	if err := o.tx.InsertInitiative(o.ctx, []InitiativeEntry{seat}); err != nil {
		return err
	}
	o.touch(broker.TableInitiative, broker.OpInsert)
	if _, err := o.appendLog(ActionInitiativeRolled, seat.Combatant.ID, intPtr(seat.InitiativeRoll), LogDetails{
		TargetKind: seat.Combatant.Kind,
		Note:       "reseated",
	}); err != nil {
		return err
	}

	order, err := o.initiative()
	if err != nil {
		return err
	}
	if o.enc.IsActive && currentIndex(order) < 0 {
		for i, entry := range order {
			if entry.Combatant == seat.Combatant {
				return o.setCurrent(order, i)
			}
		}
	}
	return nil
}

// reverseApplied deletes the effect or condition an effect_applied entry
// created. Records already gone count as reversed.
func (o *op) reverseApplied(entry *LogEntry) error {
	var err error
	table := broker.TableEffects
	switch entry.Details.Kind {
	case RefCondition:
		table = broker.TableConditions
		err = o.tx.DeleteCondition(o.ctx, entry.Details.RefID)
	default:
		err = o.tx.DeleteEffect(o.ctx, entry.Details.RefID)
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.touch(table, broker.OpDelete)
	return nil
}
