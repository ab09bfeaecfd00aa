package combat

import (
	"context"
	"errors"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// ReasonTurnMoved marks an advance that raced with another advance.
const ReasonTurnMoved = "turn_moved"

// TurnState is the turn pointer after a transition.
type TurnState struct {
	Round   int               `json:"round"`
	Current *InitiativeEntry  `json:"current,omitempty"`
	Order   []InitiativeEntry `json:"order"`
}

func turnState(round int, order []InitiativeEntry) TurnState {
	state := TurnState{Round: round, Order: order}
	if idx := currentIndex(order); idx >= 0 {
		cur := order[idx]
		state.Current = &cur
	}
	return state
}

// StartCombat marks the first entry current. It is a no-op when a current
// entry already exists.
func (e *Engine) StartCombat(ctx context.Context, encounterID string) (TurnState, error) {
	var state TurnState
	err := e.do(ctx, encounterID, "start_combat", func(o *op) error {
		order, err := o.initiative()
		if err != nil {
			return err
		}
		if len(order) == 0 {
			return apperr.New(apperr.KindInvalidInput, "no combatants in initiative")
		}
		if currentIndex(order) >= 0 {
			state = turnState(o.enc.CurrentRound, order)
			return nil
		}
		if err := o.beginTurn(order, 0); err != nil {
			return err
		}
		if !o.enc.IsActive {
			o.enc.IsActive = true
			o.markEncounter()
		}
		if _, err := o.appendLog(ActionCombatStarted, "", nil, LogDetails{}); err != nil {
			return err
		}
		state = turnState(o.enc.CurrentRound, order)
		return nil
	})
	return state, err
}

// NextTurn advances the turn pointer. When expectedCurrent is non-empty the
// advance only happens if that combatant still holds the turn.
func (e *Engine) NextTurn(ctx context.Context, encounterID, expectedCurrent string) (TurnState, error) {
	var state TurnState
	err := e.do(ctx, encounterID, "next_turn", func(o *op) error {
		order, err := o.initiative()
		if err != nil {
			return err
		}
		if expectedCurrent != "" {
			idx := currentIndex(order)
			if idx < 0 || order[idx].Combatant.ID != expectedCurrent {
				return apperr.WithReason(apperr.KindConflict, ReasonTurnMoved, "the turn has already moved on")
			}
		}
		order, err = o.advance(order)
		if err != nil {
			return err
		}
		state = turnState(o.enc.CurrentRound, order)
		return nil
	})
	return state, err
}

// PreviousTurn moves the pointer back one entry without firing round triggers.
func (e *Engine) PreviousTurn(ctx context.Context, encounterID string) (TurnState, error) {
	var state TurnState
	err := e.do(ctx, encounterID, "previous_turn", func(o *op) error {
		order, err := o.initiative()
		if err != nil {
			return err
		}
		if len(order) == 0 {
			return apperr.New(apperr.KindInvalidInput, "no combatants in initiative")
		}
		idx := currentIndex(order)
		if idx < 0 {
			if err := o.setCurrent(order, 0); err != nil {
				return err
			}
		} else {
			cursor := rules.NewTurnCursor(idx, len(order), o.enc.CurrentRound)
			cursor.Retreat()
			if cursor.Round() != o.enc.CurrentRound {
				o.enc.CurrentRound = cursor.Round()
				o.markEncounter()
			}
			if err := o.setCurrent(order, cursor.Index()); err != nil {
				return err
			}
		}
		cur := order[currentIndex(order)]
		if _, err := o.appendLog(ActionTurnReverted, cur.Combatant.ID, nil, LogDetails{TargetKind: cur.Combatant.Kind}); err != nil {
			return err
		}
		state = turnState(o.enc.CurrentRound, order)
		return nil
	})
	return state, err
}

// RemoveFromInitiative drops a combatant from the order, first passing the
// turn on if it was theirs.
func (e *Engine) RemoveFromInitiative(ctx context.Context, encounterID string, ref CombatantRef) (TurnState, error) {
	var state TurnState
	err := e.do(ctx, encounterID, "remove_from_initiative", func(o *op) error {
		order, err := o.removeFromInitiative(ref, true)
		if err != nil {
			return err
		}
		state = turnState(o.enc.CurrentRound, order)
		return nil
	})
	return state, err
}

// EndCombat clears the turn order and resets the encounter to round 1.
func (e *Engine) EndCombat(ctx context.Context, encounterID string) error {
	return e.do(ctx, encounterID, "end_combat", func(o *op) error {
		if err := o.tx.ClearInitiative(o.ctx); err != nil {
			return err
		}
		o.touch(broker.TableInitiative, broker.OpDelete)

		conditions, err := o.tx.Conditions(o.ctx)
		if err != nil {
			return err
		}
		for _, c := range conditions {
			if err := o.tx.DeleteCondition(o.ctx, c.ID); err != nil {
				return err
			}
			o.touch(broker.TableConditions, broker.OpDelete)
		}
		effects, err := o.tx.Effects(o.ctx)
		if err != nil {
			return err
		}
		for _, eff := range effects {
			if err := o.tx.DeleteEffect(o.ctx, eff.ID); err != nil {
				return err
			}
			o.touch(broker.TableEffects, broker.OpDelete)
		}

		rounds := o.enc.CurrentRound
		o.enc.CurrentRound = 1
		o.enc.IsActive = false
		o.markEncounter()
		_, err = o.appendLog(ActionCombatEnded, "", intPtr(rounds), LogDetails{})
		return err
	})
}

// advance performs one forward step of the turn pointer including round
// boundary triggers and returns the reloaded order.
func (o *op) advance(order []InitiativeEntry) ([]InitiativeEntry, error) {
	if len(order) == 0 {
		return nil, apperr.New(apperr.KindInvalidInput, "no combatants in initiative")
	}
	idx := currentIndex(order)
	if idx < 0 {
		if err := o.beginTurn(order, 0); err != nil {
			return nil, err
		}
		cur := order[0]
		_, err := o.appendLog(ActionTurnAdvanced, cur.Combatant.ID, intPtr(o.enc.CurrentRound), LogDetails{TargetKind: cur.Combatant.Kind})
		return order, err
	}

	cursor := rules.NewTurnCursor(idx, len(order), o.enc.CurrentRound)
	if !cursor.Advance() {
		if err := o.beginTurn(order, cursor.Index()); err != nil {
			return nil, err
		}
	} else {
		// Clear the pointer so deaths during ticks never advance recursively.
		for i := range order {
			order[i].IsCurrentTurn = false
		}
		if err := o.tx.UpdateInitiative(o.ctx, order); err != nil {
			return nil, err
		}
		if err := o.roundBoundary(cursor.Round()); err != nil {
			return nil, err
		}
		var err error
		order, err = o.initiative()
		if err != nil {
			return nil, err
		}
		if len(order) == 0 {
			return order, nil
		}
		if err := o.beginTurn(order, 0); err != nil {
			return nil, err
		}
	}

	cur := order[currentIndex(order)]
	if _, err := o.appendLog(ActionTurnAdvanced, cur.Combatant.ID, intPtr(o.enc.CurrentRound), LogDetails{TargetKind: cur.Combatant.Kind}); err != nil {
		return nil, err
	}
	return order, nil
}

// roundBoundary runs the wrap sequence: end ticks for the finishing round,
// round increment, expiry sweep, then start ticks for the new round.
func (o *op) roundBoundary(newRound int) error {
	if err := o.tickEffects(o.enc.CurrentRound, rules.TimingEnd); err != nil {
		return err
	}
	o.enc.CurrentRound = newRound
	o.markEncounter()
	if err := o.sweepExpired(); err != nil {
		return err
	}
	return o.tickEffects(newRound, rules.TimingStart)
}

// beginTurn makes order[idx] current and refreshes a character's action economy.
func (o *op) beginTurn(order []InitiativeEntry, idx int) error {
	if err := o.setCurrent(order, idx); err != nil {
		return err
	}
	ref := order[idx].Combatant
	if ref.Kind != KindCharacter {
		return nil
	}
	return o.resetOnTurnStart(ref)
}

// removeFromInitiative deletes ref's entry. When passTurn is set and the
// entry holds the turn, the turn advances first unless it is the only entry.
func (o *op) removeFromInitiative(ref CombatantRef, passTurn bool) ([]InitiativeEntry, error) {
	order, err := o.initiative()
	if err != nil {
		return nil, err
	}
	pos := -1
	for i, entry := range order {
		if entry.Combatant == ref {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "%s is not in the initiative order", ref)
	}

	if order[pos].IsCurrentTurn && len(order) > 1 && passTurn {
		if _, err := o.advance(order); err != nil {
			return nil, err
		}
	}

	err = o.tx.DeleteInitiative(o.ctx, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		// Already removed by a death during the advance.
	case err != nil:
		return nil, err
	default:
		o.touch(broker.TableInitiative, broker.OpDelete)
		if _, err := o.appendLog(ActionInitiativeRemoved, ref.ID, nil, LogDetails{TargetKind: ref.Kind}); err != nil {
			return nil, err
		}
	}
	return o.initiative()
}
