package combat

import (
	"context"
	"errors"
	"strings"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// EffectRequest creates an effect. EndRound takes precedence over
// DurationRounds; neither means the effect lasts until removed.
type EffectRequest struct {
	Target                   CombatantRef     `json:"target"`
	Name                     string           `json:"name"`
	DurationRounds           *int             `json:"duration_rounds,omitempty"`
	EndRound                 *int             `json:"end_round,omitempty"`
	RequiresConcentration    bool             `json:"requires_concentration"`
	ConcentratingCharacterID string           `json:"concentrating_character_id,omitempty"`
	DamagePerTick            *int             `json:"damage_per_tick,omitempty"`
	DamageTypePerTick        rules.DamageType `json:"damage_type_per_tick,omitempty"`
	TicksAt                  rules.Timing     `json:"ticks_at"`
}

// CreateEffectResult returns the new effect and any concentration it replaced.
type CreateEffectResult struct {
	Effect   Effect   `json:"effect"`
	Replaced []Effect `json:"replaced,omitempty"`
	LogEntry LogEntry `json:"log_entry"`
}

// CreateEffect attaches an effect to a combatant. A new concentration effect
// ends the caster's previous one.
func (e *Engine) CreateEffect(ctx context.Context, encounterID string, req EffectRequest) (CreateEffectResult, error) {
	if strings.TrimSpace(req.Name) == "" {
		return CreateEffectResult{}, apperr.Invalid("name", "is required")
	}
	if req.RequiresConcentration && req.ConcentratingCharacterID == "" {
		return CreateEffectResult{}, apperr.Invalid("concentrating_character_id", "is required for concentration effects")
	}
	if req.DurationRounds != nil && *req.DurationRounds < 1 {
		return CreateEffectResult{}, apperr.Invalid("duration_rounds", "must be at least 1")
	}
	if req.DamagePerTick != nil {
		if *req.DamagePerTick < 0 {
			return CreateEffectResult{}, apperr.Invalid("damage_per_tick", "must not be negative")
		}
		if !req.DamageTypePerTick.Valid() {
			return CreateEffectResult{}, apperr.Invalid("damage_type_per_tick", "unknown damage type")
		}
	}
	if req.Target.Kind == "" {
		req.Target.Kind = KindCharacter
	}

	var res CreateEffectResult
	err := e.do(ctx, encounterID, "create_effect", func(o *op) error {
		round := o.enc.CurrentRound
		endRound := req.EndRound
		if endRound == nil && req.DurationRounds != nil {
			endRound = intPtr(rules.EndsAt(round, *req.DurationRounds))
		}
		if endRound != nil && *endRound <= round {
			return apperr.Invalid("end_round", "must be after the current round")
		}

		if req.RequiresConcentration {
			replaced, err := o.breakConcentration(req.ConcentratingCharacterID, "replaced")
			if err != nil {
				return err
			}
			res.Replaced = replaced
		}

		eff := Effect{
			ID:                    o.newID(),
			EncounterID:           o.enc.ID,
			CharacterID:           req.Target.ID,
			TargetKind:            req.Target.Kind,
			Name:                  strings.TrimSpace(req.Name),
			StartRound:            round,
			EndRound:              endRound,
			RequiresConcentration: req.RequiresConcentration,
			DamagePerTick:         req.DamagePerTick,
			DamageTypePerTick:     req.DamageTypePerTick,
			TicksAt:               req.TicksAt,
			CreatedAt:             o.now(),
		}
		if req.RequiresConcentration {
			caster := req.ConcentratingCharacterID
			eff.ConcentratingCharacterID = &caster
		}
		if err := o.tx.InsertEffect(o.ctx, eff); err != nil {
			return err
		}
		o.touch(broker.TableEffects, broker.OpInsert)

		entry, err := o.appendLog(ActionEffectApplied, req.Target.ID, nil, LogDetails{
			TargetKind: req.Target.Kind,
			Kind:       RefEffect,
			RefID:      eff.ID,
			Note:       eff.Name,
		})
		if err != nil {
			return err
		}
		res.Effect = eff
		res.LogEntry = entry
		return nil
	})
	return res, err
}

// DeleteEffect removes an effect explicitly.
func (e *Engine) DeleteEffect(ctx context.Context, encounterID, effectID string) error {
	return e.do(ctx, encounterID, "delete_effect", func(o *op) error {
		eff, err := o.findEffect(effectID)
		if err != nil {
			return err
		}
		if err := o.tx.DeleteEffect(o.ctx, effectID); err != nil {
			return err
		}
		o.touch(broker.TableEffects, broker.OpDelete)
		_, err = o.appendLog(ActionEffectRemoved, eff.CharacterID, nil, LogDetails{
			TargetKind: eff.TargetKind,
			Kind:       RefEffect,
			RefID:      eff.ID,
			Note:       eff.Name,
		})
		return err
	})
}

// BreakConcentration ends every concentration effect held by casterID.
func (e *Engine) BreakConcentration(ctx context.Context, encounterID, casterID string) ([]Effect, error) {
	var broken []Effect
	err := e.do(ctx, encounterID, "break_concentration", func(o *op) error {
		var err error
		broken, err = o.breakConcentration(casterID, "manual")
		return err
	})
	return broken, err
}

// Effects lists the effects active this round.
func (e *Engine) Effects(ctx context.Context, encounterID string) ([]Effect, error) {
	var out []Effect
	err := e.do(ctx, encounterID, "list_effects", func(o *op) error {
		all, err := o.tx.Effects(o.ctx)
		if err != nil {
			return err
		}
		for _, eff := range all {
			if eff.ActiveAt(o.enc.CurrentRound) {
				out = append(out, eff)
			}
		}
		return nil
	})
	return out, err
}

func (o *op) findEffect(id string) (*Effect, error) {
	effects, err := o.tx.Effects(o.ctx)
	if err != nil {
		return nil, err
	}
	for i := range effects {
		if effects[i].ID == id {
			return &effects[i], nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "effect %s not found", id)
}

func (o *op) breakConcentration(casterID, reason string) ([]Effect, error) {
	effects, err := o.tx.Effects(o.ctx)
	if err != nil {
		return nil, err
	}
	var broken []Effect
	for _, eff := range effects {
		if !eff.ConcentratedBy(casterID) {
			continue
		}
		if err := o.tx.DeleteEffect(o.ctx, eff.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		broken = append(broken, eff)
	}
	if len(broken) == 0 {
		return nil, nil
	}
	o.touch(broker.TableEffects, broker.OpDelete)
	_, err = o.appendLog(ActionConcentrationBroke, casterID, intPtr(len(broken)), LogDetails{Note: reason})
	return broken, err
}

// tickEffects deals periodic damage for effects firing at timing in round.
// LastTickRound keeps an effect to one tick per round.
func (o *op) tickEffects(round int, timing rules.Timing) error {
	effects, err := o.tx.Effects(o.ctx)
	if err != nil {
		return err
	}
	for _, eff := range effects {
		if eff.TicksAt != timing || eff.DamagePerTick == nil || !eff.ActiveAt(round) {
			continue
		}
		if eff.LastTickRound >= round {
			continue
		}
		eff.LastTickRound = round
		err := o.tx.UpdateEffect(o.ctx, eff)
		if errors.Is(err, ErrNotFound) {
			// Ended by an earlier tick in this pass.
			continue
		}
		if err != nil {
			return err
		}
		o.touch(broker.TableEffects, broker.OpUpdate)

		_, err = o.applyDamage(DamageRequest{
			Target:     eff.Target(),
			Amount:     *eff.DamagePerTick,
			DamageType: eff.DamageTypePerTick,
			Source:     "effect:" + eff.ID,
		})
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Kind == apperr.KindNotFound {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sweepExpired deletes conditions and effects that no longer apply.
func (o *op) sweepExpired() error {
	round := o.enc.CurrentRound
	conditions, err := o.tx.Conditions(o.ctx)
	if err != nil {
		return err
	}
	for _, c := range conditions {
		if c.ActiveAt(round) {
			continue
		}
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
		if eff.ActiveAt(round) {
			continue
		}
		if err := o.tx.DeleteEffect(o.ctx, eff.ID); err != nil {
			return err
		}
		o.touch(broker.TableEffects, broker.OpDelete)
	}
	return nil
}
