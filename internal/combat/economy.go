package combat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/questforge/encounter-server/internal/apperr"
)

// ToggleActionEconomy flips one of a character's per-turn flags. The stored
// flags are the single source of truth; the gateway decides who may toggle.
func (e *Engine) ToggleActionEconomy(ctx context.Context, encounterID, characterID string, flag EconomyFlag) (ActionEconomy, error) {
	if !flag.Valid() {
		return ActionEconomy{}, apperr.Invalid("flag", "must be action, bonus_action or reaction")
	}
	var out ActionEconomy
	err := e.do(ctx, encounterID, "toggle_action_economy", func(o *op) error {
		stats, err := o.combatant(Character(characterID))
		if err != nil {
			return err
		}
		value := stats.ActionEconomy.Toggle(flag)
		if err := o.saveVitals(stats); err != nil {
			return err
		}
		if _, err := o.appendLog(ActionEconomyToggled, characterID, nil, LogDetails{
			TargetKind: KindCharacter,
			Extra:      map[string]string{"flag": string(flag), "used": fmt.Sprint(value)},
		}); err != nil {
			return err
		}
		out = stats.ActionEconomy
		return nil
	})
	return out, err
}

// ResourceUpdate sets a resource counter. Max is required for a resource the
// character does not have yet.
type ResourceUpdate struct {
	Kind    ResourceKind `json:"kind"`
	Current int          `json:"current"`
	Max     *int         `json:"max,omitempty"`
}

// SetResource writes one entry of a character's resource map.
func (e *Engine) SetResource(ctx context.Context, encounterID, characterID string, upd ResourceUpdate) (Resource, error) {
	upd.Kind = ResourceKind(strings.TrimSpace(string(upd.Kind)))
	if upd.Kind == "" {
		return Resource{}, apperr.Invalid("kind", "is required")
	}
	var out Resource
	err := e.do(ctx, encounterID, "set_resource", func(o *op) error {
		stats, err := o.combatant(Character(characterID))
		if err != nil {
			return err
		}
		res, ok := stats.Resources[upd.Kind]
		switch {
		case upd.Max != nil:
			res.Max = *upd.Max
		case !ok:
			return apperr.Invalid("max", "is required for a new resource")
		}
		if res.Max < 0 {
			return apperr.Invalid("max", "must not be negative")
		}
		if upd.Current < 0 || upd.Current > res.Max {
			return apperr.Invalid("current", fmt.Sprintf("must be between 0 and %d", res.Max))
		}
		res.Current = upd.Current
		if stats.Resources == nil {
			stats.Resources = make(map[ResourceKind]Resource)
		}
		stats.Resources[upd.Kind] = res
		if err := o.saveVitals(stats); err != nil {
			return err
		}
		if _, err := o.appendLog(ActionResourceSet, characterID, intPtr(res.Current), LogDetails{
			TargetKind: KindCharacter,
			Extra:      map[string]string{"kind": string(upd.Kind), "max": fmt.Sprint(res.Max)},
		}); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// resetOnTurnStart clears the three per-turn flags.
func (o *op) resetOnTurnStart(ref CombatantRef) error {
	stats, err := o.tx.Combatant(o.ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if stats.ActionEconomy == (ActionEconomy{}) {
		return nil
	}
	stats.ActionEconomy = ActionEconomy{}
	return o.saveVitals(stats)
}
