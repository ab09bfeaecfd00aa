package gateway

import (
	"context"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/ratelimit"
)

// ToggleEconomyRequest flips one action-economy flag.
type ToggleEconomyRequest struct {
	EncounterID string             `json:"encounter_id"`
	CharacterID string             `json:"character_id"`
	Flag        combat.EconomyFlag `json:"flag"`
}

// ToggleActionEconomy is allowed for the DM or the character's owner.
func (g *Gateway) ToggleActionEconomy(ctx context.Context, req ToggleEconomyRequest) (combat.ActionEconomy, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.ActionEconomy{}, err
	}
	if err := validID("character_id", req.CharacterID); err != nil {
		return combat.ActionEconomy{}, err
	}
	if err := g.requireOwner(ctx, a, req.CharacterID, "use actions"); err != nil {
		return combat.ActionEconomy{}, err
	}
	if !req.Flag.Valid() {
		return combat.ActionEconomy{}, apperr.Invalid("flag", "must be action, bonus_action or reaction")
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.ActionEconomy{}, err
	}
	return g.engine.ToggleActionEconomy(ctx, a.encounterID, req.CharacterID, req.Flag)
}

// DeathSaveRequest records one natural d20 death save.
type DeathSaveRequest struct {
	EncounterID string `json:"encounter_id"`
	CharacterID string `json:"character_id"`
	Roll        int    `json:"roll"`
}

// RecordDeathSave is allowed for the DM or the character's owner.
func (g *Gateway) RecordDeathSave(ctx context.Context, req DeathSaveRequest) (combat.DeathSaveResult, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.DeathSaveResult{}, err
	}
	if err := validID("character_id", req.CharacterID); err != nil {
		return combat.DeathSaveResult{}, err
	}
	if err := g.requireOwner(ctx, a, req.CharacterID, "roll death saves"); err != nil {
		return combat.DeathSaveResult{}, err
	}
	if err := validRange("roll", req.Roll, MinD20, MaxD20); err != nil {
		return combat.DeathSaveResult{}, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.DeathSaveResult{}, err
	}
	return g.engine.RecordDeathSave(ctx, a.encounterID, req.CharacterID, req.Roll)
}

// SetResourceRequest writes one tracked resource.
type SetResourceRequest struct {
	EncounterID string              `json:"encounter_id"`
	CharacterID string              `json:"character_id"`
	Kind        combat.ResourceKind `json:"kind"`
	Current     int                 `json:"current"`
	Max         *int                `json:"max,omitempty"`
}

// SetResource is allowed for the DM or the character's owner.
func (g *Gateway) SetResource(ctx context.Context, req SetResourceRequest) (combat.Resource, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.Resource{}, err
	}
	if err := validID("character_id", req.CharacterID); err != nil {
		return combat.Resource{}, err
	}
	if err := g.requireOwner(ctx, a, req.CharacterID, "track resources"); err != nil {
		return combat.Resource{}, err
	}
	if err := firstError(
		validText("kind", string(req.Kind), true, MaxNameLength),
		validRange("current", req.Current, 0, MaxResourceValue),
		validOptionalRange("max", req.Max, 0, MaxResourceValue),
	); err != nil {
		return combat.Resource{}, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return combat.Resource{}, err
	}
	return g.engine.SetResource(ctx, a.encounterID, req.CharacterID, combat.ResourceUpdate{
		Kind:    req.Kind,
		Current: req.Current,
		Max:     req.Max,
	})
}

// GetEncounterState returns the encounter snapshot to any authenticated caller.
func (g *Gateway) GetEncounterState(ctx context.Context, req EncounterRequest) (combat.EncounterState, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.EncounterState{}, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return combat.EncounterState{}, err
	}
	return g.engine.State(ctx, a.encounterID)
}

// CombatLogRequest pages the newest log entries.
type CombatLogRequest struct {
	EncounterID string `json:"encounter_id"`
	Limit       int    `json:"limit,omitempty"`
}

// GetCombatLog returns up to Limit of the newest entries in sequence order.
func (g *Gateway) GetCombatLog(ctx context.Context, req CombatLogRequest) ([]combat.LogEntry, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if err := validRange("limit", req.Limit, 0, combat.MaxLogPage); err != nil {
		return nil, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return nil, err
	}
	return g.engine.Log(ctx, a.encounterID, req.Limit)
}

// ActiveConditionsRequest lists one character's active conditions.
type ActiveConditionsRequest struct {
	EncounterID string `json:"encounter_id"`
	CharacterID string `json:"character_id"`
}

// ActiveConditions returns the conditions in force this round.
func (g *Gateway) ActiveConditions(ctx context.Context, req ActiveConditionsRequest) ([]combat.Condition, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if err := validID("character_id", req.CharacterID); err != nil {
		return nil, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return nil, err
	}
	return g.engine.ActiveConditions(ctx, a.encounterID, req.CharacterID)
}

// ActiveEffects lists the effects in force this round.
func (g *Gateway) ActiveEffects(ctx context.Context, req EncounterRequest) ([]combat.Effect, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return nil, err
	}
	return g.engine.Effects(ctx, a.encounterID)
}

// AuthorizeStream checks that the caller may watch encounterID's change
// stream. Opening a stream is charged to the standard budget.
func (g *Gateway) AuthorizeStream(ctx context.Context, encounterID string) error {
	a, err := g.resolve(ctx, encounterID)
	if err != nil {
		return err
	}
	return g.limit(a, ratelimit.BudgetStandard)
}
