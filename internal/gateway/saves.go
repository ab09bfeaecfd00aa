package gateway

import (
	"context"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
	"github.com/questforge/encounter-server/internal/ratelimit"
)

// CreateSavePromptRequest asks characters for a saving throw.
type CreateSavePromptRequest struct {
	EncounterID   string               `json:"encounter_id"`
	Ability       combat.Ability       `json:"ability"`
	DC            int                  `json:"dc"`
	Targets       []string             `json:"targets"`
	AdvantageMode combat.AdvantageMode `json:"advantage_mode,omitempty"`
	HalfOnSuccess bool                 `json:"half_on_success"`
	EffectID      string               `json:"effect_id,omitempty"`
}

// CreateSavePrompt is DM-only.
func (g *Gateway) CreateSavePrompt(ctx context.Context, req CreateSavePromptRequest) (combat.SavePrompt, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.SavePrompt{}, err
	}
	if err := g.requireDM(a, "request saving throws"); err != nil {
		return combat.SavePrompt{}, err
	}
	if !req.Ability.Valid() {
		return combat.SavePrompt{}, apperr.Invalid("ability", "unknown ability")
	}
	if req.AdvantageMode != "" && !req.AdvantageMode.Valid() {
		return combat.SavePrompt{}, apperr.Invalid("advantage_mode", "must be normal, advantage or disadvantage")
	}
	if err := firstError(
		validRange("dc", req.DC, combat.MinSaveDC, combat.MaxSaveDC),
		validRange("targets", len(req.Targets), 1, MaxSavePromptTargets),
	); err != nil {
		return combat.SavePrompt{}, err
	}
	for _, id := range req.Targets {
		if err := validID("targets", id); err != nil {
			return combat.SavePrompt{}, err
		}
	}
	if req.EffectID != "" {
		if err := validID("effect_id", req.EffectID); err != nil {
			return combat.SavePrompt{}, err
		}
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return combat.SavePrompt{}, err
	}
	return g.engine.CreateSavePrompt(ctx, a.encounterID, combat.SavePromptRequest{
		Ability:       req.Ability,
		DC:            req.DC,
		Targets:       req.Targets,
		AdvantageMode: req.AdvantageMode,
		HalfOnSuccess: req.HalfOnSuccess,
		EffectID:      req.EffectID,
	})
}

// SubmitSaveRequest is one character's answer to a save prompt.
type SubmitSaveRequest struct {
	SavePromptID string `json:"save_prompt_id"`
	CharacterID  string `json:"character_id"`
	Roll         int    `json:"roll"`
	Modifier     int    `json:"modifier"`
}

// SubmitSaveResult lets a player answer for their own character. The DM may
// answer for anyone. Duplicate submissions are rejected by the engine.
func (g *Gateway) SubmitSaveResult(ctx context.Context, req SubmitSaveRequest) (combat.SubmitResult, error) {
	if _, err := principal(ctx); err != nil {
		return combat.SubmitResult{}, err
	}
	if err := validID("save_prompt_id", req.SavePromptID); err != nil {
		return combat.SubmitResult{}, err
	}
	encounterID, err := g.dir.LocateSavePrompt(ctx, req.SavePromptID)
	if err != nil {
		return combat.SubmitResult{}, g.lookupError("save prompt", err)
	}
	a, err := g.resolve(ctx, encounterID)
	if err != nil {
		return combat.SubmitResult{}, err
	}
	if err := validID("character_id", req.CharacterID); err != nil {
		return combat.SubmitResult{}, err
	}
	if err := g.requireOwner(ctx, a, req.CharacterID, "submit saves"); err != nil {
		return combat.SubmitResult{}, err
	}
	if err := firstError(
		validRange("roll", req.Roll, MinD20, MaxD20),
		validRange("modifier", req.Modifier, MinSaveModifier, MaxSaveModifier),
	); err != nil {
		return combat.SubmitResult{}, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.SubmitResult{}, err
	}
	return g.engine.SubmitSaveResult(ctx, combat.SaveSubmission{
		PromptID:    req.SavePromptID,
		CharacterID: req.CharacterID,
		Roll:        req.Roll,
		Modifier:    req.Modifier,
	})
}

// SavePromptRequest addresses one prompt.
type SavePromptRequest struct {
	EncounterID  string `json:"encounter_id"`
	SavePromptID string `json:"save_prompt_id"`
}

// ResolveSavePrompt closes a prompt early. DM-only.
func (g *Gateway) ResolveSavePrompt(ctx context.Context, req SavePromptRequest) (combat.SavePrompt, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.SavePrompt{}, err
	}
	if err := g.requireDM(a, "resolve saves"); err != nil {
		return combat.SavePrompt{}, err
	}
	if err := validID("save_prompt_id", req.SavePromptID); err != nil {
		return combat.SavePrompt{}, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return combat.SavePrompt{}, err
	}
	return g.engine.ResolveSavePrompt(ctx, a.encounterID, req.SavePromptID)
}

// SavePromptStatus reads a prompt and its results. Any campaign participant
// may read it.
func (g *Gateway) SavePromptStatus(ctx context.Context, req SavePromptRequest) (combat.SavePromptDetail, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.SavePromptDetail{}, err
	}
	if err := validID("save_prompt_id", req.SavePromptID); err != nil {
		return combat.SavePromptDetail{}, err
	}
	if err := g.limit(a, ratelimit.BudgetStandard); err != nil {
		return combat.SavePromptDetail{}, err
	}
	return g.engine.SavePromptStatus(ctx, a.encounterID, req.SavePromptID)
}

// SaveDamageRequest applies damage to every target of a resolved prompt.
type SaveDamageRequest struct {
	EncounterID  string           `json:"encounter_id"`
	SavePromptID string           `json:"save_prompt_id"`
	Amount       int              `json:"amount"`
	DamageType   rules.DamageType `json:"damage_type"`
}

// ApplySaveDamage is DM-only.
func (g *Gateway) ApplySaveDamage(ctx context.Context, req SaveDamageRequest) ([]combat.DamageResult, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if err := g.requireDM(a, "apply save damage"); err != nil {
		return nil, err
	}
	if err := firstError(
		validDamageType("damage_type", req.DamageType),
		validID("save_prompt_id", req.SavePromptID),
		validRange("amount", req.Amount, 0, MaxAmount),
	); err != nil {
		return nil, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return nil, err
	}
	return g.engine.ApplySaveDamage(ctx, a.encounterID, combat.SaveDamageRequest{
		PromptID:   req.SavePromptID,
		Amount:     req.Amount,
		DamageType: req.DamageType,
	})
}
