package gateway

import (
	"context"
	"strings"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
	"github.com/questforge/encounter-server/internal/ratelimit"
)

// CombatantInput names one combatant in a request. Kind defaults to character.
type CombatantInput struct {
	ID         string               `json:"id"`
	Kind       combat.CombatantKind `json:"kind,omitempty"`
	ManualRoll *int                 `json:"manual_roll,omitempty"`
}

func (c CombatantInput) ref(field string) (combat.CombatantRef, error) {
	kind := c.Kind
	if kind == "" {
		kind = combat.KindCharacter
	}
	if !kind.Valid() {
		return combat.CombatantRef{}, apperr.Invalid(field+".kind", "must be character or monster")
	}
	if err := validID(field+".id", c.ID); err != nil {
		return combat.CombatantRef{}, err
	}
	return combat.CombatantRef{ID: c.ID, Kind: kind}, nil
}

// ownedBy authorizes an action on ref: the DM for anything, a player only for
// their own character.
func (g *Gateway) ownedBy(ctx context.Context, a *access, ref combat.CombatantRef, operation string) error {
	if a.dm {
		return nil
	}
	if ref.Kind != combat.KindCharacter {
		return g.requireDM(a, operation)
	}
	return g.requireOwner(ctx, a, ref.ID, operation)
}

// RollInitiativeRequest seats combatants in the turn order.
type RollInitiativeRequest struct {
	EncounterID string           `json:"encounter_id"`
	Combatants  []CombatantInput `json:"combatants"`
}

// RollInitiative seats 1 to 20 combatants atomically. Players may only roll
// for their own characters.
func (g *Gateway) RollInitiative(ctx context.Context, req RollInitiativeRequest) ([]combat.InitiativeEntry, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if err := validRange("combatants", len(req.Combatants), MinCombatants, MaxCombatants); err != nil {
		return nil, err
	}
	rolls := make([]combat.InitiativeRoll, 0, len(req.Combatants))
	for _, c := range req.Combatants {
		ref, err := c.ref("combatants")
		if err != nil {
			return nil, err
		}
		if err := g.ownedBy(ctx, a, ref, "roll initiative"); err != nil {
			return nil, err
		}
		if err := validOptionalRange("combatants.manual_roll", c.ManualRoll, rules.MinManualInitiative, rules.MaxManualInitiative); err != nil {
			return nil, err
		}
		rolls = append(rolls, combat.InitiativeRoll{Combatant: ref, ManualRoll: c.ManualRoll})
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return nil, err
	}
	return g.engine.RollInitiative(ctx, a.encounterID, rolls)
}

// DamageRequest applies damage to one combatant. Round is the round the
// client believes is current; the server's round is authoritative.
type DamageRequest struct {
	EncounterID string           `json:"encounter_id"`
	Target      CombatantInput   `json:"target"`
	Amount      int              `json:"amount"`
	DamageType  rules.DamageType `json:"damage_type"`
	Round       int              `json:"round,omitempty"`
	Source      string           `json:"source,omitempty"`
}

// ApplyDamage is DM-only.
func (g *Gateway) ApplyDamage(ctx context.Context, req DamageRequest) (combat.DamageResult, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.DamageResult{}, err
	}
	if err := g.requireDM(a, "apply damage"); err != nil {
		return combat.DamageResult{}, err
	}
	ref, err := req.Target.ref("target")
	if err != nil {
		return combat.DamageResult{}, err
	}
	if err := firstError(
		validRange("amount", req.Amount, 0, MaxAmount),
		validDamageType("damage_type", req.DamageType),
		validRange("round", req.Round, 0, MaxRound),
		validText("source", req.Source, false, MaxSourceLength),
	); err != nil {
		return combat.DamageResult{}, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.DamageResult{}, err
	}
	return g.engine.ApplyDamage(ctx, a.encounterID, combat.DamageRequest{
		Target:     ref,
		Amount:     req.Amount,
		DamageType: req.DamageType,
		Source:     strings.TrimSpace(req.Source),
	})
}

// HealingRequest restores hit points to one combatant.
type HealingRequest struct {
	EncounterID string         `json:"encounter_id"`
	Target      CombatantInput `json:"target"`
	Amount      int            `json:"amount"`
	Round       int            `json:"round,omitempty"`
	Source      string         `json:"source,omitempty"`
}

// ApplyHealing is DM-only.
func (g *Gateway) ApplyHealing(ctx context.Context, req HealingRequest) (combat.HealingResult, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.HealingResult{}, err
	}
	if err := g.requireDM(a, "apply healing"); err != nil {
		return combat.HealingResult{}, err
	}
	ref, err := req.Target.ref("target")
	if err != nil {
		return combat.HealingResult{}, err
	}
	if err := firstError(
		validRange("amount", req.Amount, 0, MaxAmount),
		validRange("round", req.Round, 0, MaxRound),
		validText("source", req.Source, false, MaxSourceLength),
	); err != nil {
		return combat.HealingResult{}, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.HealingResult{}, err
	}
	return g.engine.ApplyHealing(ctx, a.encounterID, combat.HealingRequest{
		Target: ref,
		Amount: req.Amount,
		Source: strings.TrimSpace(req.Source),
	})
}

// AdvanceTurnRequest ends the current turn. ExpectedCurrent, when set, must
// name the combatant whose turn is ending.
type AdvanceTurnRequest struct {
	EncounterID     string `json:"encounter_id"`
	ExpectedCurrent string `json:"expected_current,omitempty"`
}

// AdvanceTurn is allowed for the DM, or for a player ending their own
// character's turn. Players must name that character in ExpectedCurrent.
func (g *Gateway) AdvanceTurn(ctx context.Context, req AdvanceTurnRequest) (combat.TurnState, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.TurnState{}, err
	}
	if !a.dm {
		if req.ExpectedCurrent == "" {
			return combat.TurnState{}, apperr.New(apperr.KindForbidden, "players may only end their own turn")
		}
		if err := g.requireOwner(ctx, a, req.ExpectedCurrent, "end the turn"); err != nil {
			return combat.TurnState{}, err
		}
	} else if req.ExpectedCurrent != "" {
		if err := validID("expected_current", req.ExpectedCurrent); err != nil {
			return combat.TurnState{}, err
		}
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.TurnState{}, err
	}
	return g.engine.NextTurn(ctx, a.encounterID, req.ExpectedCurrent)
}

// EncounterRequest addresses an encounter with no further payload.
type EncounterRequest struct {
	EncounterID string `json:"encounter_id"`
}

// StartCombat is DM-only.
func (g *Gateway) StartCombat(ctx context.Context, req EncounterRequest) (combat.TurnState, error) {
	a, err := g.dmOnly(ctx, req.EncounterID, "start combat", ratelimit.BudgetCombat)
	if err != nil {
		return combat.TurnState{}, err
	}
	return g.engine.StartCombat(ctx, a.encounterID)
}

// PreviousTurn is DM-only.
func (g *Gateway) PreviousTurn(ctx context.Context, req EncounterRequest) (combat.TurnState, error) {
	a, err := g.dmOnly(ctx, req.EncounterID, "revert the turn", ratelimit.BudgetCombat)
	if err != nil {
		return combat.TurnState{}, err
	}
	return g.engine.PreviousTurn(ctx, a.encounterID)
}

// EndCombat is DM-only and charged to the strict budget.
func (g *Gateway) EndCombat(ctx context.Context, req EncounterRequest) error {
	a, err := g.dmOnly(ctx, req.EncounterID, "end combat", ratelimit.BudgetStrict)
	if err != nil {
		return err
	}
	return g.engine.EndCombat(ctx, a.encounterID)
}

// RemoveFromInitiativeRequest takes one combatant out of the order.
type RemoveFromInitiativeRequest struct {
	EncounterID string         `json:"encounter_id"`
	Combatant   CombatantInput `json:"combatant"`
}

// RemoveFromInitiative is DM-only.
func (g *Gateway) RemoveFromInitiative(ctx context.Context, req RemoveFromInitiativeRequest) (combat.TurnState, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.TurnState{}, err
	}
	if err := g.requireDM(a, "remove combatants"); err != nil {
		return combat.TurnState{}, err
	}
	ref, err := req.Combatant.ref("combatant")
	if err != nil {
		return combat.TurnState{}, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.TurnState{}, err
	}
	return g.engine.RemoveFromInitiative(ctx, a.encounterID, ref)
}

func (g *Gateway) dmOnly(ctx context.Context, encounterID, operation string, budget ratelimit.Budget) (*access, error) {
	a, err := g.resolve(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if err := g.requireDM(a, operation); err != nil {
		return nil, err
	}
	if err := g.limit(a, budget); err != nil {
		return nil, err
	}
	return a, nil
}

// ApplyConditionRequest attaches a condition. At most one of EndsAtRound and
// DurationRounds may be set; neither means indefinite.
type ApplyConditionRequest struct {
	EncounterID    string              `json:"encounter_id"`
	CharacterID    string              `json:"character_id"`
	Condition      rules.ConditionType `json:"condition"`
	EndsAtRound    *int                `json:"ends_at_round,omitempty"`
	DurationRounds *int                `json:"duration_rounds,omitempty"`
}

// ApplyCondition is DM-only.
func (g *Gateway) ApplyCondition(ctx context.Context, req ApplyConditionRequest) (combat.ApplyConditionResult, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.ApplyConditionResult{}, err
	}
	if err := g.requireDM(a, "apply conditions"); err != nil {
		return combat.ApplyConditionResult{}, err
	}
	cond, err := rules.ParseConditionType(string(req.Condition))
	if err != nil {
		return combat.ApplyConditionResult{}, apperr.Invalid("condition", "unknown condition")
	}
	if err := firstError(
		validID("character_id", req.CharacterID),
		validOptionalRange("ends_at_round", req.EndsAtRound, 1, MaxRound),
		validOptionalRange("duration_rounds", req.DurationRounds, 1, MaxDurationRounds),
	); err != nil {
		return combat.ApplyConditionResult{}, err
	}
	if req.EndsAtRound != nil && req.DurationRounds != nil {
		return combat.ApplyConditionResult{}, apperr.Invalid("duration_rounds", "cannot be combined with ends_at_round")
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return combat.ApplyConditionResult{}, err
	}
	return g.engine.ApplyCondition(ctx, a.encounterID, combat.ConditionRequest{
		CharacterID:    req.CharacterID,
		Type:           cond,
		EndsAtRound:    req.EndsAtRound,
		DurationRounds: req.DurationRounds,
	})
}

// RemoveConditionRequest deletes one condition.
type RemoveConditionRequest struct {
	EncounterID string `json:"encounter_id"`
	ConditionID string `json:"condition_id"`
}

// RemoveCondition is DM-only.
func (g *Gateway) RemoveCondition(ctx context.Context, req RemoveConditionRequest) error {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return err
	}
	if err := g.requireDM(a, "remove conditions"); err != nil {
		return err
	}
	if err := validID("condition_id", req.ConditionID); err != nil {
		return err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return err
	}
	return g.engine.RemoveCondition(ctx, a.encounterID, req.ConditionID)
}

// Effect management actions.
const (
	EffectCreate = "create"
	EffectDelete = "delete"
)

// EffectPayload describes an effect to create.
type EffectPayload struct {
	Target                   CombatantInput   `json:"target"`
	Name                     string           `json:"name"`
	DurationRounds           *int             `json:"duration_rounds,omitempty"`
	EndRound                 *int             `json:"end_round,omitempty"`
	RequiresConcentration    bool             `json:"requires_concentration"`
	ConcentratingCharacterID string           `json:"concentrating_character_id,omitempty"`
	DamagePerTick            *int             `json:"damage_per_tick,omitempty"`
	DamageTypePerTick        rules.DamageType `json:"damage_type_per_tick,omitempty"`
	TicksAt                  rules.Timing     `json:"ticks_at"`
}

// ManageEffectRequest creates or deletes an effect.
type ManageEffectRequest struct {
	EncounterID string         `json:"encounter_id"`
	Action      string         `json:"action"`
	EffectID    string         `json:"effect_id,omitempty"`
	Effect      *EffectPayload `json:"effect,omitempty"`
}

// ManageEffectResponse reports the outcome of ManageEffect.
type ManageEffectResponse struct {
	Action   string           `json:"action"`
	Effect   *combat.Effect   `json:"effect,omitempty"`
	Replaced []combat.Effect  `json:"replaced,omitempty"`
	LogEntry *combat.LogEntry `json:"log_entry,omitempty"`
	Deleted  string           `json:"deleted,omitempty"`
}

// ManageEffect is DM-only.
func (g *Gateway) ManageEffect(ctx context.Context, req ManageEffectRequest) (ManageEffectResponse, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return ManageEffectResponse{}, err
	}
	if err := g.requireDM(a, "manage effects"); err != nil {
		return ManageEffectResponse{}, err
	}

	switch req.Action {
	case EffectDelete:
		if err := validID("effect_id", req.EffectID); err != nil {
			return ManageEffectResponse{}, err
		}
		if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
			return ManageEffectResponse{}, err
		}
		if err := g.engine.DeleteEffect(ctx, a.encounterID, req.EffectID); err != nil {
			return ManageEffectResponse{}, err
		}
		return ManageEffectResponse{Action: EffectDelete, Deleted: req.EffectID}, nil

	case EffectCreate:
		effReq, err := req.Effect.validate()
		if err != nil {
			return ManageEffectResponse{}, err
		}
		if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
			return ManageEffectResponse{}, err
		}
		res, err := g.engine.CreateEffect(ctx, a.encounterID, effReq)
		if err != nil {
			return ManageEffectResponse{}, err
		}
		return ManageEffectResponse{
			Action:   EffectCreate,
			Effect:   &res.Effect,
			Replaced: res.Replaced,
			LogEntry: &res.LogEntry,
		}, nil

	default:
		return ManageEffectResponse{}, apperr.Invalid("action", "must be create or delete")
	}
}

func (p *EffectPayload) validate() (combat.EffectRequest, error) {
	if p == nil {
		return combat.EffectRequest{}, apperr.Invalid("effect", "is required")
	}
	ref, err := p.Target.ref("effect.target")
	if err != nil {
		return combat.EffectRequest{}, err
	}
	if err := firstError(
		validText("effect.name", p.Name, true, MaxNameLength),
		validOptionalRange("effect.duration_rounds", p.DurationRounds, 1, MaxDurationRounds),
		validOptionalRange("effect.end_round", p.EndRound, 1, MaxRound),
		validOptionalRange("effect.damage_per_tick", p.DamagePerTick, 0, MaxAmount),
	); err != nil {
		return combat.EffectRequest{}, err
	}
	if p.ConcentratingCharacterID != "" {
		if err := validID("effect.concentrating_character_id", p.ConcentratingCharacterID); err != nil {
			return combat.EffectRequest{}, err
		}
	}
	if p.DamagePerTick != nil {
		if err := validDamageType("effect.damage_type_per_tick", p.DamageTypePerTick); err != nil {
			return combat.EffectRequest{}, err
		}
	}
	return combat.EffectRequest{
		Target:                   ref,
		Name:                     strings.TrimSpace(p.Name),
		DurationRounds:           p.DurationRounds,
		EndRound:                 p.EndRound,
		RequiresConcentration:    p.RequiresConcentration,
		ConcentratingCharacterID: p.ConcentratingCharacterID,
		DamagePerTick:            p.DamagePerTick,
		DamageTypePerTick:        p.DamageTypePerTick,
		TicksAt:                  p.TicksAt,
	}, nil
}

// BreakConcentrationRequest ends a caster's concentration.
type BreakConcentrationRequest struct {
	EncounterID string `json:"encounter_id"`
	CasterID    string `json:"caster_id"`
}

// BreakConcentration is allowed for the DM or the caster's owner.
func (g *Gateway) BreakConcentration(ctx context.Context, req BreakConcentrationRequest) ([]combat.Effect, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if err := validID("caster_id", req.CasterID); err != nil {
		return nil, err
	}
	if err := g.requireOwner(ctx, a, req.CasterID, "drop concentration"); err != nil {
		return nil, err
	}
	if err := g.limit(a, ratelimit.BudgetCombat); err != nil {
		return nil, err
	}
	return g.engine.BreakConcentration(ctx, a.encounterID, req.CasterID)
}

// UndoRequest reverses one log entry.
type UndoRequest struct {
	EncounterID string `json:"encounter_id"`
	LogEntryID  string `json:"log_entry_id"`
}

// UndoAction is DM-only and charged to the strict budget.
func (g *Gateway) UndoAction(ctx context.Context, req UndoRequest) (combat.LogEntry, error) {
	a, err := g.resolve(ctx, req.EncounterID)
	if err != nil {
		return combat.LogEntry{}, err
	}
	if err := g.requireDM(a, "undo actions"); err != nil {
		return combat.LogEntry{}, err
	}
	if err := validID("log_entry_id", req.LogEntryID); err != nil {
		return combat.LogEntry{}, err
	}
	if err := g.limit(a, ratelimit.BudgetStrict); err != nil {
		return combat.LogEntry{}, err
	}
	return g.engine.Undo(ctx, a.encounterID, req.LogEntryID)
}

func validDamageType(field string, d rules.DamageType) error {
	if !d.Valid() {
		return apperr.Invalid(field, "unknown damage type")
	}
	return nil
}
