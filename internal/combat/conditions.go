package combat

import (
	"context"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// ConditionRequest applies a condition. EndsAtRound takes precedence over
// DurationRounds; neither means the condition lasts until removed.
type ConditionRequest struct {
	CharacterID    string              `json:"character_id"`
	Type           rules.ConditionType `json:"condition_type"`
	DurationRounds *int                `json:"duration_rounds,omitempty"`
	EndsAtRound    *int                `json:"ends_at_round,omitempty"`
}

// ApplyConditionResult returns the stored condition and its log entry.
type ApplyConditionResult struct {
	Condition Condition `json:"condition"`
	LogEntry  LogEntry  `json:"log_entry"`
}

// ApplyCondition records a status condition on a character.
func (e *Engine) ApplyCondition(ctx context.Context, encounterID string, req ConditionRequest) (ApplyConditionResult, error) {
	if req.CharacterID == "" {
		return ApplyConditionResult{}, apperr.Invalid("character_id", "is required")
	}
	if !req.Type.Valid() {
		return ApplyConditionResult{}, apperr.Invalid("condition_type", "unknown condition")
	}
	if req.DurationRounds != nil && *req.DurationRounds < 1 {
		return ApplyConditionResult{}, apperr.Invalid("duration_rounds", "must be at least 1")
	}

	var res ApplyConditionResult
	err := e.do(ctx, encounterID, "apply_condition", func(o *op) error {
		round := o.enc.CurrentRound
		endsAt := req.EndsAtRound
		if endsAt == nil && req.DurationRounds != nil {
			endsAt = intPtr(rules.EndsAt(round, *req.DurationRounds))
		}
		if endsAt != nil && *endsAt <= round {
			return apperr.Invalid("ends_at_round", "must be after the current round")
		}

		c := Condition{
			ID:          o.newID(),
			EncounterID: o.enc.ID,
			CharacterID: req.CharacterID,
			Type:        req.Type,
			EndsAtRound: endsAt,
			CreatedAt:   o.now(),
		}
		if err := o.tx.InsertCondition(o.ctx, c); err != nil {
			return err
		}
		o.touch(broker.TableConditions, broker.OpInsert)

		entry, err := o.appendLog(ActionEffectApplied, req.CharacterID, nil, LogDetails{
			Kind:  RefCondition,
			RefID: c.ID,
			Note:  string(c.Type),
		})
		if err != nil {
			return err
		}
		res = ApplyConditionResult{Condition: c, LogEntry: entry}
		return nil
	})
	return res, err
}

// RemoveCondition clears a condition manually.
func (e *Engine) RemoveCondition(ctx context.Context, encounterID, conditionID string) error {
	return e.do(ctx, encounterID, "remove_condition", func(o *op) error {
		conditions, err := o.tx.Conditions(o.ctx)
		if err != nil {
			return err
		}
		var found *Condition
		for i := range conditions {
			if conditions[i].ID == conditionID {
				found = &conditions[i]
				break
			}
		}
		if found == nil {
			return apperr.Newf(apperr.KindNotFound, "condition %s not found", conditionID)
		}
		if err := o.tx.DeleteCondition(o.ctx, conditionID); err != nil {
			return err
		}
		o.touch(broker.TableConditions, broker.OpDelete)
		_, err = o.appendLog(ActionConditionRemoved, found.CharacterID, nil, LogDetails{
			Kind:  RefCondition,
			RefID: found.ID,
			Note:  string(found.Type),
		})
		return err
	})
}

// ActiveConditions lists conditions in force this round, optionally for one
// character. Expired rows that have not been swept yet are filtered out.
func (e *Engine) ActiveConditions(ctx context.Context, encounterID, characterID string) ([]Condition, error) {
	var out []Condition
	err := e.do(ctx, encounterID, "active_conditions", func(o *op) error {
		var err error
		out, err = o.activeConditions(characterID)
		return err
	})
	return out, err
}

func (o *op) activeConditions(characterID string) ([]Condition, error) {
	all, err := o.tx.Conditions(o.ctx)
	if err != nil {
		return nil, err
	}
	var out []Condition
	for _, c := range all {
		if characterID != "" && c.CharacterID != characterID {
			continue
		}
		if c.ActiveAt(o.enc.CurrentRound) {
			out = append(out, c)
		}
	}
	return out, nil
}
