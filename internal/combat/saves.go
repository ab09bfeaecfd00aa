package combat

import (
	"context"
	"errors"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// Reasons attached to save workflow errors.
const (
	ReasonAlreadySubmitted = "already_submitted"
	ReasonNotTargeted      = "not_targeted"
	ReasonPromptClosed     = "prompt_closed"
	ReasonDamageApplied    = "damage_applied"
)

// Save DCs must fall in this range.
const (
	MinSaveDC = 1
	MaxSaveDC = 30
)

// SavePromptRequest opens a saving throw for a group of characters.
type SavePromptRequest struct {
	Ability       Ability       `json:"ability"`
	DC            int           `json:"dc"`
	Targets       []string      `json:"targets"`
	AdvantageMode AdvantageMode `json:"advantage_mode"`
	HalfOnSuccess bool          `json:"half_on_success"`
	EffectID      string        `json:"effect_id,omitempty"`
}

// SaveSubmission is one character's roll against a prompt.
type SaveSubmission struct {
	PromptID    string `json:"save_prompt_id"`
	CharacterID string `json:"character_id"`
	Roll        int    `json:"roll"`
	Modifier    int    `json:"modifier"`
}

// SubmitResult returns the stored result and the prompt after submission.
type SubmitResult struct {
	Result SaveResult `json:"result"`
	Prompt SavePrompt `json:"prompt"`
	// ConcentrationBroken lists effects lost to a failed concentration check.
	ConcentrationBroken []Effect `json:"concentration_broken,omitempty"`
}

// SaveDamageRequest applies damage to every character that answered a prompt.
type SaveDamageRequest struct {
	PromptID   string           `json:"save_prompt_id"`
	Amount     int              `json:"amount"`
	DamageType rules.DamageType `json:"damage_type"`
}

// CreateSavePrompt opens an active prompt.
func (e *Engine) CreateSavePrompt(ctx context.Context, encounterID string, req SavePromptRequest) (SavePrompt, error) {
	if !req.Ability.Valid() {
		return SavePrompt{}, apperr.Invalid("ability", "unknown ability")
	}
	if req.DC < MinSaveDC || req.DC > MaxSaveDC {
		return SavePrompt{}, apperr.Invalid("dc", "must be between 1 and 30")
	}
	if req.AdvantageMode == "" {
		req.AdvantageMode = AdvantageNormal
	}
	if !req.AdvantageMode.Valid() {
		return SavePrompt{}, apperr.Invalid("advantage_mode", "must be normal, advantage or disadvantage")
	}
	for _, id := range req.Targets {
		if id == "" {
			return SavePrompt{}, apperr.Invalid("targets", "must not contain empty ids")
		}
	}

	var prompt SavePrompt
	err := e.do(ctx, encounterID, "create_save_prompt", func(o *op) error {
		if req.EffectID != "" {
			if _, err := o.findEffect(req.EffectID); err != nil {
				return err
			}
		}
		p, err := o.openPrompt(SavePrompt{
			Ability:       req.Ability,
			DC:            req.DC,
			Targets:       append([]string(nil), req.Targets...),
			AdvantageMode: req.AdvantageMode,
			HalfOnSuccess: req.HalfOnSuccess,
			Purpose:       PurposeGeneral,
			EffectID:      req.EffectID,
		})
		prompt = p
		return err
	})
	return prompt, err
}

// SubmitSaveResult records one roll. A second submission for the same
// character is a conflict even after the prompt closed; first submissions to
// closed prompts are stale.
func (e *Engine) SubmitSaveResult(ctx context.Context, sub SaveSubmission) (SubmitResult, error) {
	if sub.Roll < 1 || sub.Roll > 20 {
		return SubmitResult{}, apperr.Invalid("roll", "must be between 1 and 20")
	}
	if sub.CharacterID == "" {
		return SubmitResult{}, apperr.Invalid("character_id", "is required")
	}
	encounterID, err := e.store.LocateSavePrompt(ctx, sub.PromptID)
	if errors.Is(err, ErrNotFound) {
		return SubmitResult{}, apperr.Newf(apperr.KindNotFound, "save prompt %s not found", sub.PromptID)
	}
	if err != nil {
		return SubmitResult{}, apperr.Internal("locate save prompt", err)
	}

	var res SubmitResult
	err = e.do(ctx, encounterID, "submit_save_result", func(o *op) error {
		prompt, err := o.prompt(sub.PromptID)
		if err != nil {
			return err
		}
		results, err := o.tx.SaveResults(o.ctx, prompt.ID)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.CharacterID == sub.CharacterID {
				return alreadySubmitted()
			}
		}

		if o.expireIfDue(prompt) {
			if err := o.updatePrompt(*prompt); err != nil {
				return err
			}
		}
		if prompt.Status != PromptActive {
			o.deferred = apperr.WithReason(apperr.KindStaleState, ReasonPromptClosed, "save prompt is no longer active")
			return nil
		}
		if !prompt.Targeted(sub.CharacterID) {
			return apperr.WithReason(apperr.KindInvalidInput, ReasonNotTargeted, "character was not asked to make this save")
		}

		total := sub.Roll + sub.Modifier
		result := SaveResult{
			SavePromptID: prompt.ID,
			CharacterID:  sub.CharacterID,
			Roll:         sub.Roll,
			Modifier:     sub.Modifier,
			Total:        total,
			Success:      total >= prompt.DC,
			CreatedAt:    o.now(),
		}
		if err := o.tx.InsertSaveResult(o.ctx, result); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return alreadySubmitted()
			}
			return err
		}
		o.touch(broker.TableSaveResults, broker.OpInsert)
		results = append(results, result)

		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		if _, err := o.appendLog(ActionSaveSubmitted, sub.CharacterID, intPtr(total), LogDetails{
			RefID: prompt.ID,
			Note:  outcome,
		}); err != nil {
			return err
		}

		if prompt.Purpose == PurposeConcentration && !result.Success {
			broken, err := o.breakConcentration(sub.CharacterID, "failed_check")
			if err != nil {
				return err
			}
			res.ConcentrationBroken = broken
		}

		if o.allResponded(*prompt, results) {
			if err := o.resolvePrompt(prompt); err != nil {
				return err
			}
		}
		res.Result = result
		res.Prompt = *prompt
		return nil
	})
	return res, err
}

// ResolveSavePrompt closes an active prompt by hand.
func (e *Engine) ResolveSavePrompt(ctx context.Context, encounterID, promptID string) (SavePrompt, error) {
	var out SavePrompt
	err := e.do(ctx, encounterID, "resolve_save_prompt", func(o *op) error {
		prompt, err := o.prompt(promptID)
		if err != nil {
			return err
		}
		if prompt.Status != PromptActive {
			return apperr.WithReason(apperr.KindStaleState, ReasonPromptClosed, "save prompt is no longer active")
		}
		if err := o.resolvePrompt(prompt); err != nil {
			return err
		}
		out = *prompt
		return nil
	})
	return out, err
}

// ApplySaveDamage deals damage to every character that answered the prompt:
// full on a failure, half on a success when the prompt allows it. A prompt's
// damage is dealt once.
func (e *Engine) ApplySaveDamage(ctx context.Context, encounterID string, req SaveDamageRequest) ([]DamageResult, error) {
	if req.Amount < 0 {
		return nil, apperr.Invalid("amount", "must not be negative")
	}
	if !req.DamageType.Valid() {
		return nil, apperr.Invalid("damage_type", "unknown damage type")
	}
	var out []DamageResult
	err := e.do(ctx, encounterID, "apply_save_damage", func(o *op) error {
		prompt, err := o.prompt(req.PromptID)
		if err != nil {
			return err
		}
		if prompt.Status == PromptExpired {
			return apperr.WithReason(apperr.KindStaleState, ReasonPromptClosed, "save prompt expired")
		}
		if prompt.DamageApplied {
			return apperr.WithReason(apperr.KindConflict, ReasonDamageApplied, "save damage already applied")
		}
		results, err := o.tx.SaveResults(o.ctx, prompt.ID)
		if err != nil {
			return err
		}
		for _, r := range results {
			amount := req.Amount
			if r.Success {
				if !prompt.HalfOnSuccess {
					continue
				}
				amount /= 2
			}
			dmg, err := o.applyDamage(DamageRequest{
				Target:     Character(r.CharacterID),
				Amount:     amount,
				DamageType: req.DamageType,
				Source:     "save:" + prompt.ID,
			})
			if err != nil {
				return err
			}
			out = append(out, dmg)
		}
		prompt.DamageApplied = true
		return o.updatePrompt(*prompt)
	})
	return out, err
}

// SavePromptDetail is a prompt with the results gathered so far.
type SavePromptDetail struct {
	Prompt  SavePrompt   `json:"prompt"`
	Results []SaveResult `json:"results"`
}

// SavePromptStatus reads a prompt and its results, expiring it if due.
func (e *Engine) SavePromptStatus(ctx context.Context, encounterID, promptID string) (SavePromptDetail, error) {
	var out SavePromptDetail
	err := e.do(ctx, encounterID, "save_prompt_status", func(o *op) error {
		prompt, err := o.prompt(promptID)
		if err != nil {
			return err
		}
		if o.expireIfDue(prompt) {
			if err := o.updatePrompt(*prompt); err != nil {
				return err
			}
		}
		results, err := o.tx.SaveResults(o.ctx, prompt.ID)
		if err != nil {
			return err
		}
		out = SavePromptDetail{Prompt: *prompt, Results: results}
		return nil
	})
	return out, err
}

func alreadySubmitted() error {
	return apperr.WithReason(apperr.KindConflict, ReasonAlreadySubmitted, "already submitted")
}

func (o *op) prompt(id string) (*SavePrompt, error) {
	p, err := o.tx.SavePrompt(o.ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "save prompt %s not found", id)
	}
	return p, err
}

func (o *op) openPrompt(p SavePrompt) (SavePrompt, error) {
	p.ID = o.newID()
	p.EncounterID = o.enc.ID
	p.Status = PromptActive
	p.CreatedAt = o.now()
	if err := o.tx.InsertSavePrompt(o.ctx, p); err != nil {
		return SavePrompt{}, err
	}
	o.touch(broker.TableSavePrompts, broker.OpInsert)
	_, err := o.appendLog(ActionSavePrompted, "", intPtr(p.DC), LogDetails{
		RefID: p.ID,
		Note:  string(p.Purpose),
		Extra: map[string]string{"ability": string(p.Ability)},
	})
	return p, err
}

func (o *op) updatePrompt(p SavePrompt) error {
	if err := o.tx.UpdateSavePrompt(o.ctx, p); err != nil {
		return err
	}
	o.touch(broker.TableSavePrompts, broker.OpUpdate)
	return nil
}

func (o *op) resolvePrompt(p *SavePrompt) error {
	p.Status = PromptResolved
	if err := o.updatePrompt(*p); err != nil {
		return err
	}
	_, err := o.appendLog(ActionSaveResolved, "", nil, LogDetails{RefID: p.ID})
	return err
}

// expireIfDue moves an active prompt past its deadline to expired.
func (o *op) expireIfDue(p *SavePrompt) bool {
	ttl := o.engine.opts.SavePolicy.ExpireAfter
	if ttl <= 0 || p.Status != PromptActive {
		return false
	}
	if o.now().Sub(p.CreatedAt) < ttl {
		return false
	}
	p.Status = PromptExpired
	return true
}

// allResponded applies the auto-resolution policy. Concentration checks
// always close after their single target answers.
func (o *op) allResponded(p SavePrompt, results []SaveResult) bool {
	if len(p.Targets) == 0 {
		return false
	}
	if p.Purpose != PurposeConcentration && !o.engine.opts.SavePolicy.ResolveWhenAllResponded {
		return false
	}
	answered := make(map[string]struct{}, len(results))
	for _, r := range results {
		answered[r.CharacterID] = struct{}{}
	}
	for _, id := range p.Targets {
		if _, ok := answered[id]; !ok {
			return false
		}
	}
	return true
}

// concentrationCheck opens a constitution save for a concentrating combatant
// that took damage. Returns nil when nothing is being concentrated on.
func (o *op) concentrationCheck(casterID string, effective int) (*SavePrompt, error) {
	effects, err := o.tx.Effects(o.ctx)
	if err != nil {
		return nil, err
	}
	var held *Effect
	for i := range effects {
		if effects[i].ConcentratedBy(casterID) {
			held = &effects[i]
			break
		}
	}
	if held == nil {
		return nil, nil
	}
	p, err := o.openPrompt(SavePrompt{
		Ability:       AbilityConstitution,
		DC:            rules.ConcentrationDC(effective),
		Targets:       []string{casterID},
		AdvantageMode: AdvantageNormal,
		Purpose:       PurposeConcentration,
		EffectID:      held.ID,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}
