package combat

import (
	"context"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// ReasonNotDying marks a death save for a combatant that is not at 0 HP.
const ReasonNotDying = "not_dying"

// DamageRequest describes one hit.
type DamageRequest struct {
	Target     CombatantRef     `json:"target"`
	Amount     int              `json:"amount"`
	DamageType rules.DamageType `json:"damage_type"`
	Source     string           `json:"source,omitempty"`
}

// DamageResult reports what a hit did.
type DamageResult struct {
	Target     CombatantRef   `json:"target"`
	RawAmount  int            `json:"raw_amount"`
	Effective  int            `json:"effective"`
	Modifier   rules.Modifier `json:"modifier"`
	HPBefore   int            `json:"hp_before"`
	HPAfter    int            `json:"hp_after"`
	DeathSaves DeathSaves     `json:"death_saves"`
	Dead       bool           `json:"dead"`
	// ConcentrationCheck is the save the target must now make to keep
	// concentrating, if any.
	ConcentrationCheck  *SavePrompt `json:"concentration_check,omitempty"`
	ConcentrationBroken []Effect    `json:"concentration_broken,omitempty"`
	LogEntry            LogEntry    `json:"log_entry"`
}

// HealingRequest describes one heal.
type HealingRequest struct {
	Target CombatantRef `json:"target"`
	Amount int          `json:"amount"`
	Source string       `json:"source,omitempty"`
}

// HealingResult reports what a heal did.
type HealingResult struct {
	Target     CombatantRef `json:"target"`
	Healed     int          `json:"healed"`
	HPBefore   int          `json:"hp_before"`
	HPAfter    int          `json:"hp_after"`
	DeathSaves DeathSaves   `json:"death_saves"`
	LogEntry   LogEntry     `json:"log_entry"`
}

// DeathSaveResult reports the outcome of one death save roll.
type DeathSaveResult struct {
	CharacterID string               `json:"character_id"`
	Roll        int                  `json:"roll"`
	State       rules.DeathSaveState `json:"state"`
	DeathSaves  DeathSaves           `json:"death_saves"`
	HPCurrent   int                  `json:"hp_current"`
	Revived     bool                 `json:"revived"`
}

// ApplyDamage applies RVI-adjusted damage to a combatant.
func (e *Engine) ApplyDamage(ctx context.Context, encounterID string, req DamageRequest) (DamageResult, error) {
	if req.Amount < 0 {
		return DamageResult{}, apperr.Invalid("amount", "must not be negative")
	}
	if !req.DamageType.Valid() {
		return DamageResult{}, apperr.Invalid("damage_type", "unknown damage type")
	}
	var res DamageResult
	err := e.do(ctx, encounterID, "apply_damage", func(o *op) error {
		var err error
		res, err = o.applyDamage(req)
		return err
	})
	return res, err
}

// ApplyHealing restores hit points, capped at the maximum.
func (e *Engine) ApplyHealing(ctx context.Context, encounterID string, req HealingRequest) (HealingResult, error) {
	if req.Amount < 0 {
		return HealingResult{}, apperr.Invalid("amount", "must not be negative")
	}
	var res HealingResult
	err := e.do(ctx, encounterID, "apply_healing", func(o *op) error {
		stats, err := o.combatant(req.Target)
		if err != nil {
			return err
		}
		before := stats.HPCurrent
		stats.HPCurrent = rules.AddHP(before, stats.HPMax, req.Amount)
		if stats.IsCharacter() && stats.HPCurrent > 0 {
			stats.DeathSaves = DeathSaves{}
		}
		if err := o.saveVitals(stats); err != nil {
			return err
		}
		healed := stats.HPCurrent - before
		entry, err := o.appendLog(ActionHealing, req.Target.ID, intPtr(healed), LogDetails{
			TargetKind: req.Target.Kind,
			RawAmount:  req.Amount,
			Source:     req.Source,
			HPBefore:   intPtr(before),
			HPAfter:    intPtr(stats.HPCurrent),
		})
		if err != nil {
			return err
		}
		res = HealingResult{
			Target:     req.Target,
			Healed:     healed,
			HPBefore:   before,
			HPAfter:    stats.HPCurrent,
			DeathSaves: stats.DeathSaves,
			LogEntry:   entry,
		}
		return nil
	})
	return res, err
}

// RecordDeathSave applies a natural d20 death save for a dying character.
func (e *Engine) RecordDeathSave(ctx context.Context, encounterID, characterID string, roll int) (DeathSaveResult, error) {
	if roll < 1 || roll > 20 {
		return DeathSaveResult{}, apperr.Invalid("roll", "must be between 1 and 20")
	}
	var res DeathSaveResult
	err := e.do(ctx, encounterID, "record_death_save", func(o *op) error {
		ref := Character(characterID)
		stats, err := o.combatant(ref)
		if err != nil {
			return err
		}
		if stats.HPCurrent > 0 || !stats.DeathSaves.Dying {
			return apperr.WithReason(apperr.KindInvalidInput, ReasonNotDying, "character is not making death saves")
		}

		outcome := rules.InterpretDeathSaveRoll(roll)
		tracker := rules.NewDeathSaveTracker(stats.DeathSaves.Successes, stats.DeathSaves.Failures)
		wasDead := tracker.State() == rules.DeathSaveDead
		revived := false

		switch {
		case tracker.State() != rules.DeathSaveOngoing:
			// Stable and dead are terminal for rolls.
		case outcome.Revive:
			stats.HPCurrent = rules.AddHP(0, stats.HPMax, 1)
			stats.DeathSaves = DeathSaves{}
			revived = true
		default:
			if _, err := tracker.RecordSuccesses(o.ctx, outcome.Successes); err != nil {
				return err
			}
			if _, err := tracker.RecordFailures(o.ctx, outcome.Failures); err != nil {
				return err
			}
			stats.DeathSaves.Successes = tracker.Successes
			stats.DeathSaves.Failures = tracker.Failures
		}
		if err := o.saveVitals(stats); err != nil {
			return err
		}

		state := stats.DeathSaves.State()
		if _, err := o.appendLog(ActionDeathSave, characterID, intPtr(roll), LogDetails{
			TargetKind: KindCharacter,
			Note:       string(state),
		}); err != nil {
			return err
		}
		if !wasDead && state == rules.DeathSaveDead {
			if _, err := o.handleDeath(ref); err != nil {
				return err
			}
		}
		res = DeathSaveResult{
			CharacterID: characterID,
			Roll:        roll,
			State:       state,
			DeathSaves:  stats.DeathSaves,
			HPCurrent:   stats.HPCurrent,
			Revived:     revived,
		}
		return nil
	})
	return res, err
}

func (o *op) applyDamage(req DamageRequest) (DamageResult, error) {
	stats, err := o.combatant(req.Target)
	if err != nil {
		return DamageResult{}, err
	}
	effective, modifier := rules.EffectiveDamage(req.Amount, req.DamageType, stats.Defenses)
	before := stats.HPCurrent
	stats.HPCurrent = rules.SubtractHP(before, effective)

	died := false
	savesBefore := stats.DeathSaves
	if stats.IsCharacter() {
		switch {
		case before > 0 && stats.HPCurrent == 0:
			stats.DeathSaves = DeathSaves{Dying: true}
		case before == 0 && effective > 0 && stats.DeathSaves.Dying:
			tracker := rules.NewDeathSaveTracker(stats.DeathSaves.Successes, stats.DeathSaves.Failures)
			wasDead := tracker.State() == rules.DeathSaveDead
			state, err := tracker.RecordFailures(o.ctx, 1)
			if err != nil {
				return DamageResult{}, err
			}
			stats.DeathSaves.Failures = tracker.Failures
			died = !wasDead && state == rules.DeathSaveDead
		}
	} else if before > 0 && stats.HPCurrent == 0 {
		died = true
	}

	if err := o.saveVitals(stats); err != nil {
		return DamageResult{}, err
	}
	details := LogDetails{
		TargetKind: req.Target.Kind,
		DamageType: req.DamageType,
		RawAmount:  req.Amount,
		Modifier:   modifier,
		Source:     req.Source,
		HPBefore:   intPtr(before),
		HPAfter:    intPtr(stats.HPCurrent),
	}
	if stats.IsCharacter() && savesBefore != stats.DeathSaves {
		details.DeathSavesBefore = &savesBefore
	}
	if died {
		seat, err := o.seatOf(req.Target)
		if err != nil {
			return DamageResult{}, err
		}
		details.Seat = seat
	}
	entry, err := o.appendLog(ActionDamage, req.Target.ID, intPtr(effective), details)
	if err != nil {
		return DamageResult{}, err
	}

	res := DamageResult{
		Target:     req.Target,
		RawAmount:  req.Amount,
		Effective:  effective,
		Modifier:   modifier,
		HPBefore:   before,
		HPAfter:    stats.HPCurrent,
		DeathSaves: stats.DeathSaves,
		Dead:       stats.IsDead(),
		LogEntry:   entry,
	}

	switch {
	case died:
		broken, err := o.handleDeath(req.Target)
		if err != nil {
			return DamageResult{}, err
		}
		res.ConcentrationBroken = broken
	case effective > 0:
		prompt, err := o.concentrationCheck(req.Target.ID, effective)
		if err != nil {
			return DamageResult{}, err
		}
		res.ConcentrationCheck = prompt
	}
	return res, nil
}

// seatOf returns ref's initiative entry, or nil when it has none.
func (o *op) seatOf(ref CombatantRef) (*InitiativeEntry, error) {
	order, err := o.initiative()
	if err != nil {
		return nil, err
	}
	for _, entry := range order {
		if entry.Combatant == ref {
			entry.IsCurrentTurn = false
			return &entry, nil
		}
	}
	return nil, nil
}

// handleDeath takes a dead combatant out of the fight.
func (o *op) handleDeath(ref CombatantRef) ([]Effect, error) {
	order, err := o.initiative()
	if err != nil {
		return nil, err
	}
	for _, entry := range order {
		if entry.Combatant == ref {
			if _, err := o.removeFromInitiative(ref, true); err != nil {
				return nil, err
			}
			break
		}
	}
	return o.breakConcentration(ref.ID, "death")
}
