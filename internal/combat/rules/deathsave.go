package rules

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// DeathSaveState is the outcome of a dying combatant's save sequence.
type DeathSaveState string

const (
	DeathSaveOngoing DeathSaveState = "ongoing"
	DeathSaveStable  DeathSaveState = "stable"
	DeathSaveDead    DeathSaveState = "dead"
)

// DeathSaveThreshold is the number of successes or failures that ends the sequence.
const DeathSaveThreshold = 3

const (
	eventStabilize = "stabilize"
	eventDie       = "die"
)

// DeathSaveTracker wraps the persisted counters with the ongoing -> stable|dead
// state machine. Once the machine leaves ongoing, further outcomes are ignored.
type DeathSaveTracker struct {
	Successes int
	Failures  int
	machine   *fsm.FSM
}

// NewDeathSaveTracker rebuilds a tracker from persisted counters.
func NewDeathSaveTracker(successes, failures int) *DeathSaveTracker {
	t := &DeathSaveTracker{Successes: successes, Failures: failures}
	t.machine = fsm.NewFSM(
		string(deathSaveStateOf(successes, failures)),
		fsm.Events{
			{Name: eventStabilize, Src: []string{string(DeathSaveOngoing)}, Dst: string(DeathSaveStable)},
			{Name: eventDie, Src: []string{string(DeathSaveOngoing)}, Dst: string(DeathSaveDead)},
		},
		fsm.Callbacks{},
	)
	return t
}

func deathSaveStateOf(successes, failures int) DeathSaveState {
	switch {
	case failures >= DeathSaveThreshold:
		return DeathSaveDead
	case successes >= DeathSaveThreshold:
		return DeathSaveStable
	default:
		return DeathSaveOngoing
	}
}

// State returns the current state.
func (t *DeathSaveTracker) State() DeathSaveState {
	return DeathSaveState(t.machine.Current())
}

// RecordSuccesses adds n successes while the sequence is ongoing.
func (t *DeathSaveTracker) RecordSuccesses(ctx context.Context, n int) (DeathSaveState, error) {
	if t.machine.Cannot(eventStabilize) || n <= 0 {
		return t.State(), nil
	}
	t.Successes += n
	if t.Successes >= DeathSaveThreshold {
		t.Successes = DeathSaveThreshold
		if err := t.machine.Event(ctx, eventStabilize); err != nil {
			return t.State(), fmt.Errorf("stabilize: %w", err)
		}
	}
	return t.State(), nil
}

// RecordFailures adds n failures while the sequence is ongoing.
func (t *DeathSaveTracker) RecordFailures(ctx context.Context, n int) (DeathSaveState, error) {
	if t.machine.Cannot(eventDie) || n <= 0 {
		return t.State(), nil
	}
	t.Failures += n
	if t.Failures >= DeathSaveThreshold {
		t.Failures = DeathSaveThreshold
		if err := t.machine.Event(ctx, eventDie); err != nil {
			return t.State(), fmt.Errorf("die: %w", err)
		}
	}
	return t.State(), nil
}

// DeathSaveRollOutcome is the interpretation of a single d20 death save.
type DeathSaveRollOutcome struct {
	Successes int
	Failures  int
	// Revive is set on a natural 20: the combatant regains 1 HP.
	Revive bool
}

// InterpretDeathSaveRoll maps a natural d20 to its effect. A natural 1 counts
// as two failures and a natural 20 revives; otherwise 10+ succeeds.
func InterpretDeathSaveRoll(roll int) DeathSaveRollOutcome {
	switch {
	case roll >= 20:
		return DeathSaveRollOutcome{Revive: true}
	case roll <= 1:
		return DeathSaveRollOutcome{Failures: 2}
	case roll >= 10:
		return DeathSaveRollOutcome{Successes: 1}
	default:
		return DeathSaveRollOutcome{Failures: 1}
	}
}
