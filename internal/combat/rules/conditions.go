package rules

import (
	"fmt"
	"strings"
)

// ConditionType is one of the fourteen status conditions.
type ConditionType string

const (
	ConditionBlinded       ConditionType = "blinded"
	ConditionCharmed       ConditionType = "charmed"
	ConditionDeafened      ConditionType = "deafened"
	ConditionFrightened    ConditionType = "frightened"
	ConditionGrappled      ConditionType = "grappled"
	ConditionIncapacitated ConditionType = "incapacitated"
	ConditionInvisible     ConditionType = "invisible"
	ConditionParalyzed     ConditionType = "paralyzed"
	ConditionPetrified     ConditionType = "petrified"
	ConditionPoisoned      ConditionType = "poisoned"
	ConditionProne         ConditionType = "prone"
	ConditionRestrained    ConditionType = "restrained"
	ConditionStunned       ConditionType = "stunned"
	ConditionUnconscious   ConditionType = "unconscious"
)

var conditionTypes = map[ConditionType]struct{}{
	ConditionBlinded:       {},
	ConditionCharmed:       {},
	ConditionDeafened:      {},
	ConditionFrightened:    {},
	ConditionGrappled:      {},
	ConditionIncapacitated: {},
	ConditionInvisible:     {},
	ConditionParalyzed:     {},
	ConditionPetrified:     {},
	ConditionPoisoned:      {},
	ConditionProne:         {},
	ConditionRestrained:    {},
	ConditionStunned:       {},
	ConditionUnconscious:   {},
}

// Valid reports whether c is a known condition.
func (c ConditionType) Valid() bool {
	_, ok := conditionTypes[c]
	return ok
}

// ParseConditionType normalises and validates a condition name.
func ParseConditionType(raw string) (ConditionType, error) {
	c := ConditionType(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown condition %q", raw)
	}
	return c, nil
}

// ActiveAt reports whether something ending at endsAtRound is still in force
// during currentRound. A nil end never expires. The boundary is exclusive: a
// condition with endsAtRound = N stops applying when round N begins.
func ActiveAt(endsAtRound *int, currentRound int) bool {
	return endsAtRound == nil || *endsAtRound > currentRound
}

// EndsAt computes the end round for a duration applied during currentRound.
func EndsAt(currentRound, durationRounds int) int {
	return currentRound + durationRounds
}
