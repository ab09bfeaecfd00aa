package rules

import "sort"

// Manual initiative overrides must fall in this range.
const (
	MinManualInitiative = 1
	MaxManualInitiative = 50
)

// InitiativeStanding is the data used to place one combatant in turn order.
type InitiativeStanding struct {
	Total             int
	DexModifier       int
	PassivePerception int
	// Order is the insertion index; lower values were enumerated first.
	Order int
}

// Before reports whether a acts before b.
func (a InitiativeStanding) Before(b InitiativeStanding) bool {
	if a.Total != b.Total {
		return a.Total > b.Total
	}
	if a.DexModifier != b.DexModifier {
		return a.DexModifier > b.DexModifier
	}
	if a.PassivePerception != b.PassivePerception {
		return a.PassivePerception > b.PassivePerception
	}
	return a.Order < b.Order
}

// SortByInitiative orders items in place using standing to extract the tie
// break data. The result is a deterministic total order as long as Order
// values are distinct.
func SortByInitiative[T any](items []T, standing func(T) InitiativeStanding) {
	sort.SliceStable(items, func(i, j int) bool {
		return standing(items[i]).Before(standing(items[j]))
	})
}

// ValidManualInitiative reports whether a manual override is acceptable.
func ValidManualInitiative(roll int) bool {
	return roll >= MinManualInitiative && roll <= MaxManualInitiative
}
