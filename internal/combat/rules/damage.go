package rules

import (
	"fmt"
	"sort"
	"strings"
)

// DamageType is one of the closed set of damage tags.
type DamageType string

const (
	DamageAcid        DamageType = "acid"
	DamageBludgeoning DamageType = "bludgeoning"
	DamageCold        DamageType = "cold"
	DamageFire        DamageType = "fire"
	DamageForce       DamageType = "force"
	DamageLightning   DamageType = "lightning"
	DamageNecrotic    DamageType = "necrotic"
	DamagePiercing    DamageType = "piercing"
	DamagePoison      DamageType = "poison"
	DamagePsychic     DamageType = "psychic"
	DamageRadiant     DamageType = "radiant"
	DamageSlashing    DamageType = "slashing"
	DamageThunder     DamageType = "thunder"
)

var damageTypes = map[DamageType]struct{}{
	DamageAcid:        {},
	DamageBludgeoning: {},
	DamageCold:        {},
	DamageFire:        {},
	DamageForce:       {},
	DamageLightning:   {},
	DamageNecrotic:    {},
	DamagePiercing:    {},
	DamagePoison:      {},
	DamagePsychic:     {},
	DamageRadiant:     {},
	DamageSlashing:    {},
	DamageThunder:     {},
}

// Valid reports whether d is a known damage type.
func (d DamageType) Valid() bool {
	_, ok := damageTypes[d]
	return ok
}

// ParseDamageType normalises and validates a damage tag.
func ParseDamageType(raw string) (DamageType, error) {
	d := DamageType(strings.ToLower(strings.TrimSpace(raw)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown damage type %q", raw)
	}
	return d, nil
}

// DamageTypes lists every damage type in stable order.
func DamageTypes() []DamageType {
	out := make([]DamageType, 0, len(damageTypes))
	for d := range damageTypes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Modifier describes how a target's defenses changed incoming damage.
type Modifier string

const (
	ModifierNone       Modifier = "none"
	ModifierImmune     Modifier = "immune"
	ModifierVulnerable Modifier = "vulnerable"
	ModifierResistant  Modifier = "resistant"
)

// Defenses holds the resistance/vulnerability/immunity sets of a combatant.
type Defenses struct {
	Resistances     []DamageType `json:"resistances,omitempty"`
	Vulnerabilities []DamageType `json:"vulnerabilities,omitempty"`
	Immunities      []DamageType `json:"immunities,omitempty"`
}

func contains(set []DamageType, d DamageType) bool {
	for _, v := range set {
		if v == d {
			return true
		}
	}
	return false
}

// EffectiveDamage applies RVI to a raw amount. Immunity wins over
// vulnerability, which wins over resistance.
func EffectiveDamage(amount int, damageType DamageType, defenses Defenses) (int, Modifier) {
	if amount <= 0 {
		return 0, ModifierNone
	}
	switch {
	case contains(defenses.Immunities, damageType):
		return 0, ModifierImmune
	case contains(defenses.Vulnerabilities, damageType):
		return amount * 2, ModifierVulnerable
	case contains(defenses.Resistances, damageType):
		return amount / 2, ModifierResistant
	default:
		return amount, ModifierNone
	}
}

// ConcentrationDC is the save DC a concentrating combatant must beat after
// taking effective damage.
func ConcentrationDC(effective int) int {
	if dc := effective / 2; dc > 10 {
		return dc
	}
	return 10
}

// SubtractHP lowers hp by amount, flooring at zero.
func SubtractHP(hp, amount int) int {
	if amount < 0 {
		amount = 0
	}
	if hp-amount < 0 {
		return 0
	}
	return hp - amount
}

// AddHP raises hp by amount, capping at maxHP.
func AddHP(hp, maxHP, amount int) int {
	if amount < 0 {
		amount = 0
	}
	if hp+amount > maxHP {
		return maxHP
	}
	return hp + amount
}
