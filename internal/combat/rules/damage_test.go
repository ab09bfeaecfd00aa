package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveDamage(t *testing.T) {
	defenses := Defenses{
		Resistances:     []DamageType{DamageFire, DamageCold},
		Vulnerabilities: []DamageType{DamageRadiant, DamageCold},
		Immunities:      []DamageType{DamagePoison, DamageCold},
	}

	tests := []struct {
		name     string
		amount   int
		dtype    DamageType
		want     int
		modifier Modifier
	}{
		{"plain", 10, DamageSlashing, 10, ModifierNone},
		{"resistant floors", 11, DamageFire, 5, ModifierResistant},
		{"vulnerable doubles", 7, DamageRadiant, 14, ModifierVulnerable},
		{"immune", 1000, DamagePoison, 0, ModifierImmune},
		{"immunity wins", 10, DamageCold, 0, ModifierImmune},
		{"zero amount", 0, DamageRadiant, 0, ModifierNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mod := EffectiveDamage(tt.amount, tt.dtype, defenses)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.modifier, mod)
		})
	}
}

func TestEffectiveDamageRVIForAllTypes(t *testing.T) {
	for _, dt := range DamageTypes() {
		for amount := 0; amount <= 1000; amount += 37 {
			got, _ := EffectiveDamage(amount, dt, Defenses{Immunities: []DamageType{dt}})
			assert.Zero(t, got)

			got, _ = EffectiveDamage(amount, dt, Defenses{Resistances: []DamageType{dt}})
			assert.Equal(t, amount/2, got)

			got, _ = EffectiveDamage(amount, dt, Defenses{Vulnerabilities: []DamageType{dt}})
			assert.Equal(t, amount*2, got)
		}
	}
}

func TestHPClamping(t *testing.T) {
	for hp := 0; hp <= 20; hp += 5 {
		for amount := 0; amount <= 30; amount += 3 {
			after := SubtractHP(hp, amount)
			assert.GreaterOrEqual(t, after, 0)
			assert.LessOrEqual(t, after, 20)

			healed := AddHP(hp, 20, amount)
			assert.GreaterOrEqual(t, healed, hp)
			assert.LessOrEqual(t, healed, 20)
		}
	}
	assert.Equal(t, 10, SubtractHP(20, 10))
	assert.Equal(t, 15, SubtractHP(20, 5))
}

func TestConcentrationDC(t *testing.T) {
	assert.Equal(t, 10, ConcentrationDC(10))
	assert.Equal(t, 10, ConcentrationDC(1))
	assert.Equal(t, 10, ConcentrationDC(21))
	assert.Equal(t, 11, ConcentrationDC(22))
	assert.Equal(t, 25, ConcentrationDC(50))
}

func TestParseDamageType(t *testing.T) {
	dt, err := ParseDamageType(" Fire ")
	require.NoError(t, err)
	assert.Equal(t, DamageFire, dt)

	_, err = ParseDamageType("holy")
	assert.Error(t, err)
	assert.Len(t, DamageTypes(), 13)
}

func TestConditions(t *testing.T) {
	c, err := ParseConditionType("Prone")
	require.NoError(t, err)
	assert.Equal(t, ConditionProne, c)

	_, err = ParseConditionType("sleepy")
	assert.Error(t, err)

	end := EndsAt(3, 2)
	assert.Equal(t, 5, end)
	assert.True(t, ActiveAt(&end, 4))
	assert.False(t, ActiveAt(&end, 5), "condition ending at round N is not active during N")
	assert.False(t, ActiveAt(&end, 6))
	assert.True(t, ActiveAt(nil, 1000))
}
