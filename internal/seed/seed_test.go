package seed

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/memstore"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

const header = "campaign_id,dm_user_id,encounter_id,kind,combatant_id,name,owner_user_id,ac,hp_max,dex_modifier,initiative_bonus,passive_perception,resistances,vulnerabilities,immunities\n"

const (
	campaign  = "6f1c3a52-8a0e-4f55-9d1b-2a4a4c1e7b01"
	encounter = "0b6e7f3e-3c2d-4d7a-9a51-5b8d9e2c4f10"
	hero      = "a3d5e6f7-1b2c-4d3e-8f9a-0b1c2d3e4f51"
	skeleton  = "c5f7a8b9-3d4e-4f5a-8b1c-2d3e4f5a6b73"
)

func TestParseRoster(t *testing.T) {
	roster, err := Parse(strings.NewReader(header +
		campaign + ",dm-alex," + encounter + ",character," + hero + ",Aria,player-sam,15,27,3,3,14,,,\n" +
		campaign + ",dm-alex," + encounter + ",monster," + skeleton + ",Skeleton,,13,13,2,2,9,,bludgeoning,poison\n"))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{campaign: "dm-alex"}, roster.Campaigns)
	require.Len(t, roster.Encounters, 1)
	assert.Equal(t, encounter, roster.Encounters[0].ID)
	assert.Equal(t, 1, roster.Encounters[0].CurrentRound)

	require.Len(t, roster.Entries, 2)
	aria := roster.Entries[0]
	assert.Equal(t, "player-sam", aria.OwnerUserID)
	assert.Equal(t, combat.Character(hero), aria.Stats.Ref)
	assert.Equal(t, 27, aria.Stats.HPCurrent)
	assert.Equal(t, 27, aria.Stats.HPMax)
	assert.Equal(t, 3, aria.Stats.DexModifier)

	bones := roster.Entries[1].Stats
	assert.Equal(t, []rules.DamageType{rules.DamageBludgeoning}, bones.Defenses.Vulnerabilities)
	assert.Equal(t, []rules.DamageType{rules.DamagePoison}, bones.Defenses.Immunities)
}

func TestParseRejectsBadRows(t *testing.T) {
	tests := map[string]string{
		"bad header":      "id,dm\n",
		"bad uuid":        header + "nope,dm-alex,,character," + hero + ",Aria,p,15,27,3,3,14,,,\n",
		"missing dm":      header + campaign + ",,,character," + hero + ",Aria,p,15,27,3,3,14,,,\n",
		"unknown kind":    header + campaign + ",dm,,dragon," + hero + ",Aria,p,15,27,3,3,14,,,\n",
		"owned monster":   header + campaign + ",dm,,monster," + skeleton + ",Bones,p,13,13,2,2,9,,,\n",
		"zero hp":         header + campaign + ",dm,,character," + hero + ",Aria,p,15,0,3,3,14,,,\n",
		"bad number":      header + campaign + ",dm,,character," + hero + ",Aria,p,tough,27,3,3,14,,,\n",
		"bad damage type": header + campaign + ",dm,,character," + hero + ",Aria,p,15,27,3,3,14,psychic;sonic,,\n",
		"two dms": header +
			campaign + ",dm-a,,character," + hero + ",Aria,p,15,27,3,3,14,,,\n" +
			campaign + ",dm-b,,monster," + skeleton + ",Bones,,13,13,2,2,9,,,\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestApplyMemory(t *testing.T) {
	_, file, _, _ := runtime.Caller(0)
	roster, err := Load(filepath.Join(filepath.Dir(file), "..", "..", "data", "roster.csv"))
	require.NoError(t, err)

	store := memstore.New()
	roster.ApplyMemory(store)

	ctx := context.Background()
	campaignID, err := store.EncounterCampaign(ctx, encounter)
	require.NoError(t, err)
	assert.Equal(t, campaign, campaignID)

	dm, err := store.CampaignDM(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, "dm-alex", dm)

	owner, err := store.CharacterOwner(ctx, hero)
	require.NoError(t, err)
	assert.Equal(t, "player-sam", owner)
}
