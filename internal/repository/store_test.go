package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
	"github.com/questforge/encounter-server/internal/config"
)

func TestExtractUpMigration(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id INT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (id INT);\n", ExtractUpMigration(content))
	assert.Equal(t, "SELECT 1;", ExtractUpMigration("SELECT 1;"))
}

type seeded struct {
	store       *Store
	encounterID string
	campaignID  string
	hero        combat.CombatantRef
	ogre        combat.CombatantRef
}

func openStore(t *testing.T) *seeded {
	t.Helper()
	url := os.Getenv("ENCOUNTER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ENCOUNTER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, config.DatabaseConfig{URL: url, MaxConns: 4, Migrate: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	s := &seeded{
		store:       NewStore(db),
		encounterID: uuid.NewString(),
		campaignID:  uuid.NewString(),
		hero:        combat.Character(uuid.NewString()),
		ogre:        combat.Monster(uuid.NewString()),
	}
	require.NoError(t, s.store.UpsertCampaign(ctx, s.campaignID, "dm-user", "Test"))
	require.NoError(t, s.store.UpsertEncounter(ctx, combat.Encounter{ID: s.encounterID, CampaignID: s.campaignID}))
	require.NoError(t, s.store.UpsertCombatant(ctx, s.campaignID, combat.CombatantStats{
		Ref: s.hero, Name: "Hero", AC: 16, HPCurrent: 30, HPMax: 30, DexModifier: 2, PassivePerception: 13,
		Defenses:  rules.Defenses{Resistances: []rules.DamageType{rules.DamageFire}},
		Resources: map[combat.ResourceKind]combat.Resource{"ki": {Current: 3, Max: 3}},
	}, "player-1"))
	require.NoError(t, s.store.UpsertCombatant(ctx, s.campaignID, combat.CombatantStats{
		Ref: s.ogre, Name: "Ogre", AC: 11, HPCurrent: 59, HPMax: 59, DexModifier: -1,
	}, ""))
	return s
}

func TestDirectory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	campaign, err := s.store.EncounterCampaign(ctx, s.encounterID)
	require.NoError(t, err)
	assert.Equal(t, s.campaignID, campaign)

	dm, err := s.store.CampaignDM(ctx, campaign)
	require.NoError(t, err)
	assert.Equal(t, "dm-user", dm)

	owner, err := s.store.CharacterOwner(ctx, s.hero.ID)
	require.NoError(t, err)
	assert.Equal(t, "player-1", owner)

	_, err = s.store.EncounterCampaign(ctx, uuid.NewString())
	assert.ErrorIs(t, err, combat.ErrNotFound)
}

func TestTransactionRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.store.WithEncounter(ctx, s.encounterID, func(tx combat.Tx) error {
		stats, err := tx.Combatant(ctx, s.hero)
		require.NoError(t, err)
		stats.HPCurrent = 1
		require.NoError(t, tx.SaveCombatantVitals(ctx, stats))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.store.WithEncounter(ctx, s.encounterID, func(tx combat.Tx) error {
		stats, err := tx.Combatant(ctx, s.hero)
		require.NoError(t, err)
		assert.Equal(t, 30, stats.HPCurrent)
		assert.Equal(t, []rules.DamageType{rules.DamageFire}, stats.Defenses.Resistances)
		assert.Equal(t, combat.Resource{Current: 3, Max: 3}, stats.Resources["ki"])
		return nil
	}))
}

func TestDuplicateInitiativeMapsToSentinel(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.store.WithEncounter(ctx, s.encounterID, func(tx combat.Tx) error {
		entry := combat.InitiativeEntry{Combatant: s.hero, InitiativeRoll: 12}
		return tx.InsertInitiative(ctx, []combat.InitiativeEntry{entry, entry})
	})
	assert.ErrorIs(t, err, combat.ErrDuplicate)
}

func TestEngineOnPostgres(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	engine := combat.NewEngine(s.store, zaptest.NewLogger(t), combat.Options{
		Roller: rules.NewSequenceRoller(10),
		Clock:  func() time.Time { return clock },
	})
	t.Cleanup(engine.Close)

	order, err := engine.RollInitiative(ctx, s.encounterID, []combat.InitiativeRoll{
		{Combatant: s.hero}, {Combatant: s.ogre},
	})
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, s.hero, order[0].Combatant)

	_, err = engine.StartCombat(ctx, s.encounterID)
	require.NoError(t, err)

	hit, err := engine.ApplyDamage(ctx, s.encounterID, combat.DamageRequest{Target: s.hero, Amount: 10, DamageType: rules.DamageFire})
	require.NoError(t, err)
	assert.Equal(t, 5, hit.Effective)
	assert.Equal(t, 25, hit.HPAfter)

	prompt, err := engine.CreateSavePrompt(ctx, s.encounterID, combat.SavePromptRequest{
		Ability: combat.AbilityWisdom, DC: 13, Targets: []string{s.hero.ID},
	})
	require.NoError(t, err)
	_, err = engine.SubmitSaveResult(ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: s.hero.ID, Roll: 11, Modifier: 2})
	require.NoError(t, err)
	_, err = engine.SubmitSaveResult(ctx, combat.SaveSubmission{PromptID: prompt.ID, CharacterID: s.hero.ID, Roll: 4, Modifier: 2})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = engine.Undo(ctx, s.encounterID, hit.LogEntry.ID)
	require.NoError(t, err)

	stats, err := engine.Combatant(ctx, s.encounterID, s.hero)
	require.NoError(t, err)
	assert.Equal(t, 30, stats.HPCurrent)

	log, err := engine.Log(ctx, s.encounterID, 0)
	require.NoError(t, err)
	for i := 1; i < len(log); i++ {
		assert.Greater(t, log[i].Seq, log[i-1].Seq)
	}
}
