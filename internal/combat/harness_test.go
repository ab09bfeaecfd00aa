package combat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/memstore"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

const encounterID = "enc-1"

var (
	char1  = combat.Character("char-1")
	char2  = combat.Character("char-2")
	char3  = combat.Character("char-3")
	goblin = combat.Monster("goblin-1")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	engine *combat.Engine
	bus    *broker.Broker
	events *broker.Subscription
	clock  *fakeClock
}

func newHarness(t *testing.T, opts combat.Options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memstore.New()
	store.PutCampaign("camp-1", "dm-user")
	store.PutEncounter(combat.Encounter{ID: encounterID, CampaignID: "camp-1", CurrentRound: 1})
	store.PutCombatant(combat.CombatantStats{
		Ref: char1, Name: "Aria", AC: 15, HPCurrent: 20, HPMax: 20,
		InitiativeBonus: 2, DexModifier: 2, PassivePerception: 12,
	})
	store.PutCombatant(combat.CombatantStats{
		Ref: char2, Name: "Borin", AC: 18, HPCurrent: 20, HPMax: 20,
		InitiativeBonus: 0, DexModifier: 1, PassivePerception: 10,
		Defenses: rules.Defenses{Resistances: []rules.DamageType{rules.DamageFire}},
	})
	store.PutCombatant(combat.CombatantStats{
		Ref: char3, Name: "Cyra", AC: 13, HPCurrent: 20, HPMax: 20,
		InitiativeBonus: 3, DexModifier: 3, PassivePerception: 14,
	})
	store.PutCombatant(combat.CombatantStats{
		Ref: goblin, Name: "Goblin", AC: 15, HPCurrent: 7, HPMax: 7,
		InitiativeBonus: 2, DexModifier: 2, PassivePerception: 9,
		Defenses: rules.Defenses{Immunities: []rules.DamageType{rules.DamagePoison}},
	})
	store.PutCharacterOwner("char-1", "player-1")
	store.PutCharacterOwner("char-2", "player-2")
	store.PutCharacterOwner("char-3", "player-3")

	clock := newFakeClock()
	bus := broker.New(logger)
	if opts.Roller == nil {
		opts.Roller = rules.NewSequenceRoller(10)
	}
	opts.Publisher = bus
	opts.Clock = clock.Now

	engine := combat.NewEngine(store, logger, opts)
	t.Cleanup(engine.Close)

	return &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		engine: engine,
		bus:    bus,
		events: bus.Subscribe(encounterID, 1024),
		clock:  clock,
	}
}

// seat puts combatants into initiative with fixed totals.
func (h *harness) seat(totals map[combat.CombatantRef]int, order ...combat.CombatantRef) []combat.InitiativeEntry {
	h.t.Helper()
	rolls := make([]combat.InitiativeRoll, 0, len(order))
	for _, ref := range order {
		total := totals[ref]
		rolls = append(rolls, combat.InitiativeRoll{Combatant: ref, ManualRoll: &total})
	}
	entries, err := h.engine.RollInitiative(h.ctx, encounterID, rolls)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) stats(ref combat.CombatantRef) combat.CombatantStats {
	h.t.Helper()
	stats, err := h.engine.Combatant(h.ctx, encounterID, ref)
	require.NoError(h.t, err)
	return stats
}

func (h *harness) state() combat.EncounterState {
	h.t.Helper()
	state, err := h.engine.State(h.ctx, encounterID)
	require.NoError(h.t, err)
	return state
}

func (h *harness) drainEvents() []broker.EncounterChanged {
	var out []broker.EncounterChanged
	for {
		select {
		case evt := <-h.events.C():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func requireKind(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	require.Error(t, err)
	appErr := apperr.As(err)
	require.Equal(t, kind, appErr.Kind, "error: %v", err)
	return appErr
}

func ids(entries []combat.InitiativeEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Combatant.ID
	}
	return out
}

func current(t *testing.T, entries []combat.InitiativeEntry) combat.InitiativeEntry {
	t.Helper()
	var found []combat.InitiativeEntry
	for _, e := range entries {
		if e.IsCurrentTurn {
			found = append(found, e)
		}
	}
	require.Len(t, found, 1, "exactly one current entry")
	return found[0]
}

func ptr(v int) *int {
	return &v
}
