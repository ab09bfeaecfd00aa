package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/questforge/encounter-server/internal/auth"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/memstore"
	"github.com/questforge/encounter-server/internal/combat/rules"
	"github.com/questforge/encounter-server/internal/config"
	"github.com/questforge/encounter-server/internal/gateway"
	"github.com/questforge/encounter-server/internal/ratelimit"
)

const (
	dmUser     = "dm-user"
	ariaPlayer = "player-aria"
)

type fixture struct {
	encounterID string
	aria        string
	orc         string

	gw       *gateway.Gateway
	broker   *broker.Broker
	hub      *Hub
	router   *gin.Engine
	verifier *auth.Verifier
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newFixture(t *testing.T, windows map[ratelimit.Budget]ratelimit.Window) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		encounterID: uuid.NewString(),
		aria:        uuid.NewString(),
		orc:         uuid.NewString(),
	}
	campaignID := uuid.NewString()

	store := memstore.New()
	store.PutCampaign(campaignID, dmUser)
	store.PutEncounter(combat.Encounter{ID: f.encounterID, CampaignID: campaignID, CurrentRound: 1})
	store.PutCombatant(combat.CombatantStats{Ref: combat.Character(f.aria), Name: "Aria", AC: 15, HPCurrent: 20, HPMax: 20, DexModifier: 2})
	store.PutCombatant(combat.CombatantStats{Ref: combat.Monster(f.orc), Name: "Orc", AC: 13, HPCurrent: 15, HPMax: 15, DexModifier: 1})
	store.PutCharacterOwner(f.aria, ariaPlayer)

	f.broker = broker.New(logger)
	t.Cleanup(f.broker.Close)

	engine := combat.NewEngine(store, logger, combat.Options{
		Roller:    rules.NewSequenceRoller(10),
		Publisher: f.broker,
	})
	t.Cleanup(engine.Close)

	limiter, err := ratelimit.New(logger, ratelimit.Options{Windows: windows})
	require.NoError(t, err)
	f.verifier, err = auth.NewVerifier(auth.Config{Secret: []byte("server-test-secret")})
	require.NoError(t, err)

	f.gw = gateway.New(engine, store, f.verifier, limiter, logger)
	f.hub = NewHub(f.broker, config.WebSocketConfig{PingInterval: time.Second, WriteTimeout: time.Second}, logger)
	f.router = NewRouter(f.gw, f.hub, "", logger)
	return f
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a JSON request through the router as userID. An empty userID
// sends no Authorization header.
func (f *fixture) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return f.doRaw(t, userID, method, path, bytes.NewReader(raw))
}

func (f *fixture) doRaw(t *testing.T, userID, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) path(suffix string) string {
	return "/v1/encounters/" + f.encounterID + suffix
}

func (f *fixture) seat(t *testing.T) {
	t.Helper()
	rec := f.do(t, dmUser, http.MethodPost, f.path("/initiative"), map[string]any{
		"combatants": []map[string]any{
			{"id": f.aria, "manual_roll": 18},
			{"id": f.orc, "kind": "monster", "manual_roll": 9},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, dmUser, http.MethodPost, f.path("/start"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
