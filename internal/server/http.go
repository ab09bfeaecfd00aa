package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/gateway"
	"go.uber.org/zap"
)

// DefaultStreamPath is the change-stream route used when none is configured.
const DefaultStreamPath = "/v1/encounters/:id/stream"

type httpHandlers struct {
	gw     *gateway.Gateway
	hub    *Hub
	logger *zap.Logger
}

// NewRouter builds the HTTP/JSON API. Every route under /v1 requires a bearer
// token. hub may be nil, in which case the change stream is not served.
func NewRouter(gw *gateway.Gateway, hub *Hub, streamPath string, logger *zap.Logger) *gin.Engine {
	h := &httpHandlers{gw: gw, hub: hub, logger: logger}

	router := gin.New()
	router.Use(requestLogger(logger), recovery(logger))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	v1.Use(h.authRequired())
	{
		enc := v1.Group("/encounters/:id")
		enc.GET("", h.getEncounterState)
		enc.GET("/log", h.getCombatLog)
		enc.POST("/initiative", h.rollInitiative)
		enc.DELETE("/initiative/:combatant", h.removeFromInitiative)
		enc.POST("/start", h.startCombat)
		enc.POST("/turn/next", h.advanceTurn)
		enc.POST("/turn/previous", h.previousTurn)
		enc.POST("/end", h.endCombat)
		enc.POST("/damage", h.applyDamage)
		enc.POST("/healing", h.applyHealing)
		enc.POST("/conditions", h.applyCondition)
		enc.DELETE("/conditions/:conditionId", h.removeCondition)
		enc.GET("/effects", h.activeEffects)
		enc.POST("/effects", h.manageEffect)
		enc.DELETE("/effects/:effectId", h.deleteEffect)
		enc.POST("/concentration/:casterId/break", h.breakConcentration)
		enc.POST("/save-prompts", h.createSavePrompt)
		enc.GET("/save-prompts/:promptId", h.savePromptStatus)
		enc.POST("/save-prompts/:promptId/resolve", h.resolveSavePrompt)
		enc.POST("/save-prompts/:promptId/damage", h.applySaveDamage)
		enc.GET("/characters/:characterId/conditions", h.activeConditions)
		enc.POST("/characters/:characterId/economy", h.toggleActionEconomy)
		enc.POST("/characters/:characterId/death-saves", h.recordDeathSave)
		enc.PUT("/characters/:characterId/resources", h.setResource)
		enc.POST("/undo", h.undoAction)

		v1.POST("/save-prompts/:promptId/results", h.submitSaveResult)
	}

	if hub != nil {
		if streamPath == "" {
			streamPath = DefaultStreamPath
		}
		router.GET(streamPath, h.authRequired(), h.stream)
	}
	return router
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// recovery turns handler panics into 500 responses.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in http handler",
					zap.Any("panic", r),
					zap.String("path", c.FullPath()),
					zap.Stack("stack"),
				)
				writeError(c, logger, apperr.New(apperr.KindInternal, "internal error"))
			}
		}()
		c.Next()
	}
}

// authRequired verifies the bearer token and stores the principal on the
// request context. Browsers cannot set headers on WebSocket upgrades, so the
// access_token query parameter is accepted as well.
func (h *httpHandlers) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		ctx, err := h.gw.Authenticate(c.Request.Context(), token)
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// bindJSON decodes an optional JSON body into dst.
func bindJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.Invalid("body", "malformed JSON: "+err.Error())
	}
	return nil
}

func (h *httpHandlers) reply(c *gin.Context, code int, v any, err error) {
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if v == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(code, v)
}

func (h *httpHandlers) rollInitiative(c *gin.Context) {
	var req gateway.RollInitiativeRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	entries, err := h.gw.RollInitiative(c.Request.Context(), req)
	h.reply(c, http.StatusOK, gin.H{"initiative": entries}, err)
}

func (h *httpHandlers) removeFromInitiative(c *gin.Context) {
	req := gateway.RemoveFromInitiativeRequest{
		EncounterID: c.Param("id"),
		Combatant: gateway.CombatantInput{
			ID:   c.Param("combatant"),
			Kind: combat.CombatantKind(c.Query("kind")),
		},
	}
	turn, err := h.gw.RemoveFromInitiative(c.Request.Context(), req)
	h.reply(c, http.StatusOK, turn, err)
}

func (h *httpHandlers) startCombat(c *gin.Context) {
	turn, err := h.gw.StartCombat(c.Request.Context(), gateway.EncounterRequest{EncounterID: c.Param("id")})
	h.reply(c, http.StatusOK, turn, err)
}

func (h *httpHandlers) advanceTurn(c *gin.Context) {
	var req gateway.AdvanceTurnRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	turn, err := h.gw.AdvanceTurn(c.Request.Context(), req)
	h.reply(c, http.StatusOK, turn, err)
}

func (h *httpHandlers) previousTurn(c *gin.Context) {
	turn, err := h.gw.PreviousTurn(c.Request.Context(), gateway.EncounterRequest{EncounterID: c.Param("id")})
	h.reply(c, http.StatusOK, turn, err)
}

func (h *httpHandlers) endCombat(c *gin.Context) {
	err := h.gw.EndCombat(c.Request.Context(), gateway.EncounterRequest{EncounterID: c.Param("id")})
	h.reply(c, http.StatusNoContent, nil, err)
}

func (h *httpHandlers) applyDamage(c *gin.Context) {
	var req gateway.DamageRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	result, err := h.gw.ApplyDamage(c.Request.Context(), req)
	h.reply(c, http.StatusOK, result, err)
}

func (h *httpHandlers) applyHealing(c *gin.Context) {
	var req gateway.HealingRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	result, err := h.gw.ApplyHealing(c.Request.Context(), req)
	h.reply(c, http.StatusOK, result, err)
}

func (h *httpHandlers) applyCondition(c *gin.Context) {
	var req gateway.ApplyConditionRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	result, err := h.gw.ApplyCondition(c.Request.Context(), req)
	h.reply(c, http.StatusCreated, result, err)
}

func (h *httpHandlers) removeCondition(c *gin.Context) {
	err := h.gw.RemoveCondition(c.Request.Context(), gateway.RemoveConditionRequest{
		EncounterID: c.Param("id"),
		ConditionID: c.Param("conditionId"),
	})
	h.reply(c, http.StatusNoContent, nil, err)
}

func (h *httpHandlers) activeConditions(c *gin.Context) {
	conditions, err := h.gw.ActiveConditions(c.Request.Context(), gateway.ActiveConditionsRequest{
		EncounterID: c.Param("id"),
		CharacterID: c.Param("characterId"),
	})
	h.reply(c, http.StatusOK, gin.H{"conditions": conditions}, err)
}

func (h *httpHandlers) activeEffects(c *gin.Context) {
	effects, err := h.gw.ActiveEffects(c.Request.Context(), gateway.EncounterRequest{EncounterID: c.Param("id")})
	h.reply(c, http.StatusOK, gin.H{"effects": effects}, err)
}

func (h *httpHandlers) manageEffect(c *gin.Context) {
	var req gateway.ManageEffectRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	if req.Action == "" {
		req.Action = gateway.EffectCreate
	}
	resp, err := h.gw.ManageEffect(c.Request.Context(), req)
	h.reply(c, http.StatusOK, resp, err)
}

func (h *httpHandlers) deleteEffect(c *gin.Context) {
	resp, err := h.gw.ManageEffect(c.Request.Context(), gateway.ManageEffectRequest{
		EncounterID: c.Param("id"),
		Action:      gateway.EffectDelete,
		EffectID:    c.Param("effectId"),
	})
	h.reply(c, http.StatusOK, resp, err)
}

func (h *httpHandlers) breakConcentration(c *gin.Context) {
	ended, err := h.gw.BreakConcentration(c.Request.Context(), gateway.BreakConcentrationRequest{
		EncounterID: c.Param("id"),
		CasterID:    c.Param("casterId"),
	})
	h.reply(c, http.StatusOK, gin.H{"ended": ended}, err)
}

func (h *httpHandlers) createSavePrompt(c *gin.Context) {
	var req gateway.CreateSavePromptRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	prompt, err := h.gw.CreateSavePrompt(c.Request.Context(), req)
	h.reply(c, http.StatusCreated, prompt, err)
}

func (h *httpHandlers) submitSaveResult(c *gin.Context) {
	var req gateway.SubmitSaveRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.SavePromptID = c.Param("promptId")
	result, err := h.gw.SubmitSaveResult(c.Request.Context(), req)
	h.reply(c, http.StatusOK, result, err)
}

func (h *httpHandlers) savePromptRequest(c *gin.Context) gateway.SavePromptRequest {
	return gateway.SavePromptRequest{EncounterID: c.Param("id"), SavePromptID: c.Param("promptId")}
}

func (h *httpHandlers) savePromptStatus(c *gin.Context) {
	detail, err := h.gw.SavePromptStatus(c.Request.Context(), h.savePromptRequest(c))
	h.reply(c, http.StatusOK, detail, err)
}

func (h *httpHandlers) resolveSavePrompt(c *gin.Context) {
	prompt, err := h.gw.ResolveSavePrompt(c.Request.Context(), h.savePromptRequest(c))
	h.reply(c, http.StatusOK, prompt, err)
}

func (h *httpHandlers) applySaveDamage(c *gin.Context) {
	var req gateway.SaveDamageRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	req.SavePromptID = c.Param("promptId")
	results, err := h.gw.ApplySaveDamage(c.Request.Context(), req)
	h.reply(c, http.StatusOK, gin.H{"results": results}, err)
}

func (h *httpHandlers) toggleActionEconomy(c *gin.Context) {
	var req gateway.ToggleEconomyRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	req.CharacterID = c.Param("characterId")
	economy, err := h.gw.ToggleActionEconomy(c.Request.Context(), req)
	h.reply(c, http.StatusOK, economy, err)
}

func (h *httpHandlers) recordDeathSave(c *gin.Context) {
	var req gateway.DeathSaveRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	req.CharacterID = c.Param("characterId")
	result, err := h.gw.RecordDeathSave(c.Request.Context(), req)
	h.reply(c, http.StatusOK, result, err)
}

func (h *httpHandlers) setResource(c *gin.Context) {
	var req gateway.SetResourceRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	req.CharacterID = c.Param("characterId")
	resource, err := h.gw.SetResource(c.Request.Context(), req)
	h.reply(c, http.StatusOK, resource, err)
}

func (h *httpHandlers) undoAction(c *gin.Context) {
	var req gateway.UndoRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, h.logger, err)
		return
	}
	req.EncounterID = c.Param("id")
	entry, err := h.gw.UndoAction(c.Request.Context(), req)
	h.reply(c, http.StatusOK, entry, err)
}

func (h *httpHandlers) getEncounterState(c *gin.Context) {
	state, err := h.gw.GetEncounterState(c.Request.Context(), gateway.EncounterRequest{EncounterID: c.Param("id")})
	h.reply(c, http.StatusOK, state, err)
}

func (h *httpHandlers) getCombatLog(c *gin.Context) {
	req := gateway.CombatLogRequest{EncounterID: c.Param("id")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, h.logger, apperr.Invalid("limit", "must be an integer"))
			return
		}
		req.Limit = limit
	}
	entries, err := h.gw.GetCombatLog(c.Request.Context(), req)
	h.reply(c, http.StatusOK, gin.H{"entries": entries}, err)
}

func (h *httpHandlers) stream(c *gin.Context) {
	encounterID := c.Param("id")
	if err := h.gw.AuthorizeStream(c.Request.Context(), encounterID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	h.hub.Serve(c.Writer, c.Request, encounterID)
}
