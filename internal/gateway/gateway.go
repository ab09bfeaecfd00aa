// Package gateway is the single entry point for transports. Every call runs
// the same pipeline: authenticate, authorize, validate, rate-limit, then
// invoke the engine. Nothing is mutated before the pipeline passes.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/auth"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/ratelimit"
)

// Directory answers the ownership questions authorization needs.
type Directory interface {
	EncounterCampaign(ctx context.Context, encounterID string) (string, error)
	CampaignDM(ctx context.Context, campaignID string) (string, error)
	CharacterOwner(ctx context.Context, characterID string) (string, error)
	LocateSavePrompt(ctx context.Context, promptID string) (string, error)
}

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Verify(raw string) (auth.Principal, error)
}

// Limiter meters requests per user.
type Limiter interface {
	Allow(budget ratelimit.Budget, userID string) (ratelimit.Decision, error)
}

// Gateway guards the combat engine.
type Gateway struct {
	engine  *combat.Engine
	dir     Directory
	authn   Authenticator
	limiter Limiter
	logger  *zap.Logger
}

// New wires a gateway.
func New(engine *combat.Engine, dir Directory, authn Authenticator, limiter Limiter, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		engine:  engine,
		dir:     dir,
		authn:   authn,
		limiter: limiter,
		logger:  logger,
	}
}

// Authenticate verifies a bearer token and returns ctx carrying the caller.
func (g *Gateway) Authenticate(ctx context.Context, token string) (context.Context, error) {
	p, err := g.authn.Verify(token)
	if err != nil {
		g.logger.Debug("authentication failed", zap.Error(err))
		return ctx, err
	}
	return auth.WithPrincipal(ctx, p), nil
}

func principal(ctx context.Context) (auth.Principal, error) {
	p, ok := auth.FromContext(ctx)
	if !ok || p.UserID == "" {
		return auth.Principal{}, apperr.New(apperr.KindUnauthorized, "authentication required")
	}
	return p, nil
}

// access is the caller's standing within one encounter.
type access struct {
	userID      string
	encounterID string
	dm          bool
}

// resolve authenticates the caller and looks up their role in encounterID.
func (g *Gateway) resolve(ctx context.Context, encounterID string) (*access, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := validID("encounter_id", encounterID); err != nil {
		return nil, err
	}
	campaignID, err := g.dir.EncounterCampaign(ctx, encounterID)
	if err != nil {
		return nil, g.lookupError("encounter", err)
	}
	dm, err := g.dir.CampaignDM(ctx, campaignID)
	if err != nil {
		return nil, g.lookupError("campaign", err)
	}
	return &access{userID: p.UserID, encounterID: encounterID, dm: dm == p.UserID}, nil
}

func (g *Gateway) requireDM(a *access, operation string) error {
	if a.dm {
		return nil
	}
	g.logger.Warn("non-DM attempted DM-only operation",
		zap.String("user_id", a.userID),
		zap.String("encounter_id", a.encounterID),
		zap.String("operation", operation),
	)
	return apperr.Newf(apperr.KindForbidden, "only the DM may %s", operation)
}

// requireOwner allows the DM or the player who owns characterID.
func (g *Gateway) requireOwner(ctx context.Context, a *access, characterID, operation string) error {
	if a.dm {
		return nil
	}
	if err := validID("character_id", characterID); err != nil {
		return err
	}
	owner, err := g.dir.CharacterOwner(ctx, characterID)
	if err != nil {
		return g.lookupError("character", err)
	}
	if owner != a.userID {
		g.logger.Warn("player attempted to act for another character",
			zap.String("user_id", a.userID),
			zap.String("character_id", characterID),
			zap.String("operation", operation),
		)
		return apperr.Newf(apperr.KindForbidden, "you may only %s for your own character", operation)
	}
	return nil
}

func (g *Gateway) lookupError(what string, err error) error {
	if errors.Is(err, combat.ErrNotFound) {
		return apperr.Newf(apperr.KindNotFound, "%s not found", what)
	}
	g.logger.Error("directory lookup failed", zap.String("entity", what), zap.Error(err))
	return apperr.Internal("directory lookup failed", err)
}

// limit charges one request to the caller's budget.
func (g *Gateway) limit(a *access, budget ratelimit.Budget) error {
	d, err := g.limiter.Allow(budget, a.userID)
	if err != nil {
		return apperr.Internal("rate limiter failed", err)
	}
	if d.Allowed {
		return nil
	}
	g.logger.Warn("rate limited",
		zap.String("user_id", a.userID),
		zap.String("budget", string(budget)),
		zap.Time("reset_at", d.ResetAt),
	)
	rl := apperr.RateLimited(d.RetryAfter)
	rl.Metadata = map[string]string{
		"budget":   string(budget),
		"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
	}
	return rl
}
