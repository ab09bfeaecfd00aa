package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// Postgres error codes mapped to store sentinels.
const (
	pgUniqueViolation     = "23505"
	pgInvalidTextSyntax   = "22P02"
	pgForeignKeyViolation = "23503"
)

// Store is the Postgres combat.Store. It also answers gateway directory
// lookups.
type Store struct {
	db *DB
}

// NewStore creates a store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// mapError translates pgx errors into combat sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return combat.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, combat.ErrDuplicate)
		case pgInvalidTextSyntax, pgForeignKeyViolation:
			return fmt.Errorf("%s: %w", pgErr.Message, combat.ErrNotFound)
		}
	}
	return err
}

// WithEncounter implements combat.Store. The encounter row is locked with
// SELECT ... FOR UPDATE for the life of the transaction.
func (s *Store) WithEncounter(ctx context.Context, encounterID string, fn func(tx combat.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db.pool, func(ptx pgx.Tx) error {
		var enc combat.Encounter
		err := ptx.QueryRow(ctx, `
SELECT id::text, campaign_id::text, current_round, is_active, log_seq
FROM encounters WHERE id = $1 FOR UPDATE`, encounterID).
			Scan(&enc.ID, &enc.CampaignID, &enc.CurrentRound, &enc.IsActive, &enc.LogSeq)
		if err != nil {
			return fmt.Errorf("lock encounter %s: %w", encounterID, mapError(err))
		}
		return fn(&tx{tx: ptx, encounterID: encounterID, enc: enc})
	})
	if err != nil {
		s.db.logger.Debug("encounter transaction rolled back",
			zap.String("encounter_id", encounterID),
			zap.Error(err),
		)
	}
	return err
}

// LocateSavePrompt implements combat.Store.
func (s *Store) LocateSavePrompt(ctx context.Context, promptID string) (string, error) {
	return s.lookup(ctx, `SELECT encounter_id::text FROM save_prompts WHERE id = $1`, promptID)
}

// EncounterCampaign returns the campaign owning encounterID.
func (s *Store) EncounterCampaign(ctx context.Context, encounterID string) (string, error) {
	return s.lookup(ctx, `SELECT campaign_id::text FROM encounters WHERE id = $1`, encounterID)
}

// CampaignDM returns the DM user id of campaignID.
func (s *Store) CampaignDM(ctx context.Context, campaignID string) (string, error) {
	return s.lookup(ctx, `SELECT dm_user_id FROM campaigns WHERE id = $1`, campaignID)
}

// CharacterOwner returns the user id that plays characterID.
func (s *Store) CharacterOwner(ctx context.Context, characterID string) (string, error) {
	return s.lookup(ctx,
		`SELECT COALESCE(owner_user_id, '') FROM combatants WHERE kind = 'character' AND id = $1`, characterID)
}

func (s *Store) lookup(ctx context.Context, query, id string) (string, error) {
	var out string
	if err := s.db.pool.QueryRow(ctx, query, id).Scan(&out); err != nil {
		return "", mapError(err)
	}
	return out, nil
}

// UpsertCampaign creates or updates a campaign.
func (s *Store) UpsertCampaign(ctx context.Context, campaignID, dmUserID, name string) error {
	_, err := s.db.pool.Exec(ctx, `
INSERT INTO campaigns (id, dm_user_id, name) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET dm_user_id = EXCLUDED.dm_user_id, name = EXCLUDED.name`,
		campaignID, dmUserID, name)
	return mapError(err)
}

// UpsertEncounter creates or replaces an encounter's root record.
func (s *Store) UpsertEncounter(ctx context.Context, enc combat.Encounter) error {
	if enc.CurrentRound < 1 {
		enc.CurrentRound = 1
	}
	_, err := s.db.pool.Exec(ctx, `
INSERT INTO encounters (id, campaign_id, current_round, is_active, log_seq) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET campaign_id = EXCLUDED.campaign_id, current_round = EXCLUDED.current_round,
    is_active = EXCLUDED.is_active, log_seq = EXCLUDED.log_seq`,
		enc.ID, enc.CampaignID, enc.CurrentRound, enc.IsActive, enc.LogSeq)
	return mapError(err)
}

// UpsertCombatant creates or replaces a combatant. ownerUserID is ignored for
// monsters.
func (s *Store) UpsertCombatant(ctx context.Context, campaignID string, stats combat.CombatantStats, ownerUserID string) error {
	resources, err := marshalResources(stats.Resources)
	if err != nil {
		return err
	}
	var owner *string
	if stats.IsCharacter() && ownerUserID != "" {
		owner = &ownerUserID
	}
	var campaign *string
	if campaignID != "" {
		campaign = &campaignID
	}
	_, err = s.db.pool.Exec(ctx, `
INSERT INTO combatants (
    id, kind, campaign_id, owner_user_id, name, ac, hp_current, hp_max,
    resistances, vulnerabilities, immunities, initiative_bonus, dex_modifier, passive_perception,
    action_used, bonus_action_used, reaction_used, death_save_successes, death_save_failures, dying, resources
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
ON CONFLICT (kind, id) DO UPDATE SET
    campaign_id = EXCLUDED.campaign_id, owner_user_id = EXCLUDED.owner_user_id, name = EXCLUDED.name,
    ac = EXCLUDED.ac, hp_current = EXCLUDED.hp_current, hp_max = EXCLUDED.hp_max,
    resistances = EXCLUDED.resistances, vulnerabilities = EXCLUDED.vulnerabilities, immunities = EXCLUDED.immunities,
    initiative_bonus = EXCLUDED.initiative_bonus, dex_modifier = EXCLUDED.dex_modifier,
    passive_perception = EXCLUDED.passive_perception, action_used = EXCLUDED.action_used,
    bonus_action_used = EXCLUDED.bonus_action_used, reaction_used = EXCLUDED.reaction_used,
    death_save_successes = EXCLUDED.death_save_successes, death_save_failures = EXCLUDED.death_save_failures,
    dying = EXCLUDED.dying, resources = EXCLUDED.resources`,
		stats.Ref.ID, string(stats.Ref.Kind), campaign, owner, stats.Name, stats.AC, stats.HPCurrent, stats.HPMax,
		damageTypeStrings(stats.Defenses.Resistances), damageTypeStrings(stats.Defenses.Vulnerabilities),
		damageTypeStrings(stats.Defenses.Immunities), stats.InitiativeBonus, stats.DexModifier, stats.PassivePerception,
		stats.ActionEconomy.Action, stats.ActionEconomy.BonusAction, stats.ActionEconomy.Reaction,
		stats.DeathSaves.Successes, stats.DeathSaves.Failures, stats.DeathSaves.Dying, resources)
	return mapError(err)
}

func damageTypeStrings(types []rules.DamageType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func damageTypes(raw []string) []rules.DamageType {
	if len(raw) == 0 {
		return nil
	}
	out := make([]rules.DamageType, len(raw))
	for i, s := range raw {
		out[i] = rules.DamageType(s)
	}
	return out
}

func marshalResources(res map[combat.ResourceKind]combat.Resource) ([]byte, error) {
	if res == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode resources: %w", err)
	}
	return b, nil
}

var (
	_ combat.Store = (*Store)(nil)
)
