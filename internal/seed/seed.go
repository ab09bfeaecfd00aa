// Package seed loads campaign rosters (campaigns, encounters and combatant
// stat blocks) from CSV into either store.
package seed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/questforge/encounter-server/internal/combat"
	"github.com/questforge/encounter-server/internal/combat/memstore"
	"github.com/questforge/encounter-server/internal/combat/rules"
	"github.com/questforge/encounter-server/internal/repository"
)

// Columns is the expected CSV header.
var Columns = []string{
	"campaign_id", "dm_user_id", "encounter_id",
	"kind", "combatant_id", "name", "owner_user_id",
	"ac", "hp_max", "dex_modifier", "initiative_bonus", "passive_perception",
	"resistances", "vulnerabilities", "immunities",
}

// Entry is one combatant row.
type Entry struct {
	CampaignID  string
	OwnerUserID string
	Stats       combat.CombatantStats
}

// Roster is a parsed seed file.
type Roster struct {
	// Campaigns maps campaign id to its DM's user id.
	Campaigns  map[string]string
	Encounters []combat.Encounter
	Entries    []Entry
}

// Load parses the roster at path.
func Load(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a roster CSV. Rows sharing an encounter id must share a
// campaign.
func Parse(r io.Reader) (*Roster, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(Columns)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}
	for i, col := range Columns {
		if strings.TrimSpace(header[i]) != col {
			return nil, fmt.Errorf("roster column %d: expected %q, got %q", i+1, col, header[i])
		}
	}

	roster := &Roster{Campaigns: make(map[string]string)}
	encounterCampaign := make(map[string]string)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		entry, encounterID, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("roster line %d: %w", line, err)
		}

		if dm, ok := roster.Campaigns[entry.CampaignID]; ok && dm != record[1] {
			return nil, fmt.Errorf("roster line %d: campaign %s has two DMs", line, entry.CampaignID)
		}
		roster.Campaigns[entry.CampaignID] = record[1]

		if encounterID != "" {
			if campaign, ok := encounterCampaign[encounterID]; ok {
				if campaign != entry.CampaignID {
					return nil, fmt.Errorf("roster line %d: encounter %s spans campaigns", line, encounterID)
				}
			} else {
				encounterCampaign[encounterID] = entry.CampaignID
				roster.Encounters = append(roster.Encounters, combat.Encounter{
					ID:           encounterID,
					CampaignID:   entry.CampaignID,
					CurrentRound: 1,
				})
			}
		}
		roster.Entries = append(roster.Entries, entry)
	}
	return roster, nil
}

func parseRow(record []string) (Entry, string, error) {
	for _, idx := range []int{0, 4} {
		if _, err := uuid.Parse(record[idx]); err != nil {
			return Entry{}, "", fmt.Errorf("%s: not a UUID", Columns[idx])
		}
	}
	encounterID := strings.TrimSpace(record[2])
	if encounterID != "" {
		if _, err := uuid.Parse(encounterID); err != nil {
			return Entry{}, "", fmt.Errorf("encounter_id: not a UUID")
		}
	}
	if strings.TrimSpace(record[1]) == "" {
		return Entry{}, "", fmt.Errorf("dm_user_id is required")
	}

	kind := combat.CombatantKind(strings.ToLower(record[3]))
	if !kind.Valid() {
		return Entry{}, "", fmt.Errorf("kind: unknown %q", record[3])
	}
	owner := strings.TrimSpace(record[6])
	if kind == combat.KindMonster && owner != "" {
		return Entry{}, "", fmt.Errorf("owner_user_id: monsters have no owner")
	}

	ints := make([]int, 5)
	for i, idx := range []int{7, 8, 9, 10, 11} {
		raw := strings.TrimSpace(record[idx])
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Entry{}, "", fmt.Errorf("%s: %w", Columns[idx], err)
		}
		ints[i] = v
	}
	if ints[1] < 1 {
		return Entry{}, "", fmt.Errorf("hp_max must be positive")
	}

	var defenses rules.Defenses
	var err error
	if defenses.Resistances, err = parseDamageTypes(record[12]); err != nil {
		return Entry{}, "", fmt.Errorf("resistances: %w", err)
	}
	if defenses.Vulnerabilities, err = parseDamageTypes(record[13]); err != nil {
		return Entry{}, "", fmt.Errorf("vulnerabilities: %w", err)
	}
	if defenses.Immunities, err = parseDamageTypes(record[14]); err != nil {
		return Entry{}, "", fmt.Errorf("immunities: %w", err)
	}

	return Entry{
		CampaignID:  record[0],
		OwnerUserID: owner,
		Stats: combat.CombatantStats{
			Ref:               combat.CombatantRef{ID: record[4], Kind: kind},
			Name:              strings.TrimSpace(record[5]),
			AC:                ints[0],
			HPCurrent:         ints[1],
			HPMax:             ints[1],
			DexModifier:       ints[2],
			InitiativeBonus:   ints[3],
			PassivePerception: ints[4],
			Defenses:          defenses,
		},
	}, encounterID, nil
}

// parseDamageTypes splits a semicolon separated list.
func parseDamageTypes(raw string) ([]rules.DamageType, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []rules.DamageType
	for _, part := range strings.Split(raw, ";") {
		d, err := rules.ParseDamageType(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ApplyMemory loads the roster into an in-memory store.
func (r *Roster) ApplyMemory(store *memstore.Store) {
	for campaignID, dm := range r.Campaigns {
		store.PutCampaign(campaignID, dm)
	}
	for _, enc := range r.Encounters {
		store.PutEncounter(enc)
	}
	for _, e := range r.Entries {
		store.PutCombatant(e.Stats)
		if e.OwnerUserID != "" {
			store.PutCharacterOwner(e.Stats.Ref.ID, e.OwnerUserID)
		}
	}
}

// ApplyPostgres upserts the roster. Re-seeding resets each listed encounter
// to an inactive round 1.
func (r *Roster) ApplyPostgres(ctx context.Context, store *repository.Store) error {
	for campaignID, dm := range r.Campaigns {
		if err := store.UpsertCampaign(ctx, campaignID, dm, ""); err != nil {
			return fmt.Errorf("upsert campaign %s: %w", campaignID, err)
		}
	}
	for _, enc := range r.Encounters {
		if err := store.UpsertEncounter(ctx, enc); err != nil {
			return fmt.Errorf("upsert encounter %s: %w", enc.ID, err)
		}
	}
	for _, e := range r.Entries {
		if err := store.UpsertCombatant(ctx, e.CampaignID, e.Stats, e.OwnerUserID); err != nil {
			return fmt.Errorf("upsert combatant %s: %w", e.Stats.Ref.ID, err)
		}
	}
	return nil
}
