// Package memstore is an in-process combat.Store. Each transaction works on
// a private copy of the encounter that replaces the original on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/questforge/encounter-server/internal/combat"
)

type encounterData struct {
	encounter  combat.Encounter
	initiative map[combat.CombatantRef]combat.InitiativeEntry
	conditions map[string]combat.Condition
	effects    map[string]combat.Effect
	prompts    map[string]combat.SavePrompt
	results    map[string]map[string]combat.SaveResult
	log        []combat.LogEntry
}

func newEncounterData(enc combat.Encounter) *encounterData {
	return &encounterData{
		encounter:  enc,
		initiative: make(map[combat.CombatantRef]combat.InitiativeEntry),
		conditions: make(map[string]combat.Condition),
		effects:    make(map[string]combat.Effect),
		prompts:    make(map[string]combat.SavePrompt),
		results:    make(map[string]map[string]combat.SaveResult),
	}
}

func (d *encounterData) clone() *encounterData {
	out := newEncounterData(d.encounter)
	for k, v := range d.initiative {
		out.initiative[k] = v
	}
	for k, v := range d.conditions {
		out.conditions[k] = v
	}
	for k, v := range d.effects {
		out.effects[k] = v
	}
	for k, v := range d.prompts {
		v.Targets = append([]string(nil), v.Targets...)
		out.prompts[k] = v
	}
	for k, byChar := range d.results {
		m := make(map[string]combat.SaveResult, len(byChar))
		for c, r := range byChar {
			m[c] = r
		}
		out.results[k] = m
	}
	out.log = append([]combat.LogEntry(nil), d.log...)
	return out
}

// Store keeps every encounter in memory. Transactions are serialized by a
// single mutex.
type Store struct {
	mu              sync.Mutex
	encounters      map[string]*encounterData
	combatants      map[combat.CombatantRef]*combat.CombatantStats
	campaignDMs     map[string]string
	characterOwners map[string]string
	promptIndex     map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		encounters:      make(map[string]*encounterData),
		combatants:      make(map[combat.CombatantRef]*combat.CombatantStats),
		campaignDMs:     make(map[string]string),
		characterOwners: make(map[string]string),
		promptIndex:     make(map[string]string),
	}
}

// PutCampaign registers a campaign and its DM.
func (s *Store) PutCampaign(campaignID, dmUserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaignDMs[campaignID] = dmUserID
}

// PutEncounter creates or replaces an encounter's root record. Rounds below
// 1 are raised to 1.
func (s *Store) PutEncounter(enc combat.Encounter) {
	if enc.CurrentRound < 1 {
		enc.CurrentRound = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.encounters[enc.ID]; ok {
		d.encounter = enc
		return
	}
	s.encounters[enc.ID] = newEncounterData(enc)
}

// PutCombatant creates or replaces a combatant's stats.
func (s *Store) PutCombatant(stats combat.CombatantStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.combatants[stats.Ref] = stats.Clone()
}

// PutCharacterOwner records which user plays a character.
func (s *Store) PutCharacterOwner(characterID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characterOwners[characterID] = userID
}

// EncounterCampaign returns the campaign owning encounterID.
func (s *Store) EncounterCampaign(_ context.Context, encounterID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.encounters[encounterID]
	if !ok {
		return "", combat.ErrNotFound
	}
	return d.encounter.CampaignID, nil
}

// CampaignDM returns the DM user id of a campaign.
func (s *Store) CampaignDM(_ context.Context, campaignID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dm, ok := s.campaignDMs[campaignID]
	if !ok {
		return "", combat.ErrNotFound
	}
	return dm, nil
}

// CharacterOwner returns the user id that plays characterID.
func (s *Store) CharacterOwner(_ context.Context, characterID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.characterOwners[characterID]
	if !ok {
		return "", combat.ErrNotFound
	}
	return owner, nil
}

// LocateSavePrompt implements combat.Store.
func (s *Store) LocateSavePrompt(_ context.Context, promptID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.promptIndex[promptID]
	if !ok {
		return "", combat.ErrNotFound
	}
	return id, nil
}

// WithEncounter implements combat.Store.
func (s *Store) WithEncounter(ctx context.Context, encounterID string, fn func(tx combat.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.encounters[encounterID]
	if !ok {
		return fmt.Errorf("encounter %s: %w", encounterID, combat.ErrNotFound)
	}
	t := &tx{
		store:      s,
		data:       d.clone(),
		combatants: make(map[combat.CombatantRef]*combat.CombatantStats),
	}
	if err := fn(t); err != nil {
		return err
	}

	s.encounters[encounterID] = t.data
	for ref, stats := range t.combatants {
		if t.dirty[ref] {
			s.combatants[ref] = stats
		}
	}
	for _, id := range t.newPrompts {
		s.promptIndex[id] = encounterID
	}
	return nil
}

type tx struct {
	store      *Store
	data       *encounterData
	combatants map[combat.CombatantRef]*combat.CombatantStats
	dirty      map[combat.CombatantRef]bool
	newPrompts []string
}

func (t *tx) Encounter(context.Context) (*combat.Encounter, error) {
	enc := t.data.encounter
	return &enc, nil
}

func (t *tx) SaveEncounter(_ context.Context, enc *combat.Encounter) error {
	t.data.encounter = *enc
	return nil
}

func (t *tx) Initiative(context.Context) ([]combat.InitiativeEntry, error) {
	out := make([]combat.InitiativeEntry, 0, len(t.data.initiative))
	for _, e := range t.data.initiative {
		out = append(out, e)
	}
	return out, nil
}

func (t *tx) InsertInitiative(_ context.Context, entries []combat.InitiativeEntry) error {
	seen := make(map[combat.CombatantRef]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := t.data.initiative[e.Combatant]; ok {
			return combat.ErrDuplicate
		}
		if _, ok := seen[e.Combatant]; ok {
			return combat.ErrDuplicate
		}
		seen[e.Combatant] = struct{}{}
	}
	for _, e := range entries {
		t.data.initiative[e.Combatant] = e
	}
	return nil
}

func (t *tx) UpdateInitiative(_ context.Context, entries []combat.InitiativeEntry) error {
	for _, e := range entries {
		if _, ok := t.data.initiative[e.Combatant]; ok {
			t.data.initiative[e.Combatant] = e
		}
	}
	return nil
}

func (t *tx) DeleteInitiative(_ context.Context, ref combat.CombatantRef) error {
	if _, ok := t.data.initiative[ref]; !ok {
		return combat.ErrNotFound
	}
	delete(t.data.initiative, ref)
	return nil
}

func (t *tx) ClearInitiative(context.Context) error {
	t.data.initiative = make(map[combat.CombatantRef]combat.InitiativeEntry)
	return nil
}

func (t *tx) Combatant(_ context.Context, ref combat.CombatantRef) (*combat.CombatantStats, error) {
	if stats, ok := t.combatants[ref]; ok {
		return stats.Clone(), nil
	}
	stats, ok := t.store.combatants[ref]
	if !ok {
		return nil, combat.ErrNotFound
	}
	t.combatants[ref] = stats.Clone()
	return stats.Clone(), nil
}

func (t *tx) SaveCombatantVitals(_ context.Context, stats *combat.CombatantStats) error {
	current, ok := t.combatants[stats.Ref]
	if !ok {
		base, exists := t.store.combatants[stats.Ref]
		if !exists {
			return combat.ErrNotFound
		}
		current = base.Clone()
	}
	updated := stats.Clone()
	current.HPCurrent = updated.HPCurrent
	current.ActionEconomy = updated.ActionEconomy
	current.DeathSaves = updated.DeathSaves
	current.Resources = updated.Resources
	t.combatants[stats.Ref] = current
	if t.dirty == nil {
		t.dirty = make(map[combat.CombatantRef]bool)
	}
	t.dirty[stats.Ref] = true
	return nil
}

func (t *tx) Conditions(context.Context) ([]combat.Condition, error) {
	out := make([]combat.Condition, 0, len(t.data.conditions))
	for _, c := range t.data.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (t *tx) InsertCondition(_ context.Context, c combat.Condition) error {
	if _, ok := t.data.conditions[c.ID]; ok {
		return combat.ErrDuplicate
	}
	t.data.conditions[c.ID] = c
	return nil
}

func (t *tx) DeleteCondition(_ context.Context, id string) error {
	if _, ok := t.data.conditions[id]; !ok {
		return combat.ErrNotFound
	}
	delete(t.data.conditions, id)
	return nil
}

func (t *tx) Effects(context.Context) ([]combat.Effect, error) {
	out := make([]combat.Effect, 0, len(t.data.effects))
	for _, e := range t.data.effects {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (t *tx) InsertEffect(_ context.Context, e combat.Effect) error {
	if _, ok := t.data.effects[e.ID]; ok {
		return combat.ErrDuplicate
	}
	t.data.effects[e.ID] = e
	return nil
}

func (t *tx) UpdateEffect(_ context.Context, e combat.Effect) error {
	if _, ok := t.data.effects[e.ID]; !ok {
		return combat.ErrNotFound
	}
	t.data.effects[e.ID] = e
	return nil
}

func (t *tx) DeleteEffect(_ context.Context, id string) error {
	if _, ok := t.data.effects[id]; !ok {
		return combat.ErrNotFound
	}
	delete(t.data.effects, id)
	return nil
}

func (t *tx) SavePrompts(context.Context) ([]combat.SavePrompt, error) {
	out := make([]combat.SavePrompt, 0, len(t.data.prompts))
	for _, p := range t.data.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (t *tx) SavePrompt(_ context.Context, id string) (*combat.SavePrompt, error) {
	p, ok := t.data.prompts[id]
	if !ok {
		return nil, combat.ErrNotFound
	}
	p.Targets = append([]string(nil), p.Targets...)
	return &p, nil
}

func (t *tx) InsertSavePrompt(_ context.Context, p combat.SavePrompt) error {
	if _, ok := t.data.prompts[p.ID]; ok {
		return combat.ErrDuplicate
	}
	t.data.prompts[p.ID] = p
	t.newPrompts = append(t.newPrompts, p.ID)
	return nil
}

func (t *tx) UpdateSavePrompt(_ context.Context, p combat.SavePrompt) error {
	if _, ok := t.data.prompts[p.ID]; !ok {
		return combat.ErrNotFound
	}
	t.data.prompts[p.ID] = p
	return nil
}

func (t *tx) SaveResults(_ context.Context, promptID string) ([]combat.SaveResult, error) {
	byChar := t.data.results[promptID]
	out := make([]combat.SaveResult, 0, len(byChar))
	for _, r := range byChar {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i].CreatedAt, out[j].CreatedAt, out[i].CharacterID, out[j].CharacterID) })
	return out, nil
}

func (t *tx) InsertSaveResult(_ context.Context, r combat.SaveResult) error {
	if _, ok := t.data.prompts[r.SavePromptID]; !ok {
		return combat.ErrNotFound
	}
	byChar, ok := t.data.results[r.SavePromptID]
	if !ok {
		byChar = make(map[string]combat.SaveResult)
		t.data.results[r.SavePromptID] = byChar
	}
	if _, dup := byChar[r.CharacterID]; dup {
		return combat.ErrDuplicate
	}
	byChar[r.CharacterID] = r
	return nil
}

func (t *tx) AppendLog(_ context.Context, entry combat.LogEntry) error {
	t.data.log = append(t.data.log, entry)
	return nil
}

func (t *tx) LogEntries(_ context.Context, limit int) ([]combat.LogEntry, error) {
	entries := t.data.log
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]combat.LogEntry(nil), entries...), nil
}

func (t *tx) LogEntry(_ context.Context, id string) (*combat.LogEntry, error) {
	for i := range t.data.log {
		if t.data.log[i].ID == id {
			entry := t.data.log[i]
			return &entry, nil
		}
	}
	return nil, combat.ErrNotFound
}

func (t *tx) DeleteLogEntry(_ context.Context, id string) error {
	for i := range t.data.log {
		if t.data.log[i].ID == id {
			t.data.log = append(t.data.log[:i], t.data.log[i+1:]...)
			return nil
		}
	}
	return combat.ErrNotFound
}

// earlier orders records by creation time, then by key.
func earlier(a, b time.Time, aKey, bKey string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aKey < bKey
}

var _ combat.Store = (*Store)(nil)
