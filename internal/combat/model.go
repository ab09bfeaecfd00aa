package combat

import (
	"fmt"
	"time"

	"github.com/questforge/encounter-server/internal/combat/rules"
)

// CombatantKind tags the two combatant variants.
type CombatantKind string

const (
	KindCharacter CombatantKind = "character"
	KindMonster   CombatantKind = "monster"
)

// Valid reports whether k is a known kind.
func (k CombatantKind) Valid() bool {
	return k == KindCharacter || k == KindMonster
}

// CombatantRef identifies a combatant by id and kind.
type CombatantRef struct {
	ID   string        `json:"id"`
	Kind CombatantKind `json:"kind"`
}

func (r CombatantRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Character is shorthand for a character reference.
func Character(id string) CombatantRef {
	return CombatantRef{ID: id, Kind: KindCharacter}
}

// Monster is shorthand for a monster reference.
func Monster(id string) CombatantRef {
	return CombatantRef{ID: id, Kind: KindMonster}
}

// Encounter is the root of all combat state.
type Encounter struct {
	ID           string `json:"id"`
	CampaignID   string `json:"campaign_id"`
	CurrentRound int    `json:"current_round"`
	IsActive     bool   `json:"is_active"`
	// LogSeq is the last sequence number handed to a log entry.
	LogSeq int64 `json:"log_seq"`
}

// InitiativeEntry is one combatant's slot in the turn order.
type InitiativeEntry struct {
	EncounterID       string       `json:"encounter_id"`
	Combatant         CombatantRef `json:"combatant"`
	InitiativeRoll    int          `json:"initiative_roll"`
	DexModifier       int          `json:"dex_modifier"`
	PassivePerception int          `json:"passive_perception"`
	IsCurrentTurn     bool         `json:"is_current_turn"`
	InsertionIndex    int          `json:"insertion_index"`
}

// Standing returns the ordering data for rules.SortByInitiative.
func (e InitiativeEntry) Standing() rules.InitiativeStanding {
	return rules.InitiativeStanding{
		Total:             e.InitiativeRoll,
		DexModifier:       e.DexModifier,
		PassivePerception: e.PassivePerception,
		Order:             e.InsertionIndex,
	}
}

// ActionEconomy holds the per-turn usage flags.
type ActionEconomy struct {
	Action      bool `json:"action_used"`
	BonusAction bool `json:"bonus_action_used"`
	Reaction    bool `json:"reaction_used"`
}

// EconomyFlag names one action economy slot.
type EconomyFlag string

const (
	FlagAction      EconomyFlag = "action"
	FlagBonusAction EconomyFlag = "bonus_action"
	FlagReaction    EconomyFlag = "reaction"
)

// Valid reports whether f is a known flag.
func (f EconomyFlag) Valid() bool {
	switch f {
	case FlagAction, FlagBonusAction, FlagReaction:
		return true
	}
	return false
}

// Toggle flips flag and returns its new value.
func (a *ActionEconomy) Toggle(flag EconomyFlag) bool {
	switch flag {
	case FlagAction:
		a.Action = !a.Action
		return a.Action
	case FlagBonusAction:
		a.BonusAction = !a.BonusAction
		return a.BonusAction
	case FlagReaction:
		a.Reaction = !a.Reaction
		return a.Reaction
	}
	return false
}

// DeathSaves holds a character's death save counters.
type DeathSaves struct {
	Successes int  `json:"successes"`
	Failures  int  `json:"failures"`
	Dying     bool `json:"dying"`
}

// State derives the save sequence state from the counters.
func (d DeathSaves) State() rules.DeathSaveState {
	return rules.NewDeathSaveTracker(d.Successes, d.Failures).State()
}

// ResourceKind identifies a per-character resource such as ki or rage.
type ResourceKind string

// Resource is a bounded counter.
type Resource struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// CombatantStats is the combat-relevant snapshot of a character or monster.
// Ref.Kind selects the variant; characters carry action economy, death saves
// and resources, monsters leave them zero.
type CombatantStats struct {
	Ref               CombatantRef              `json:"ref"`
	Name              string                    `json:"name"`
	AC                int                       `json:"ac"`
	HPCurrent         int                       `json:"hp_current"`
	HPMax             int                       `json:"hp_max"`
	Defenses          rules.Defenses            `json:"defenses"`
	InitiativeBonus   int                       `json:"initiative_bonus"`
	DexModifier       int                       `json:"dex_modifier"`
	PassivePerception int                       `json:"passive_perception"`
	ActionEconomy     ActionEconomy             `json:"action_economy"`
	DeathSaves        DeathSaves                `json:"death_saves"`
	Resources         map[ResourceKind]Resource `json:"resources,omitempty"`
}

// IsCharacter reports whether the stats belong to a player character.
func (s *CombatantStats) IsCharacter() bool {
	return s.Ref.Kind == KindCharacter
}

// IsDead reports whether the combatant is out of the fight for good.
func (s *CombatantStats) IsDead() bool {
	if s.IsCharacter() {
		return s.DeathSaves.State() == rules.DeathSaveDead
	}
	return s.HPCurrent == 0
}

// Clone returns a deep copy.
func (s *CombatantStats) Clone() *CombatantStats {
	if s == nil {
		return nil
	}
	out := *s
	out.Defenses = rules.Defenses{
		Resistances:     append([]rules.DamageType(nil), s.Defenses.Resistances...),
		Vulnerabilities: append([]rules.DamageType(nil), s.Defenses.Vulnerabilities...),
		Immunities:      append([]rules.DamageType(nil), s.Defenses.Immunities...),
	}
	if s.Resources != nil {
		out.Resources = make(map[ResourceKind]Resource, len(s.Resources))
		for k, v := range s.Resources {
			out.Resources[k] = v
		}
	}
	return &out
}

// Condition is a time-boxed status on a combatant.
type Condition struct {
	ID          string              `json:"id"`
	EncounterID string              `json:"encounter_id"`
	CharacterID string              `json:"character_id"`
	Type        rules.ConditionType `json:"condition_type"`
	EndsAtRound *int                `json:"ends_at_round,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ActiveAt reports whether the condition applies during round.
func (c Condition) ActiveAt(round int) bool {
	return rules.ActiveAt(c.EndsAtRound, round)
}

// Effect is a buff, debuff or periodic damage source.
type Effect struct {
	ID                       string           `json:"id"`
	EncounterID              string           `json:"encounter_id"`
	CharacterID              string           `json:"character_id"`
	TargetKind               CombatantKind    `json:"target_kind"`
	Name                     string           `json:"name"`
	StartRound               int              `json:"start_round"`
	EndRound                 *int             `json:"end_round,omitempty"`
	RequiresConcentration    bool             `json:"requires_concentration"`
	ConcentratingCharacterID *string          `json:"concentrating_character_id,omitempty"`
	DamagePerTick            *int             `json:"damage_per_tick,omitempty"`
	DamageTypePerTick        rules.DamageType `json:"damage_type_per_tick,omitempty"`
	TicksAt                  rules.Timing     `json:"ticks_at"`
	// LastTickRound is the last round in which the effect dealt its tick.
	LastTickRound int       `json:"last_tick_round"`
	CreatedAt     time.Time `json:"created_at"`
}

// ActiveAt reports whether the effect applies during round.
func (e Effect) ActiveAt(round int) bool {
	return rules.ActiveAt(e.EndRound, round)
}

// Target returns the combatant the effect is attached to.
func (e Effect) Target() CombatantRef {
	kind := e.TargetKind
	if kind == "" {
		kind = KindCharacter
	}
	return CombatantRef{ID: e.CharacterID, Kind: kind}
}

// ConcentratedBy reports whether casterID holds concentration on e.
func (e Effect) ConcentratedBy(casterID string) bool {
	return e.RequiresConcentration && e.ConcentratingCharacterID != nil && *e.ConcentratingCharacterID == casterID
}

// Ability is a saving throw ability score.
type Ability string

const (
	AbilityStrength     Ability = "str"
	AbilityDexterity    Ability = "dex"
	AbilityConstitution Ability = "con"
	AbilityIntelligence Ability = "int"
	AbilityWisdom       Ability = "wis"
	AbilityCharisma     Ability = "cha"
)

// Valid reports whether a is a known ability.
func (a Ability) Valid() bool {
	switch a {
	case AbilityStrength, AbilityDexterity, AbilityConstitution, AbilityIntelligence, AbilityWisdom, AbilityCharisma:
		return true
	}
	return false
}

// AdvantageMode describes how the d20 for a save is rolled.
type AdvantageMode string

const (
	AdvantageNormal       AdvantageMode = "normal"
	AdvantageAdvantage    AdvantageMode = "advantage"
	AdvantageDisadvantage AdvantageMode = "disadvantage"
)

// Valid reports whether m is a known mode.
func (m AdvantageMode) Valid() bool {
	return m == AdvantageNormal || m == AdvantageAdvantage || m == AdvantageDisadvantage
}

// PromptStatus is the lifecycle state of a save prompt.
type PromptStatus string

const (
	PromptActive   PromptStatus = "active"
	PromptResolved PromptStatus = "resolved"
	PromptExpired  PromptStatus = "expired"
)

// PromptPurpose distinguishes DM-issued saves from concentration checks.
type PromptPurpose string

const (
	PurposeGeneral       PromptPurpose = "general"
	PurposeConcentration PromptPurpose = "concentration"
)

// SavePrompt asks one or more characters to roll a saving throw.
type SavePrompt struct {
	ID            string        `json:"id"`
	EncounterID   string        `json:"encounter_id"`
	Ability       Ability       `json:"ability"`
	DC            int           `json:"dc"`
	Targets       []string      `json:"targets"`
	AdvantageMode AdvantageMode `json:"advantage_mode"`
	HalfOnSuccess bool          `json:"half_on_success"`
	Purpose       PromptPurpose `json:"purpose"`
	EffectID      string        `json:"effect_id,omitempty"`
	Status        PromptStatus  `json:"status"`
	DamageApplied bool          `json:"damage_applied"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Targeted reports whether characterID was asked to save. An empty target
// list accepts anyone.
func (p SavePrompt) Targeted(characterID string) bool {
	if len(p.Targets) == 0 {
		return true
	}
	for _, id := range p.Targets {
		if id == characterID {
			return true
		}
	}
	return false
}

// SaveResult is one character's answer to a prompt.
type SaveResult struct {
	SavePromptID string    `json:"save_prompt_id"`
	CharacterID  string    `json:"character_id"`
	Roll         int       `json:"roll"`
	Modifier     int       `json:"modifier"`
	Total        int       `json:"total"`
	Success      bool      `json:"success"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActionType labels a log entry.
type ActionType string

const (
	ActionDamage             ActionType = "damage"
	ActionHealing            ActionType = "healing"
	ActionEffectApplied      ActionType = "effect_applied"
	ActionEffectRemoved      ActionType = "effect_removed"
	ActionConditionRemoved   ActionType = "condition_removed"
	ActionConcentrationBroke ActionType = "concentration_broken"
	ActionInitiativeRolled   ActionType = "initiative_rolled"
	ActionInitiativeRemoved  ActionType = "initiative_removed"
	ActionCombatStarted      ActionType = "combat_started"
	ActionCombatEnded        ActionType = "combat_ended"
	ActionTurnAdvanced       ActionType = "turn_advanced"
	ActionTurnReverted       ActionType = "turn_reverted"
	ActionEconomyToggled     ActionType = "action_economy"
	ActionResourceSet        ActionType = "resource_set"
	ActionDeathSave          ActionType = "death_save"
	ActionSavePrompted       ActionType = "save_prompt_created"
	ActionSaveSubmitted      ActionType = "save_submitted"
	ActionSaveResolved       ActionType = "save_resolved"
	ActionUndo               ActionType = "undo"
)

// Reversible reports whether Undo supports entries of this type.
func (a ActionType) Reversible() bool {
	switch a {
	case ActionDamage, ActionHealing, ActionEffectApplied:
		return true
	}
	return false
}

// Kinds of object referenced by an effect_applied entry.
const (
	RefEffect    = "effect"
	RefCondition = "condition"
)

// LogDetails is the structured payload stored with a log entry. It carries
// enough data to reverse damage, healing and applied effects. Seat holds the
// initiative entry of a combatant killed by the logged hit.
type LogDetails struct {
	TargetKind       CombatantKind     `json:"target_kind,omitempty"`
	DamageType       rules.DamageType  `json:"damage_type,omitempty"`
	RawAmount        int               `json:"raw_amount,omitempty"`
	Modifier         rules.Modifier    `json:"modifier,omitempty"`
	Source           string            `json:"source,omitempty"`
	HPBefore         *int              `json:"hp_before,omitempty"`
	HPAfter          *int              `json:"hp_after,omitempty"`
	DeathSavesBefore *DeathSaves       `json:"death_saves_before,omitempty"`
	Seat             *InitiativeEntry  `json:"seat,omitempty"`
	Kind             string            `json:"kind,omitempty"`
	RefID            string            `json:"ref_id,omitempty"`
	UndoneEntryID    string            `json:"undone_entry_id,omitempty"`
	UndoneActionType ActionType        `json:"undone_action_type,omitempty"`
	Note             string            `json:"note,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID          string     `json:"id"`
	EncounterID string     `json:"encounter_id"`
	Seq         int64      `json:"seq"`
	Round       int        `json:"round"`
	ActionType  ActionType `json:"action_type"`
	CharacterID string     `json:"character_id,omitempty"`
	Amount      *int       `json:"amount,omitempty"`
	Details     LogDetails `json:"details"`
	CreatedAt   time.Time  `json:"created_at"`
}

func intPtr(v int) *int {
	return &v
}
