package combat

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound  = errors.New("combat: not found")
	ErrDuplicate = errors.New("combat: duplicate")
)

// Store is the transactional persistence the engine runs on.
type Store interface {
	// WithEncounter runs fn in one transaction scoped to encounterID, holding
	// that encounter's write lock. The transaction commits if fn returns nil
	// and rolls back otherwise. Returns ErrNotFound for unknown encounters.
	WithEncounter(ctx context.Context, encounterID string, fn func(tx Tx) error) error
	// LocateSavePrompt returns the encounter owning promptID.
	LocateSavePrompt(ctx context.Context, promptID string) (string, error)
}

// Tx is the view of one encounter inside a Store transaction.
type Tx interface {
	Encounter(ctx context.Context) (*Encounter, error)
	SaveEncounter(ctx context.Context, enc *Encounter) error

	// Initiative returns entries in no particular order.
	Initiative(ctx context.Context) ([]InitiativeEntry, error)
	// InsertInitiative returns ErrDuplicate if any combatant is already present.
	InsertInitiative(ctx context.Context, entries []InitiativeEntry) error
	UpdateInitiative(ctx context.Context, entries []InitiativeEntry) error
	DeleteInitiative(ctx context.Context, ref CombatantRef) error
	ClearInitiative(ctx context.Context) error

	Combatant(ctx context.Context, ref CombatantRef) (*CombatantStats, error)
	// SaveCombatantVitals writes back hp, action economy, death saves and
	// resources. Other fields are read-only to the engine.
	SaveCombatantVitals(ctx context.Context, stats *CombatantStats) error

	Conditions(ctx context.Context) ([]Condition, error)
	InsertCondition(ctx context.Context, c Condition) error
	DeleteCondition(ctx context.Context, id string) error

	Effects(ctx context.Context) ([]Effect, error)
	InsertEffect(ctx context.Context, e Effect) error
	UpdateEffect(ctx context.Context, e Effect) error
	DeleteEffect(ctx context.Context, id string) error

	SavePrompts(ctx context.Context) ([]SavePrompt, error)
	SavePrompt(ctx context.Context, id string) (*SavePrompt, error)
	InsertSavePrompt(ctx context.Context, p SavePrompt) error
	UpdateSavePrompt(ctx context.Context, p SavePrompt) error
	SaveResults(ctx context.Context, promptID string) ([]SaveResult, error)
	// InsertSaveResult returns ErrDuplicate for a second (prompt, character) pair.
	InsertSaveResult(ctx context.Context, r SaveResult) error

	AppendLog(ctx context.Context, entry LogEntry) error
	// LogEntries returns the newest limit entries ordered by Seq ascending.
	// limit <= 0 returns all entries.
	LogEntries(ctx context.Context, limit int) ([]LogEntry, error)
	LogEntry(ctx context.Context, id string) (*LogEntry, error)
	DeleteLogEntry(ctx context.Context, id string) error
}
