package combat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questforge/encounter-server/internal/apperr"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/combat/rules"
)

// Publisher receives change notifications after a command commits.
// Implementations must not block.
type Publisher interface {
	PublishBatch(events []broker.EncounterChanged)
}

// SavePolicy controls when save prompts leave the active state on their own.
type SavePolicy struct {
	// ResolveWhenAllResponded resolves a prompt once every target submitted.
	ResolveWhenAllResponded bool
	// ExpireAfter expires a prompt this long after creation. Zero disables.
	ExpireAfter time.Duration
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	QueueSize   int
	IdleTimeout time.Duration
	// UndoDepth is how many of the most recent log entries Undo may reverse.
	UndoDepth  int
	SavePolicy SavePolicy
	Roller     rules.Roller
	Publisher  Publisher
	Clock      func() time.Time
	NewID      func() string
}

const (
	defaultQueueSize   = 32
	defaultIdleTimeout = 5 * time.Minute
	defaultUndoDepth   = 50
)

// ErrEngineClosed is returned for commands submitted after Close.
var ErrEngineClosed = apperr.New(apperr.KindInternal, "encounter engine is shutting down")

// Engine serializes every mutation of an encounter through one actor
// goroutine per encounter id. Actors start on demand and retire when idle.
type Engine struct {
	store  Store
	logger *zap.Logger
	opts   Options

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

type actor struct {
	encounterID string
	cmds        chan *command
	// pending counts commands enqueued or about to be; guarded by Engine.mu.
	pending int
}

type command struct {
	ctx  context.Context
	name string
	fn   func(o *op) error
	done chan error
}

// NewEngine creates an engine over store.
func NewEngine(store Store, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.UndoDepth <= 0 {
		opts.UndoDepth = defaultUndoDepth
	}
	if opts.Roller == nil {
		opts.Roller = rules.NewRandomRoller(time.Now().UnixNano())
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Engine{
		store:  store,
		logger: logger,
		opts:   opts,
		actors: make(map[string]*actor),
		stop:   make(chan struct{}),
	}
}

// ActiveActors reports how many encounter actors are running.
func (e *Engine) ActiveActors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actors)
}

// Close stops accepting commands and waits for queued ones to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.stop)
	e.mu.Unlock()
	e.wg.Wait()
}

// do runs fn on the encounter's actor and waits for the outcome. Once
// dequeued a command runs to completion even if ctx is cancelled.
func (e *Engine) do(ctx context.Context, encounterID, name string, fn func(o *op) error) error {
	cmd := &command{ctx: ctx, name: name, fn: fn, done: make(chan error, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	a, ok := e.actors[encounterID]
	if !ok {
		a = &actor{encounterID: encounterID, cmds: make(chan *command, e.opts.QueueSize)}
		e.actors[encounterID] = a
		e.wg.Add(1)
		go e.run(a)
	}
	a.pending++
	e.mu.Unlock()

	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		e.mu.Lock()
		a.pending--
		e.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(a *actor) {
	defer e.wg.Done()
	logger := e.logger.With(zap.String("encounter_id", a.encounterID))
	logger.Debug("encounter actor started")

	idle := time.NewTimer(e.opts.IdleTimeout)
	defer idle.Stop()
	stop := e.stop
	stopping := false

	for {
		select {
		case cmd := <-a.cmds:
			cmd.done <- e.execute(a.encounterID, cmd)
			e.mu.Lock()
			a.pending--
			exit := stopping && a.pending == 0
			if exit {
				delete(e.actors, a.encounterID)
			}
			e.mu.Unlock()
			if exit {
				logger.Debug("encounter actor stopped")
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.opts.IdleTimeout)
		case <-idle.C:
			if e.retire(a) {
				logger.Debug("encounter actor retired")
				return
			}
			idle.Reset(e.opts.IdleTimeout)
		case <-stop:
			stop = nil
			stopping = true
			if e.retire(a) {
				logger.Debug("encounter actor stopped")
				return
			}
		}
	}
}

func (e *Engine) retire(a *actor) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.pending > 0 {
		return false
	}
	delete(e.actors, a.encounterID)
	return true
}

func (e *Engine) execute(encounterID string, cmd *command) error {
	ctx := context.WithoutCancel(cmd.ctx)
	start := e.opts.Clock()

	var o *op
	err := e.store.WithEncounter(ctx, encounterID, func(tx Tx) error {
		enc, err := tx.Encounter(ctx)
		if err != nil {
			return err
		}
		o = &op{ctx: ctx, tx: tx, engine: e, enc: enc}
		if err := cmd.fn(o); err != nil {
			return err
		}
		if o.encDirty {
			if err := tx.SaveEncounter(ctx, o.enc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.translate(encounterID, cmd.name, err)
	}

	if e.opts.Publisher != nil && len(o.changes) > 0 {
		for i := range o.changes {
			o.changes[i].Seq = o.enc.LogSeq
		}
		e.opts.Publisher.PublishBatch(o.changes)
	}

	e.logger.Debug("encounter command applied",
		zap.String("encounter_id", encounterID),
		zap.String("command", cmd.name),
		zap.Int("round", o.enc.CurrentRound),
		zap.Int64("log_seq", o.enc.LogSeq),
		zap.Duration("elapsed", e.opts.Clock().Sub(start)),
	)
	return o.deferred
}

func (e *Engine) translate(encounterID, name string, err error) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		if appErr.Kind == apperr.KindInternal {
			e.logger.Error("encounter command failed",
				zap.String("encounter_id", encounterID),
				zap.String("command", name),
				zap.Error(err),
			)
		}
		return appErr
	case errors.Is(err, ErrNotFound):
		return apperr.Newf(apperr.KindNotFound, "encounter %s not found", encounterID)
	case errors.Is(err, ErrDuplicate):
		return apperr.New(apperr.KindConflict, "record already exists")
	default:
		e.logger.Error("encounter command failed",
			zap.String("encounter_id", encounterID),
			zap.String("command", name),
			zap.Error(err),
		)
		return apperr.Internal("encounter command failed", err)
	}
}

// op is the state of one command inside its transaction.
type op struct {
	ctx      context.Context
	tx       Tx
	engine   *Engine
	enc      *Encounter
	encDirty bool
	changes  []broker.EncounterChanged
	// deferred is returned to the caller after a successful commit.
	deferred error
}

func (o *op) now() time.Time {
	return o.engine.opts.Clock().UTC()
}

func (o *op) newID() string {
	return o.engine.opts.NewID()
}

func (o *op) touch(table broker.Table, kind broker.Op) {
	for _, c := range o.changes {
		if c.Table == table && c.Op == kind {
			return
		}
	}
	o.changes = append(o.changes, broker.EncounterChanged{
		EncounterID: o.enc.ID,
		Table:       table,
		Op:          kind,
		At:          o.now(),
	})
}

func (o *op) markEncounter() {
	o.encDirty = true
	o.touch(broker.TableEncounters, broker.OpUpdate)
}

func (o *op) appendLog(action ActionType, characterID string, amount *int, details LogDetails) (LogEntry, error) {
	o.enc.LogSeq++
	o.encDirty = true
	entry := LogEntry{
		ID:          o.newID(),
		EncounterID: o.enc.ID,
		Seq:         o.enc.LogSeq,
		Round:       o.enc.CurrentRound,
		ActionType:  action,
		CharacterID: characterID,
		Amount:      amount,
		Details:     details,
		CreatedAt:   o.now(),
	}
	if err := o.tx.AppendLog(o.ctx, entry); err != nil {
		return LogEntry{}, err
	}
	o.touch(broker.TableCombatLog, broker.OpInsert)
	return entry, nil
}

func (o *op) combatant(ref CombatantRef) (*CombatantStats, error) {
	stats, err := o.tx.Combatant(o.ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "%s %s not found", ref.Kind, ref.ID)
	}
	return stats, err
}

func (o *op) saveVitals(stats *CombatantStats) error {
	if err := o.tx.SaveCombatantVitals(o.ctx, stats); err != nil {
		return err
	}
	o.touch(broker.TableCombatants, broker.OpUpdate)
	return nil
}
