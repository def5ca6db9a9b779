package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/shared"
)

// EntityStore is the engine's access to document rows inside the
// transition's transaction.
type EntityStore interface {
	// GetForUpdate loads and locks the document.
	GetForUpdate(ctx context.Context, ref shared.EntityRef) (EntityRecord, error)
	// SetStatus writes the new status guarded by the optimistic version;
	// a version mismatch returns shared.ErrConcurrentModification.
	SetStatus(ctx context.Context, ref shared.EntityRef, to Status, expectedVersion int64) error
}

// Stores is what every guard and effect can reach within the one atomic
// unit of a transition. Implementations usually also satisfy wider
// domain-specific store interfaces that effects assert for document
// operations.
type Stores interface {
	Entities() EntityStore
	Budgets() budget.TxStore
	Approvals() approval.TxStore
}

// UnitOfWork executes a function within one atomic unit of work.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, tx Stores) error) error
}

// GuardFunc is a transition predicate. It must not mutate state.
type GuardFunc func(ctx context.Context, tx Stores, req *Request) error

// EffectFunc is a transition side effect running inside the transition's
// transaction.
type EffectFunc func(ctx context.Context, tx Stores, req *Request) error

// Config assembles an engine. Tables reference guards and effects by
// enum; every referenced enum must have a binding or construction fails.
type Config struct {
	UnitOfWork UnitOfWork
	Tables     []Table
	Guards     map[Guard]GuardFunc
	Effects    map[Effect]EffectFunc
	Sink       shared.EventSink
	Logger     *slog.Logger
}

// Engine executes declarative transition tables for all five entity
// types. Only the tables differ per type; execution is shared.
type Engine struct {
	uow     UnitOfWork
	tables  map[shared.EntityType]Table
	guards  map[Guard]GuardFunc
	effects map[Effect]EffectFunc
	sink    shared.EventSink
	logger  *slog.Logger
}

// New validates the configuration and builds an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.UnitOfWork == nil {
		return nil, fmt.Errorf("workflow: unit of work required")
	}
	tables := make(map[shared.EntityType]Table, len(cfg.Tables))
	for _, table := range cfg.Tables {
		if _, dup := tables[table.Entity]; dup {
			return nil, fmt.Errorf("workflow: duplicate table for %s", table.Entity)
		}
		for _, tr := range table.Transitions {
			for _, g := range tr.Guards {
				if _, ok := cfg.Guards[g]; !ok {
					return nil, fmt.Errorf("workflow: %s/%s references unbound guard %d", table.Entity, tr.Action, g)
				}
			}
			for _, e := range tr.Effects {
				if _, ok := cfg.Effects[e]; !ok {
					return nil, fmt.Errorf("workflow: %s/%s references unbound effect %d", table.Entity, tr.Action, e)
				}
			}
		}
		tables[table.Entity] = table
	}
	return &Engine{
		uow:     cfg.UnitOfWork,
		tables:  tables,
		guards:  cfg.Guards,
		effects: cfg.Effects,
		sink:    cfg.Sink,
		logger:  cfg.Logger,
	}, nil
}

// Apply executes one transition: load and lock the document, match the
// edge, evaluate guards left to right, run effects in declared order,
// then flip the status under the optimistic version. The whole sequence
// is one atomic unit; a failed guard or effect leaves no partial writes.
// The transition event is emitted only after commit and never blocks or
// fails the operation.
func (e *Engine) Apply(ctx context.Context, ref shared.EntityRef, action Action, actorID int64, input Input) (Result, error) {
	table, ok := e.tables[ref.Type]
	if !ok {
		return Result{}, fmt.Errorf("workflow: no table for entity type %s", ref.Type)
	}

	var result Result
	err := e.uow.Execute(ctx, func(ctx context.Context, tx Stores) error {
		record, err := tx.Entities().GetForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		transition, ok := findTransition(table, record.Status, action)
		if !ok {
			return InvalidTransitionError{Entity: ref, Status: record.Status, Action: action}
		}
		req := &Request{
			Entity:     ref,
			Action:     action,
			ActorID:    actorID,
			Input:      input,
			Record:     record,
			Transition: transition,
			To:         transition.To,
		}
		for _, g := range transition.Guards {
			if err := e.guards[g](ctx, tx, req); err != nil {
				return err
			}
		}
		for _, eff := range transition.Effects {
			if err := e.effects[eff](ctx, tx, req); err != nil {
				return err
			}
		}
		if err := tx.Entities().SetStatus(ctx, ref, req.To, record.Version); err != nil {
			return err
		}
		result = Result{Entity: ref, From: record.Status, To: req.To}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if e.sink != nil {
		e.sink.Emit(ctx, shared.TransitionEvent{
			EntityType: ref.Type,
			EntityID:   ref.ID,
			FromState:  string(result.From),
			ToState:    string(result.To),
			ActorID:    actorID,
		})
	}
	if e.logger != nil {
		e.logger.Info("transition applied",
			slog.String("entity", ref.String()),
			slog.String("action", string(action)),
			slog.String("from", string(result.From)),
			slog.String("to", string(result.To)))
	}
	return result, nil
}

func findTransition(table Table, from Status, action Action) (Transition, bool) {
	for _, tr := range table.Transitions {
		if tr.Action != action {
			continue
		}
		for _, s := range tr.From {
			if s == from {
				return tr, true
			}
		}
	}
	return Transition{}, false
}
