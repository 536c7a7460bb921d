// Package reconcile decides how an incoming watch-state change lands in storage and
// whether it is propagated to the other backends.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"go.uber.org/zap"
)

// maxLockAttempts bounds how often the lock set is widened to a matched record's identifiers.
const maxLockAttempts = 8

var (
	errMissingStorage = errors.New("storage is required")
	errMissingQueue   = errors.New("queue is required")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew = "reconcile.engine.new"
	opReconcile = "reconcile.reconcile"
	opEnqueue   = "reconcile.enqueue"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Storage is the persistence collaborator, keyed by the shared-identifier rule.
type Storage interface {
	Get(ctx context.Context, entity state.Entity) (*state.Entity, error)
	Insert(ctx context.Context, entity state.Entity) (state.Entity, error)
	Update(ctx context.Context, entity state.Entity) (state.Entity, error)
}

// Queue receives entities whose play state must be pushed to the other backends.
type Queue interface {
	Enqueue(ctx context.Context, entity state.Entity) error
}

type Config struct {
	Storage Storage
	Queue   Queue
	Logger  *zap.Logger
}

// Engine reconciles incoming changes against storage.
type Engine struct {
	storage Storage
	queue   Queue
	logger  *zap.Logger
	locks   *keyedLock
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, newServiceError(opEngineNew, "missing_storage", errMissingStorage)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opEngineNew, "missing_queue", errMissingQueue)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		storage: cfg.Storage,
		queue:   cfg.Queue,
		logger:  logger,
		locks:   newKeyedLock(),
	}, nil
}

// Result is what a reconciliation did.
type Result struct {
	Outcome  Outcome
	Entity   state.Entity
	Changes  map[state.Field]state.FieldDiff
	Enqueued bool
}

// Reconcile runs the decision tree for change. Deliveries sharing an identity are
// serialized; the returned error is only set for storage failures.
func (e *Engine) Reconcile(ctx context.Context, change state.Change) (Result, error) {
	incoming := change.Entity
	if !incoming.HasGuids() {
		return Result{Outcome: OutcomeNoGuids, Entity: incoming}, nil
	}

	keys := lockKeys(incoming)
	for attempt := 1; ; attempt++ {
		unlock := e.locks.lock(keys)

		existing, err := e.storage.Get(ctx, incoming)
		if err != nil {
			unlock()
			e.logError(opReconcile, "lookup_failed", err, zap.Strings("guids", incoming.Pointers()))
			return Result{}, newServiceError(opReconcile, "lookup_failed", err)
		}

		// A match may carry identifiers another delivery is holding; widen and re-check.
		if existing != nil && attempt < maxLockAttempts {
			needed := append(lockKeys(*existing), keys...)
			if !covers(keys, needed) {
				unlock()
				keys = uniqueSorted(needed)
				continue
			}
		}

		result, err := e.execute(ctx, existing, change)
		unlock()
		return result, err
	}
}

func (e *Engine) execute(ctx context.Context, existing *state.Entity, change state.Change) (Result, error) {
	outcome := decide(existing, change)
	result := Result{Outcome: outcome.outcome, Entity: outcome.entity, Changes: outcome.changes}

	switch outcome.write {
	case writeInsert:
		stored, err := e.storage.Insert(ctx, outcome.entity)
		if err != nil {
			e.logError(opReconcile, "insert_failed", err, zap.Strings("guids", outcome.entity.Pointers()))
			return Result{}, newServiceError(opReconcile, "insert_failed", err)
		}
		result.Entity = stored
	case writeUpdate:
		stored, err := e.storage.Update(ctx, outcome.entity)
		if err != nil {
			e.logError(opReconcile, "update_failed", err, zap.Int64("id", outcome.entity.ID))
			return Result{}, newServiceError(opReconcile, "update_failed", err)
		}
		result.Entity = stored
	}

	if outcome.enqueue {
		if err := e.queue.Enqueue(ctx, result.Entity); err != nil {
			e.logError(opEnqueue, "enqueue_failed", err, zap.Int64("id", result.Entity.ID))
			metrics.RecordQueueFailure()
		} else {
			result.Enqueued = true
		}
	}

	e.logger.Debug("webhook reconciled",
		zap.String("outcome", result.Outcome.String()),
		zap.Int64("id", result.Entity.ID),
		zap.Bool("tainted", change.Tainted),
		zap.Bool("enqueued", result.Enqueued))

	return result, nil
}

// lockKeys scopes every identifier by type, matching the storage lookup rule.
func lockKeys(entity state.Entity) []string {
	pointers := entity.Pointers()
	keys := make([]string, 0, len(pointers))
	for _, pointer := range pointers {
		keys = append(keys, string(entity.Type)+"|"+pointer)
	}
	return uniqueSorted(keys)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("reconcile engine error", attrs...)
}
