package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingID       = errors.New("entity id is required")
	errAlreadyStored   = errors.New("entity already has an id")
	noOpLogger         = zap.NewNop()
)

// RepositoryError carries an operation.reason code for storage failures.
type RepositoryError struct {
	code string
	err  error
}

func (e *RepositoryError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RepositoryError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *RepositoryError) Code() string {
	return e.code
}

const (
	opRepositoryNew = "state.repository.new"
	opGet           = "state.get"
	opInsert        = "state.insert"
	opUpdate        = "state.update"
	opList          = "state.list"
)

func newRepositoryError(operation, reason string, cause error) error {
	return &RepositoryError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RepositoryConfig describes the dependencies of a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Repository persists entities and finds them by shared identifiers.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository validates the configuration and builds a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newRepositoryError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Repository{db: cfg.Database, logger: logger}, nil
}

// Get returns the stored entity of the same type sharing at least one identifier
// with entity, or nil when none exists. Ties go to the most recently updated record.
func (r *Repository) Get(ctx context.Context, entity Entity) (*Entity, error) {
	if r == nil || r.db == nil {
		return nil, newRepositoryError(opGet, "missing_database", errMissingDatabase)
	}
	if !entity.HasGuids() {
		return nil, nil
	}

	conditions := make([]string, 0, len(Namespaces))
	args := make([]any, 0, len(Namespaces))
	for _, ns := range Namespaces {
		value := entity.GUID(ns)
		if value == "" {
			continue
		}
		conditions = append(conditions, ns.Column()+" = ?")
		args = append(args, value)
	}

	var found Entity
	err := r.db.WithContext(ctx).
		Where("type = ?", entity.Type).
		Where("("+strings.Join(conditions, " OR ")+")", args...).
		Order("updated DESC").
		Order("id ASC").
		Take(&found).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logError(opGet, "query_failed", err, zap.Strings("guids", entity.Pointers()))
		return nil, newRepositoryError(opGet, "query_failed", err)
	}
	return &found, nil
}

// Insert stores a new entity and returns it with its assigned id.
func (r *Repository) Insert(ctx context.Context, entity Entity) (Entity, error) {
	if r == nil || r.db == nil {
		return Entity{}, newRepositoryError(opInsert, "missing_database", errMissingDatabase)
	}
	if entity.ID != 0 {
		return Entity{}, newRepositoryError(opInsert, "already_stored", errAlreadyStored)
	}
	if err := r.db.WithContext(ctx).Create(&entity).Error; err != nil {
		r.logError(opInsert, "create_failed", err, zap.Strings("guids", entity.Pointers()))
		return Entity{}, newRepositoryError(opInsert, "create_failed", err)
	}
	return entity, nil
}

// Update writes every field of an already stored entity.
func (r *Repository) Update(ctx context.Context, entity Entity) (Entity, error) {
	if r == nil || r.db == nil {
		return Entity{}, newRepositoryError(opUpdate, "missing_database", errMissingDatabase)
	}
	if entity.ID == 0 {
		return Entity{}, newRepositoryError(opUpdate, "missing_id", errMissingID)
	}
	if err := r.db.WithContext(ctx).Save(&entity).Error; err != nil {
		r.logError(opUpdate, "save_failed", err, zap.Int64("id", entity.ID))
		return Entity{}, newRepositoryError(opUpdate, "save_failed", err)
	}
	return entity, nil
}

// List returns stored entities, most recently updated first.
func (r *Repository) List(ctx context.Context, limit int) ([]Entity, error) {
	if r == nil || r.db == nil {
		return nil, newRepositoryError(opList, "missing_database", errMissingDatabase)
	}
	query := r.db.WithContext(ctx).Order("updated DESC").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entities []Entity
	if err := query.Find(&entities).Error; err != nil {
		r.logError(opList, "query_failed", err)
		return nil, newRepositoryError(opList, "query_failed", err)
	}
	return entities, nil
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("state repository error", attrs...)
}
