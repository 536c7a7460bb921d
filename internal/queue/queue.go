// Package queue holds entities waiting to be pushed to the other backends.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	"github.com/goccy/go-json"
)

// Key is the cache key holding the pending entries.
const Key = "queue"

var (
	errMissingStore = errors.New("queue: cache store is required")
	errMissingID    = errors.New("queue: entity has no id")
)

// Queue is a process-wide push queue keyed by entity id. Enqueuing the same entity
// twice keeps one entry holding the latest snapshot.
type Queue struct {
	mu    sync.Mutex
	store cache.Store
}

// New builds a Queue over store.
func New(store cache.Store) (*Queue, error) {
	if store == nil {
		return nil, errMissingStore
	}
	return &Queue{store: store}, nil
}

// Enqueue records entity for propagation. Entities without identifiers are skipped.
func (q *Queue) Enqueue(ctx context.Context, entity state.Entity) error {
	if !entity.HasGuids() {
		return nil
	}
	if entity.ID == 0 {
		return errMissingID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	entries[strconv.FormatInt(entity.ID, 10)] = entity
	return q.save(ctx, entries)
}

// Pending returns the queued snapshots ordered by entity id.
func (q *Queue) Pending(ctx context.Context) ([]state.Entity, error) {
	q.mu.Lock()
	entries, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pending := make([]state.Entity, 0, len(entries))
	for _, entity := range entries {
		pending = append(pending, entity)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

// Remove drops the given entity ids from the queue.
func (q *Queue) Remove(ctx context.Context, ids ...int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(entries, strconv.FormatInt(id, 10))
	}
	if len(entries) == 0 {
		if err := q.store.Delete(ctx, Key); err != nil {
			return fmt.Errorf("queue: clear: %w", err)
		}
		return nil
	}
	return q.save(ctx, entries)
}

func (q *Queue) load(ctx context.Context) (map[string]state.Entity, error) {
	entries := make(map[string]state.Entity)
	raw, found, err := q.store.Get(ctx, Key)
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	if !found || len(raw) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("queue: decode: %w", err)
	}
	return entries, nil
}

func (q *Queue) save(ctx context.Context, entries map[string]state.Entity) error {
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := q.store.Set(ctx, Key, encoded); err != nil {
		return fmt.Errorf("queue: save: %w", err)
	}
	return nil
}
