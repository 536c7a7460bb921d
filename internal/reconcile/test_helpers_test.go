package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/queue"
	"github.com/MarcoPoloResearchLab/watchstate/backend/internal/state"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// memoryStorage is a Storage that counts calls and matches on any shared identifier.
type memoryStorage struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]state.Entity
	gets    int
	inserts int
	updates int
	failGet error
}

func newMemoryStorage(seed ...state.Entity) *memoryStorage {
	storage := &memoryStorage{records: make(map[int64]state.Entity)}
	for _, entity := range seed {
		storage.nextID++
		entity.ID = storage.nextID
		storage.records[entity.ID] = entity
	}
	return storage
}

func (s *memoryStorage) Get(_ context.Context, entity state.Entity) (*state.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGet != nil {
		return nil, s.failGet
	}
	for id := int64(1); id <= s.nextID; id++ {
		record, ok := s.records[id]
		if !ok || record.Type != entity.Type {
			continue
		}
		for ns, value := range entity.GUIDs() {
			if record.GUID(ns) == value {
				found := record
				return &found, nil
			}
		}
	}
	return nil, nil
}

func (s *memoryStorage) Insert(_ context.Context, entity state.Entity) (state.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	s.nextID++
	entity.ID = s.nextID
	s.records[entity.ID] = entity
	return entity, nil
}

func (s *memoryStorage) Update(_ context.Context, entity state.Entity) (state.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if _, ok := s.records[entity.ID]; !ok {
		return state.Entity{}, errors.New("no such record")
	}
	s.records[entity.ID] = entity
	return entity, nil
}

func (s *memoryStorage) record(id int64) state.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memoryStorage) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts + s.updates
}

// recordingQueue remembers every enqueued snapshot.
type recordingQueue struct {
	mu       sync.Mutex
	enqueued []state.Entity
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, entity state.Entity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, entity)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

func newTestEngine(t *testing.T, storage Storage, pushQueue Queue) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{Storage: storage, Queue: pushQueue})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return engine
}

// newPersistentEngine wires the engine to sqlite storage and a cache-backed queue.
func newPersistentEngine(t *testing.T) (*Engine, *state.Repository, *queue.Queue) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&state.Entity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repository, err := state.NewRepository(state.RepositoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	pushQueue, err := queue.New(cache.NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	return newTestEngine(t, repository, pushQueue), repository, pushQueue
}
