package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rendis/stepwise/pkg/schema"
)

// MemoryStore keeps snapshots and events in process. Used in tests and
// when no database path is configured. Snapshots are stored by value;
// callers must not mutate maps inside a snapshot after saving it.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]schema.Snapshot
	events    map[string][]*schema.Event
	nextID    int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]schema.Snapshot),
		events:    make(map[string][]*schema.Event),
	}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *schema.Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot requires a run id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		if prev, ok := m.snapshots[snap.RunID]; ok {
			snap.CreatedAt = prev.CreatedAt
		} else {
			snap.CreatedAt = now
		}
	}
	snap.UpdatedAt = now
	m.snapshots[snap.RunID] = *snap
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, runID string) (*schema.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[runID]
	if !ok {
		return nil, storeNotFound("run", runID)
	}
	return &snap, nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, filter SnapshotFilter) ([]*schema.Snapshot, error) {
	m.mu.RLock()
	matched := lo.FilterMap(lo.Values(m.snapshots), func(s schema.Snapshot, _ int) (*schema.Snapshot, bool) {
		return &s, filter.Matches(&s)
	})
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].RunID < matched[j].RunID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) DeleteSnapshot(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[runID]; !ok {
		return storeNotFound("run", runID)
	}
	delete(m.snapshots, runID)
	delete(m.events, runID)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	stored := *event
	m.events[event.RunID] = append(m.events[event.RunID], &stored)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.FilterMap(m.events[runID], func(e *schema.Event, _ int) (*schema.Event, bool) {
		cp := *e
		return &cp, e.Sequence > since
	}), nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
