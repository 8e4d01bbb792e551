package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func seedSnapshot(t *testing.T, s Store, mutate func(*schema.Snapshot)) *schema.Snapshot {
	t.Helper()
	snap := &schema.Snapshot{
		RunID:        uuid.New().String(),
		WorkflowName: "deploy",
		EntityID:     "app",
		Steps:        []any{"let x = ${a} + 1", map[string]any{"type": "log", "message": "${x}"}},
		Input:        map[string]any{"a": float64(1)},
		Status:       schema.WorkflowStatusRunning,
	}
	if mutate != nil {
		mutate(snap)
	}
	require.NoError(t, s.SaveSnapshot(context.Background(), snap))
	return snap
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var se *schema.StepwiseError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeNotFound, se.Code)
}

func TestSnapshot_SaveAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		snap := seedSnapshot(t, s, func(sn *schema.Snapshot) {
			sn.Vars = map[string]any{"x": float64(2)}
			sn.Index = 1
			sn.StepID = "2-log"
			sn.RetryCounts = map[string]int{"1-let/0": 3}
		})

		got, err := s.GetSnapshot(ctx, snap.RunID)
		require.NoError(t, err)
		assert.Equal(t, snap.RunID, got.RunID)
		assert.Equal(t, "deploy", got.WorkflowName)
		assert.Equal(t, snap.Steps, got.Steps, "steps are persisted unresolved")
		assert.Equal(t, map[string]any{"x": float64(2)}, got.Vars)
		assert.Equal(t, 1, got.Index)
		assert.Equal(t, "2-log", got.StepID)
		assert.Equal(t, map[string]int{"1-let/0": 3}, got.RetryCounts)
		assert.False(t, got.CreatedAt.IsZero())
	})
}

func TestSnapshot_Overwrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		snap := seedSnapshot(t, s, nil)
		created := snap.CreatedAt

		next := *snap
		next.Status = schema.WorkflowStatusSucceeded
		next.Output = "done"
		require.NoError(t, s.SaveSnapshot(ctx, &next))

		got, err := s.GetSnapshot(ctx, snap.RunID)
		require.NoError(t, err)
		assert.Equal(t, schema.WorkflowStatusSucceeded, got.Status)
		assert.Equal(t, "done", got.Output)
		assert.True(t, got.CreatedAt.Equal(created))
	})
}

func TestSnapshot_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetSnapshot(context.Background(), "missing")
		requireNotFound(t, err)
		requireNotFound(t, s.DeleteSnapshot(context.Background(), "missing"))
	})
}

func TestSnapshot_RequiresRunID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.SaveSnapshot(context.Background(), &schema.Snapshot{})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	})
}

func TestSnapshot_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := seedSnapshot(t, s, nil)
		time.Sleep(2 * time.Millisecond)
		child := seedSnapshot(t, s, func(sn *schema.Snapshot) {
			sn.ParentRunID = parent.RunID
			sn.WorkflowName = "child"
		})
		time.Sleep(2 * time.Millisecond)
		done := seedSnapshot(t, s, func(sn *schema.Snapshot) {
			sn.Status = schema.WorkflowStatusFailed
			sn.EntityID = "db"
		})

		all, err := s.ListSnapshots(ctx, SnapshotFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, done.RunID, all[0].RunID, "newest first")

		top, err := s.ListSnapshots(ctx, SnapshotFilter{TopLevel: true})
		require.NoError(t, err)
		assert.Len(t, top, 2)

		kids, err := s.ListSnapshots(ctx, SnapshotFilter{ParentRunID: parent.RunID})
		require.NoError(t, err)
		require.Len(t, kids, 1)
		assert.Equal(t, child.RunID, kids[0].RunID)

		failed, err := s.ListSnapshots(ctx, SnapshotFilter{Status: schema.WorkflowStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "db", failed[0].EntityID)

		byEntity, err := s.ListSnapshots(ctx, SnapshotFilter{EntityID: "app", WorkflowName: "deploy"})
		require.NoError(t, err)
		require.Len(t, byEntity, 1)
		assert.Equal(t, parent.RunID, byEntity[0].RunID)

		page, err := s.ListSnapshots(ctx, SnapshotFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, child.RunID, page[0].RunID)
	})
}

func TestSnapshot_DeleteDropsEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		snap := seedSnapshot(t, s, nil)
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{RunID: snap.RunID, Type: schema.EventWorkflowStarted}))

		require.NoError(t, s.DeleteSnapshot(ctx, snap.RunID))
		_, err := s.GetSnapshot(ctx, snap.RunID)
		requireNotFound(t, err)

		events, err := s.GetEvents(ctx, snap.RunID, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestEvents_MonotonicSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID := uuid.New().String()
		other := uuid.New().String()

		for i := 0; i < 5; i++ {
			e := &schema.Event{RunID: runID, StepID: "1-log", Type: schema.EventStepStarted}
			require.NoError(t, s.AppendEvent(ctx, e))
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		e := &schema.Event{RunID: other, Type: schema.EventWorkflowStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(1), e.Sequence, "sequences are per run")

		since, err := s.GetEvents(ctx, runID, 3)
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, int64(4), since[0].Sequence)
	})
}

func TestEvents_Payload(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID := uuid.New().String()
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{
			RunID:   runID,
			StepID:  "1-fail",
			Type:    schema.EventStepFailed,
			Payload: map[string]any{"error": "boom", "code": schema.ErrCodeStepFailed},
		}))

		events, err := s.GetEvents(ctx, runID, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "1-fail", events[0].StepID)
		assert.Equal(t, "boom", events[0].Payload["error"])
		assert.False(t, events[0].Timestamp.IsZero())
	})
}

func TestEvents_ConcurrentAppend(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		runID := uuid.New().String()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.AppendEvent(ctx, &schema.Event{RunID: runID, Type: schema.EventVariableSet}))
			}()
		}
		wg.Wait()

		events, err := s.GetEvents(ctx, runID, 0)
		require.NoError(t, err)
		require.Len(t, events, 20)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE INDEX i ON a(x);\n")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}
