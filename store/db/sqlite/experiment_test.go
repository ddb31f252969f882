package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	prof := &profile.Profile{Driver: "sqlite", DSN: ":memory:"}
	driver, err := NewDB(prof)
	require.NoError(t, err)

	s := store.New(driver, prof)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestExperimentStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Upsert", func(t *testing.T) {
		e, err := s.UpsertExperiment(ctx, &store.UpsertExperiment{
			ID:        "exp-1",
			Name:      "greeting tone",
			Status:    "draft",
			Payload:   []byte(`{"id":"exp-1"}`),
			CreatedAt: created,
			UpdatedAt: created,
		})
		require.NoError(t, err)
		assert.Equal(t, "draft", e.Status)
		assert.True(t, created.Equal(e.CreatedAt))
		assert.JSONEq(t, `{"id":"exp-1"}`, string(e.Payload))
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		_, err := s.UpsertExperiment(ctx, &store.UpsertExperiment{
			ID:        "exp-1",
			Name:      "greeting tone",
			Status:    "running",
			Payload:   []byte(`{"id":"exp-1","status":"running"}`),
			CreatedAt: created,
			UpdatedAt: created.Add(time.Hour),
		})
		require.NoError(t, err)

		got, err := s.GetExperiment(ctx, "exp-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "running", got.Status)
		assert.True(t, created.Equal(got.CreatedAt))
		assert.True(t, created.Add(time.Hour).Equal(got.UpdatedAt))
	})

	t.Run("ListByStatus", func(t *testing.T) {
		_, err := s.UpsertExperiment(ctx, &store.UpsertExperiment{
			ID: "exp-2", Name: "summary length", Status: "draft",
			Payload: []byte(`{}`), CreatedAt: created.Add(time.Minute), UpdatedAt: created.Add(time.Minute),
		})
		require.NoError(t, err)

		all, err := s.ListExperiments(ctx, &store.FindExperiment{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "exp-1", all[0].ID)

		draft := "draft"
		drafts, err := s.ListExperiments(ctx, &store.FindExperiment{Status: &draft})
		require.NoError(t, err)
		require.Len(t, drafts, 1)
		assert.Equal(t, "exp-2", drafts[0].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.DeleteExperiment(ctx, &store.DeleteExperiment{ID: "exp-1"}))
		got, err := s.GetExperiment(ctx, "exp-1")
		require.NoError(t, err)
		assert.Nil(t, got)

		assert.Error(t, s.DeleteExperiment(ctx, &store.DeleteExperiment{}))
	})
}
