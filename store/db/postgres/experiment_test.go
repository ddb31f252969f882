package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/store"
)

// Set POSTGRES_TEST_DSN to run against a live database.
func TestExperimentStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	prof := &profile.Profile{Driver: "postgres", DSN: dsn}
	driver, err := NewDB(prof)
	require.NoError(t, err)
	s := store.New(driver, prof)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	id := "pg-test-" + time.Now().Format("150405.000000")
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err = s.UpsertExperiment(ctx, &store.UpsertExperiment{
		ID: id, Name: "pg", Status: "draft", Payload: []byte(`{"a":1}`), CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	defer func() { _ = s.DeleteExperiment(ctx, &store.DeleteExperiment{ID: id}) }()

	got, err := s.GetExperiment(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "draft", got.Status)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
}
