package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates the schema if it does not exist yet.
	Migrate(ctx context.Context) error

	// Experiment model related methods.
	UpsertExperiment(ctx context.Context, upsert *UpsertExperiment) (*Experiment, error)
	ListExperiments(ctx context.Context, find *FindExperiment) ([]*Experiment, error)
	DeleteExperiment(ctx context.Context, delete *DeleteExperiment) error
}
