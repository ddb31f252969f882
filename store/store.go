package store

import (
	"context"

	"github.com/hrygo/promptlab/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate prepares the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) UpsertExperiment(ctx context.Context, upsert *UpsertExperiment) (*Experiment, error) {
	return s.driver.UpsertExperiment(ctx, upsert)
}

func (s *Store) ListExperiments(ctx context.Context, find *FindExperiment) ([]*Experiment, error) {
	return s.driver.ListExperiments(ctx, find)
}

// GetExperiment returns the experiment with the given id, or nil if none exists.
func (s *Store) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	list, err := s.driver.ListExperiments(ctx, &FindExperiment{ID: &id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) DeleteExperiment(ctx context.Context, delete *DeleteExperiment) error {
	return s.driver.DeleteExperiment(ctx, delete)
}
