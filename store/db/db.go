package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/promptlab/internal/profile"
	"github.com/hrygo/promptlab/store"
	"github.com/hrygo/promptlab/store/db/postgres"
	"github.com/hrygo/promptlab/store/db/sqlite"
)

// ============================================================================
// DATABASE SUPPORT POLICY
// ============================================================================
// Experiment persistence is optional.
//
// memory (or empty): no database; experiments live for the process lifetime.
// sqlite: single instance deployments and tests.
// postgres: shared deployments.
// ============================================================================

// NewDBDriver creates new db driver based on profile.
// It returns a nil driver when persistence is disabled.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "", "memory":
		return nil, nil
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q: only 'memory', 'postgres' and 'sqlite' are supported", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
