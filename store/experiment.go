package store

import "time"

// Experiment is the persisted form of an A/B experiment definition.
// Payload holds the JSON-encoded experiment as owned by the experiment manager.
type Experiment struct {
	ID        string
	Name      string
	Status    string
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertExperiment specifies the data for creating or replacing an experiment.
type UpsertExperiment struct {
	ID        string
	Name      string
	Status    string
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FindExperiment specifies the conditions for finding experiments.
type FindExperiment struct {
	ID     *string
	Status *string
	Limit  int
}

// DeleteExperiment specifies the experiment to delete.
type DeleteExperiment struct {
	ID string
}
