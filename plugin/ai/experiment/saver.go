package experiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/plugin/ai/events"
	"github.com/hrygo/promptlab/store"
)

// Store is the optional persistence adapter for experiment definitions.
// *store.Store satisfies it.
type Store interface {
	UpsertExperiment(ctx context.Context, upsert *store.UpsertExperiment) (*store.Experiment, error)
	ListExperiments(ctx context.Context, find *store.FindExperiment) ([]*store.Experiment, error)
	DeleteExperiment(ctx context.Context, delete *store.DeleteExperiment) error
}

const (
	opSave   = "save"
	opDelete = "delete"
	opLoad   = "load"
)

type saveJob struct {
	op  string
	id  string
	exp *Experiment
}

// saver applies store writes on a single goroutine so that a slow or failing
// store never blocks callers. A nil *saver discards every job.
type saver struct {
	store   Store
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger
	bus     *events.Bus

	mu     sync.RWMutex
	closed bool
	queue  chan saveJob
	done   chan struct{}
}

func newSaver(s Store, cfg Config, logger *slog.Logger, bus *events.Bus) *saver {
	if s == nil {
		return nil
	}
	sv := &saver{
		store:   s,
		limiter: rate.NewLimiter(rate.Limit(cfg.SaveRate), 1),
		timeout: cfg.StoreTimeout,
		logger:  logger,
		bus:     bus,
		queue:   make(chan saveJob, cfg.SaveQueueSize),
		done:    make(chan struct{}),
	}
	go sv.run()
	return sv
}

// save queues a snapshot of exp. The snapshot must not be shared.
func (s *saver) save(exp *Experiment) {
	s.enqueue(saveJob{op: opSave, id: exp.ID, exp: exp})
}

func (s *saver) delete(id string) {
	s.enqueue(saveJob{op: opDelete, id: id})
}

func (s *saver) enqueue(job saveJob) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- job:
	default:
		s.logger.Warn("experiment store queue full, dropping write",
			observability.LogFieldExperimentID, job.id,
			"operation", job.op,
		)
	}
}

// close stops accepting jobs and waits until the queued ones are applied.
func (s *saver) close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *saver) run() {
	defer close(s.done)
	for job := range s.queue {
		_ = s.limiter.Wait(context.Background())
		if err := s.apply(job); err != nil {
			s.logger.Error("experiment store write failed",
				observability.LogFieldExperimentID, job.id,
				"operation", job.op,
				observability.ErrAttr(err),
			)
			s.bus.Publish(events.StorageError{Operation: job.op, ExperimentID: job.id, Error: err.Error()})
		}
	}
}

func (s *saver) apply(job saveJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch job.op {
	case opDelete:
		return s.store.DeleteExperiment(ctx, &store.DeleteExperiment{ID: job.id})
	default:
		payload, err := json.Marshal(job.exp)
		if err != nil {
			return err
		}
		_, err = s.store.UpsertExperiment(ctx, &store.UpsertExperiment{
			ID:        job.exp.ID,
			Name:      job.exp.Name,
			Status:    string(job.exp.Status),
			Payload:   payload,
			CreatedAt: job.exp.CreatedAt,
			UpdatedAt: job.exp.UpdatedAt,
		})
		return err
	}
}
