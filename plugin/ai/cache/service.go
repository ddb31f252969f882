package cache

import (
	"context"
	"sync"
	"time"
)

// Config configures a cache service.
type Config struct {
	Capacity        int           // Maximum number of entries (default: 1000)
	DefaultTTL      time.Duration // Default TTL for entries (default: 5 minutes)
	CleanupInterval time.Duration // Interval for expired entry cleanup (default: 1 minute)
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        1000,
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Service is an LRU cache with a background loop dropping expired entries.
type Service[V any] struct {
	*LRU[V]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewService creates a cache service and starts its cleanup loop.
// Call Close to stop it.
func NewService[V any](cfg Config) *Service[V] {
	d := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service[V]{
		LRU:    NewLRU[V](cfg.Capacity, cfg.DefaultTTL, time.Now),
		ctx:    ctx,
		cancel: cancel,
	}

	s.wg.Add(1)
	go s.cleanupLoop(cfg.CleanupInterval)
	return s
}

// Close stops the cleanup loop. It is safe to call more than once.
func (s *Service[V]) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Service[V]) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpired()
		}
	}
}
