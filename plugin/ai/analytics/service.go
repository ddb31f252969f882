// Package analytics buffers execution records per template and derives
// performance reports, trends, anomalies and metric histories from them.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/plugin/ai/events"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
)

const tracerName = "github.com/hrygo/promptlab/plugin/ai/analytics"

// MetricPoint is one entry of a metric history.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Service is the telemetry store and performance analytics component.
// Thread Safety: Safe for concurrent use. Records of one template are
// serialized by that template's buffer lock; distinct templates proceed in parallel.
type Service struct {
	cfg      Config
	registry *telemetry.Registry
	bus      *events.Bus
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.RWMutex
	buffers map[string]*templateBuffer
	subs    []string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRegistry shares a metric registry with other components.
func WithRegistry(r *telemetry.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// NewService creates the analytics service and starts its retention loop.
// Call Destroy to stop it.
func NewService(cfg Config, bus *events.Bus, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg.withDefaults(),
		bus:     bus,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		buffers: make(map[string]*templateBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = telemetry.NewRegistry()
	}

	s.wg.Add(1)
	go s.retentionLoop()
	return s
}

// Registry returns the metric registry used by reports.
func (s *Service) Registry() *telemetry.Registry {
	return s.registry
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Subscribe attaches a handler to the event bus. The subscription is
// released by Destroy.
func (s *Service) Subscribe(handler events.Handler, kinds ...events.Kind) string {
	id := s.bus.Subscribe(handler, kinds...)
	if id == "" {
		return ""
	}
	s.mu.Lock()
	s.subs = append(s.subs, id)
	s.mu.Unlock()
	return id
}

// RecordExecution appends record to its template buffer. With real-time
// analysis enabled, the record is checked against the executions that preceded it.
func (s *Service) RecordExecution(ctx context.Context, record telemetry.ExecutionRecord) error {
	if record.TemplateID == "" {
		return aierrors.InvalidArgument("template id is required")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	record = record.Clone()

	baseline := s.insert(record)
	s.metrics.RecordExecution(record.Success)

	s.logger.DebugContext(ctx, "execution recorded",
		observability.LogFieldTemplateID, record.TemplateID,
		"success", record.Success,
		"response_time_ms", record.ResponseTime,
	)
	s.bus.Publish(events.ExecutionRecorded{TemplateID: record.TemplateID, Record: record})

	if !s.cfg.RealTimeAnalysis {
		return nil
	}
	anomalies := s.detect(baseline, record)
	if len(anomalies) == 0 {
		return nil
	}
	for _, a := range anomalies {
		s.metrics.RecordAnomaly(a.Metric, string(a.Severity))
	}
	s.logger.WarnContext(ctx, "anomalies detected",
		observability.LogFieldTemplateID, record.TemplateID,
		observability.LogFieldCount, len(anomalies),
	)
	s.bus.Publish(events.AnomaliesDetected{TemplateID: record.TemplateID, Anomalies: anomalies})
	return nil
}

// DetectAnomalies checks candidate against the executions of templateID that
// happened before it. Fewer than MinBaselineExecutions prior records yield none.
func (s *Service) DetectAnomalies(templateID string, candidate telemetry.ExecutionRecord) []telemetry.Anomaly {
	buf := s.buffer(templateID, false)
	if buf == nil {
		return nil
	}
	return s.detect(buf.before(candidate.Timestamp, s.cfg.BaselineWindow), candidate)
}

// RegisterCustomMetric adds a named aggregate over execution records. It is
// reported in PerformanceReport.CustomMetrics and usable by strategy conditions.
func (s *Service) RegisterCustomMetric(name string, calc telemetry.Calculator, unit string, higherIsBetter bool) error {
	direction := telemetry.LowerIsBetter
	if higherIsBetter {
		direction = telemetry.HigherIsBetter
	}
	if err := s.registry.Register(telemetry.Definition{
		Name:      name,
		Unit:      unit,
		Direction: direction,
		Aggregate: calc,
	}); err != nil {
		return err
	}

	s.logger.Info("custom metric registered", observability.LogFieldMetric, name, "unit", unit)
	s.bus.Publish(events.MetricRegistered{Name: name, Unit: unit, Direction: direction})
	return nil
}

// MetricHistory returns metric aggregated per interval bucket, oldest first,
// keeping the most recent limit points (limit <= 0 keeps all). Unknown
// templates yield an empty history; unknown metrics are rejected.
func (s *Service) MetricHistory(templateID, metric string, interval time.Duration, limit int) ([]MetricPoint, error) {
	def, ok := s.registry.Lookup(metric)
	if !ok {
		return nil, aierrors.InvalidArgument("unknown metric %q", metric)
	}
	if interval <= 0 {
		interval = s.cfg.TrendInterval
	}

	points := make([]MetricPoint, 0)
	buf := s.buffer(templateID, false)
	if buf == nil {
		return points, nil
	}
	for _, b := range bucketize(buf.between(nil, nil), interval) {
		points = append(points, MetricPoint{Timestamp: b.start, Value: def.Aggregate(b.records)})
	}
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// Templates returns the ids of every template with buffered records, sorted.
func (s *Service) Templates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Prune drops records older than the retention period and forgets empty templates.
func (s *Service) Prune() int {
	cutoff := s.now().Add(-s.cfg.RetentionPeriod)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, buf := range s.buffers {
		removed += buf.prune(cutoff)
		if buf.size() == 0 {
			delete(s.buffers, id)
		}
	}
	return removed
}

// Destroy stops the retention loop, releases every buffer and detaches the
// subscriptions made through Subscribe. It is safe to call more than once.
func (s *Service) Destroy() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.buffers = make(map[string]*templateBuffer)
		s.mu.Unlock()

		for _, id := range subs {
			s.bus.Unsubscribe(id)
		}
		s.logger.Info("analytics service destroyed", observability.LogFieldCount, len(subs))
	})
}

func (s *Service) buffer(templateID string, create bool) *templateBuffer {
	s.mu.RLock()
	buf, ok := s.buffers[templateID]
	s.mu.RUnlock()
	if ok || !create {
		return buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok = s.buffers[templateID]; !ok {
		buf = &templateBuffer{}
		s.buffers[templateID] = buf
	}
	return buf
}

// insert appends record under the map read lock so Prune, which holds the
// write lock, cannot drop the buffer while the record lands in it.
func (s *Service) insert(record telemetry.ExecutionRecord) []telemetry.ExecutionRecord {
	for {
		s.mu.RLock()
		if buf, ok := s.buffers[record.TemplateID]; ok {
			baseline := buf.insert(record, s.cfg.BaselineWindow, s.cfg.MaxRecordsPerTemplate)
			s.mu.RUnlock()
			return baseline
		}
		s.mu.RUnlock()
		s.buffer(record.TemplateID, true)
	}
}

func (s *Service) retentionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Prune(); removed > 0 {
				s.logger.Info("pruned expired execution records", observability.LogFieldCount, removed)
			}
		}
	}
}
