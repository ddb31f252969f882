// Package experiment runs A/B experiments across prompt template variants:
// lifecycle, traffic allocation, per-variant statistics, winner detection
// and adaptive (bandit) reallocation.
package experiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	aierrors "github.com/hrygo/promptlab/internal/errors"
	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/plugin/ai/events"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
	"github.com/hrygo/promptlab/store"
)

// testState is the per-experiment state. Every field is guarded by mu.
type testState struct {
	mu          sync.Mutex
	exp         *Experiment
	executions  map[string][]telemetry.ExecutionRecord // variant id -> records
	assignments map[string]string                      // subject id -> variant id
	counts      map[string]int                         // variant id -> assignments
	stopMonitor context.CancelFunc
}

func newTestState(exp *Experiment) *testState {
	return &testState{
		exp:         exp,
		executions:  make(map[string][]telemetry.ExecutionRecord),
		assignments: make(map[string]string),
		counts:      make(map[string]int),
	}
}

// Manager owns every experiment of one engine instance.
// Thread Safety: Safe for concurrent use. Operations on one experiment are
// serialized; different experiments proceed in parallel. Variant assignment
// never touches the store.
type Manager struct {
	cfg     Config
	bus     *events.Bus
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	random  func() float64
	store   Store
	saver   *saver

	mu    sync.RWMutex
	tests map[string]*testState

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithStore enables persistence of experiment definitions.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithRandom overrides the uniform [0,1) source used by weighted random allocation.
func WithRandom(random func() float64) Option {
	return func(m *Manager) { m.random = random }
}

// NewManager creates an experiment manager. Call Close to stop monitors and
// flush pending store writes.
func NewManager(cfg Config, bus *events.Bus, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg.withDefaults(),
		bus:    bus,
		logger: slog.Default(),
		now:    time.Now,
		random: rand.Float64,
		tests:  make(map[string]*testState),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.saver = newSaver(m.store, m.cfg, m.logger, m.bus)
	return m
}

// CreateTest validates cfg and registers a new draft experiment.
func (m *Manager) CreateTest(ctx context.Context, cfg TestConfig) (*Experiment, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	now := m.now()
	exp := &Experiment{
		ID:                uuid.NewString(),
		Name:              cfg.Name,
		Description:       cfg.Description,
		Status:            StatusDraft,
		Variants:          make([]Variant, 0, len(cfg.Variants)),
		TargetMetric:      cfg.TargetMetric,
		MinimumSampleSize: cfg.MinimumSampleSize,
		ConfidenceLevel:   cfg.ConfidenceLevel,
		CreatedAt:         now,
		CreatedBy:         cfg.CreatedBy,
		UpdatedAt:         now,
	}
	for _, vc := range cfg.Variants {
		id := vc.ID
		if id == "" {
			id = uuid.NewString()
		}
		exp.Variants = append(exp.Variants, Variant{
			ID:              id,
			Name:            vc.Name,
			TemplateID:      vc.TemplateID,
			TemplateVersion: vc.TemplateVersion,
			Weight:          vc.Weight,
			IsControl:       vc.IsControl,
		})
	}

	m.mu.Lock()
	m.tests[exp.ID] = newTestState(exp)
	m.mu.Unlock()

	m.saver.save(exp.Clone())
	m.metrics.RecordTransition(string(StatusDraft))
	m.logger.InfoContext(ctx, "experiment created",
		observability.LogFieldExperimentID, exp.ID,
		observability.LogFieldMetric, exp.TargetMetric,
		"variants", len(exp.Variants),
	)
	m.bus.Publish(events.ExperimentCreated{
		ExperimentID: exp.ID,
		Name:         exp.Name,
		TargetMetric: exp.TargetMetric,
		Variants:     len(exp.Variants),
	})
	return exp.Clone(), nil
}

// StartTest moves a draft or paused experiment to running and starts its monitor.
func (m *Manager) StartTest(ctx context.Context, testID string) (*Experiment, error) {
	st, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	from := st.exp.Status
	if !CanTransition(from, StatusRunning) {
		st.mu.Unlock()
		return nil, aierrors.FailedPrecondition("cannot start experiment %s in status %s", testID, from)
	}
	now := m.now()
	st.exp.Status = StatusRunning
	st.exp.UpdatedAt = now
	if st.exp.StartedAt == nil {
		st.exp.StartedAt = &now
	}
	m.startMonitorLocked(st)
	snapshot := st.exp.Clone()
	st.mu.Unlock()

	m.saver.save(snapshot)
	m.metrics.RecordTransition(string(StatusRunning))
	m.logger.InfoContext(ctx, "experiment started", observability.LogFieldExperimentID, testID)
	m.bus.Publish(events.ExperimentStarted{ExperimentID: testID, Resumed: from == StatusPaused})
	return snapshot.Clone(), nil
}

// PauseTest moves a running experiment to paused and stops its monitor.
func (m *Manager) PauseTest(ctx context.Context, testID string) (*Experiment, error) {
	st, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if !CanTransition(st.exp.Status, StatusPaused) {
		status := st.exp.Status
		st.mu.Unlock()
		return nil, aierrors.FailedPrecondition("cannot pause experiment %s in status %s", testID, status)
	}
	st.exp.Status = StatusPaused
	st.exp.UpdatedAt = m.now()
	m.stopMonitorLocked(st)
	snapshot := st.exp.Clone()
	st.mu.Unlock()

	m.saver.save(snapshot)
	m.metrics.RecordTransition(string(StatusPaused))
	m.logger.InfoContext(ctx, "experiment paused", observability.LogFieldExperimentID, testID)
	m.bus.Publish(events.ExperimentPaused{ExperimentID: testID})
	return snapshot.Clone(), nil
}

// CompleteTest runs a final analysis, stores it on the experiment and marks
// it completed. Completing an already completed experiment returns the
// stored result.
func (m *Manager) CompleteTest(ctx context.Context, testID string) (*Result, error) {
	st, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.exp.Status == StatusCompleted {
		if st.exp.Result != nil {
			result := st.exp.Result.Clone()
			st.mu.Unlock()
			return result, nil
		}
		// Restored without a stored result.
		result := m.analyzeLocked(st)
		st.exp.Result = result
		snapshot := st.exp.Clone()
		st.mu.Unlock()
		m.saver.save(snapshot)
		return result.Clone(), nil
	}
	if !CanTransition(st.exp.Status, StatusCompleted) {
		status := st.exp.Status
		st.mu.Unlock()
		return nil, aierrors.FailedPrecondition("cannot complete experiment %s in status %s", testID, status)
	}
	result := m.analyzeLocked(st)
	m.completeLocked(st, result)
	snapshot := st.exp.Clone()
	st.mu.Unlock()

	m.saver.save(snapshot)
	m.logger.InfoContext(ctx, "experiment completed",
		observability.LogFieldExperimentID, testID,
		observability.LogFieldStatus, result.Status,
		observability.LogFieldVariantID, result.WinnerVariantID,
	)
	m.bus.Publish(completedEvent(testID, result))
	return result.Clone(), nil
}

// AssignVariant returns the variant subjectID should see. It returns nil
// unless the experiment is running. The first assignment of a subject is
// remembered and returned on every later call.
func (m *Manager) AssignVariant(testID, subjectID string) (*Variant, error) {
	if subjectID == "" {
		return nil, aierrors.InvalidArgument("subject id is required")
	}
	st, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.exp.Status != StatusRunning {
		return nil, nil
	}
	if id, ok := st.assignments[subjectID]; ok {
		if v, ok := st.exp.Variant(id); ok {
			return &v, nil
		}
	}

	v := allocate(m.cfg.AllocationPolicy, st.exp.Variants, subjectID, testID, st.counts, m.random)
	st.assignments[subjectID] = v.ID
	st.counts[v.ID]++
	m.metrics.RecordAssignment(string(m.cfg.AllocationPolicy))
	return &v, nil
}

// RecordExecution attaches an execution to a variant of the experiment. With
// auto-optimization enabled, the winner and bandit check runs immediately.
func (m *Manager) RecordExecution(ctx context.Context, testID, variantID string, exec telemetry.ExecutionRecord) error {
	if err := exec.Validate(); err != nil {
		return err
	}
	st, err := m.state(testID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if _, ok := st.exp.Variant(variantID); !ok {
		st.mu.Unlock()
		return aierrors.NotFound("variant", variantID)
	}
	if st.exp.Status == StatusCompleted {
		st.mu.Unlock()
		return aierrors.FailedPrecondition("experiment %s is completed", testID)
	}
	if exec.Timestamp.IsZero() {
		exec.Timestamp = m.now()
	}
	exec = exec.WithMetadata(telemetry.MetadataExperimentID, testID).WithMetadata(telemetry.MetadataVariantID, variantID)
	st.executions[variantID] = append(st.executions[variantID], exec)

	var payloads []events.Payload
	var snapshot *Experiment
	if m.cfg.AutoOptimize {
		payloads, snapshot = m.checkLocked(st)
	}
	st.mu.Unlock()

	m.logger.DebugContext(ctx, "experiment execution recorded",
		observability.LogFieldExperimentID, testID,
		observability.LogFieldVariantID, variantID,
	)
	m.afterCheck(snapshot, payloads)
	return nil
}

// RunCheck runs the winner and bandit check once. The background monitor
// calls it every MonitorInterval while the experiment is running; it does
// nothing for experiments in any other status.
func (m *Manager) RunCheck(ctx context.Context, testID string) error {
	st, err := m.state(testID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	payloads, snapshot := m.checkLocked(st)
	st.mu.Unlock()

	if len(payloads) > 0 {
		m.logger.InfoContext(ctx, "experiment check changed state",
			observability.LogFieldExperimentID, testID,
			observability.LogFieldCount, len(payloads),
		)
	}
	m.afterCheck(snapshot, payloads)
	return nil
}

// AnalyzeTestResults computes per-variant statistics and decides whether a
// winner exists. Completed experiments return their stored result.
func (m *Manager) AnalyzeTestResults(testID string) (*Result, error) {
	st, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.exp.Status == StatusCompleted && st.exp.Result != nil {
		return st.exp.Result.Clone(), nil
	}
	return m.analyzeLocked(st), nil
}

// ActiveTestsForTemplate returns the running experiments with a variant on templateID.
func (m *Manager) ActiveTestsForTemplate(templateID string) []*Experiment {
	var out []*Experiment
	for _, st := range m.states() {
		st.mu.Lock()
		if st.exp.Status == StatusRunning && st.exp.ReferencesTemplate(templateID) {
			out = append(out, st.exp.Clone())
		}
		st.mu.Unlock()
	}
	sortExperiments(out)
	return out
}

// GetTest returns a snapshot of an experiment.
func (m *Manager) GetTest(testID string) (*Experiment, error) {
	st, err := m.state(testID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.exp.Clone(), nil
}

// ListTests returns snapshots of every experiment, oldest first.
func (m *Manager) ListTests() []*Experiment {
	out := make([]*Experiment, 0)
	for _, st := range m.states() {
		st.mu.Lock()
		out = append(out, st.exp.Clone())
		st.mu.Unlock()
	}
	sortExperiments(out)
	return out
}

// DeleteTest removes a draft or completed experiment.
func (m *Manager) DeleteTest(ctx context.Context, testID string) error {
	m.mu.Lock()
	st, ok := m.tests[testID]
	if !ok {
		m.mu.Unlock()
		return aierrors.NotFound("experiment", testID)
	}
	st.mu.Lock()
	status := st.exp.Status
	if status != StatusDraft && status != StatusCompleted {
		st.mu.Unlock()
		m.mu.Unlock()
		return aierrors.FailedPrecondition("cannot delete experiment %s in status %s", testID, status)
	}
	delete(m.tests, testID)
	st.mu.Unlock()
	m.mu.Unlock()

	m.saver.delete(testID)
	m.logger.InfoContext(ctx, "experiment deleted", observability.LogFieldExperimentID, testID)
	return nil
}

// LoadPersisted restores experiment definitions from the store and returns
// how many were restored. Store failures are logged, published as
// StorageError events and leave the manager empty-handed rather than failing.
func (m *Manager) LoadPersisted(ctx context.Context) int {
	if m.store == nil {
		return 0
	}
	list, err := m.store.ListExperiments(ctx, &store.FindExperiment{})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to load persisted experiments", observability.ErrAttr(err))
		m.bus.Publish(events.StorageError{Operation: opLoad, Error: err.Error()})
		return 0
	}

	restored := 0
	for _, rec := range list {
		var exp Experiment
		if err := json.Unmarshal(rec.Payload, &exp); err != nil || exp.ID == "" {
			m.logger.WarnContext(ctx, "skipping unreadable persisted experiment",
				observability.LogFieldExperimentID, rec.ID,
				observability.ErrAttr(err),
			)
			continue
		}

		m.mu.Lock()
		if _, exists := m.tests[exp.ID]; exists {
			m.mu.Unlock()
			continue
		}
		st := newTestState(&exp)
		m.tests[exp.ID] = st
		m.mu.Unlock()

		if exp.Status == StatusRunning {
			st.mu.Lock()
			m.startMonitorLocked(st)
			st.mu.Unlock()
		}
		restored++
	}
	m.logger.InfoContext(ctx, "persisted experiments restored", observability.LogFieldCount, restored)
	return restored
}

// Close stops every monitor and waits for pending store writes.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.saver.close()
	})
}

func (m *Manager) state(testID string) (*testState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tests[testID]
	if !ok {
		return nil, aierrors.NotFound("experiment", testID)
	}
	return st, nil
}

func (m *Manager) states() []*testState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*testState, 0, len(m.tests))
	for _, st := range m.tests {
		out = append(out, st)
	}
	return out
}

// analyzeLocked computes the result of st. The caller holds st.mu.
func (m *Manager) analyzeLocked(st *testState) *Result {
	exp := st.exp
	def, _ := telemetry.Builtin(exp.TargetMetric)

	stats := make(map[string]VariantStats, len(exp.Variants))
	allSufficient := true
	for _, v := range exp.Variants {
		vs := variantStats(v.ID, def, st.executions[v.ID], exp.MinimumSampleSize, exp.ConfidenceLevel)
		stats[v.ID] = vs
		allSufficient = allSufficient && vs.Sufficient
	}

	result := &Result{
		Status:     ResultInsufficientData,
		Variants:   stats,
		AnalyzedAt: m.now(),
	}
	control, _ := exp.Control()
	cs := stats[control.ID]
	if allSufficient {
		result.Status = ResultNoWinner
	}
	if !cs.Sufficient {
		return result
	}

	var best, winner string
	bestImprovement, winnerImprovement := 0.0, 0.0
	for _, v := range exp.Variants {
		vs := stats[v.ID]
		if v.IsControl || !vs.Sufficient {
			continue
		}
		pct, ok := improvement(vs.Mean, cs.Mean, def.LowerIsBetter())
		if !ok {
			continue
		}
		vs.ImprovementOverControl = &pct
		stats[v.ID] = vs

		if best == "" || pct > bestImprovement {
			best, bestImprovement = v.ID, pct
		}
		if pct > 0 && !vs.ConfidenceInterval.Overlaps(cs.ConfidenceInterval) && (winner == "" || pct > winnerImprovement) {
			winner, winnerImprovement = v.ID, pct
		}
	}

	if winner != "" && m.ranLongEnough(exp) {
		result.Status = ResultWinnerFound
		result.WinnerVariantID = winner
		result.StatisticalSignificance = significance(stats[winner], cs)
	} else if best != "" {
		result.StatisticalSignificance = significance(stats[best], cs)
	}
	return result
}

func (m *Manager) ranLongEnough(exp *Experiment) bool {
	if exp.StartedAt == nil {
		return false
	}
	end := m.now()
	if exp.EndedAt != nil {
		end = *exp.EndedAt
	}
	return end.Sub(*exp.StartedAt) >= m.cfg.MinimumDuration
}

// completeLocked marks st completed with result. The caller holds st.mu.
func (m *Manager) completeLocked(st *testState, result *Result) {
	m.stopMonitorLocked(st)
	now := m.now()
	st.exp.Status = StatusCompleted
	st.exp.EndedAt = &now
	st.exp.UpdatedAt = now
	st.exp.Result = result
	m.metrics.RecordTransition(string(StatusCompleted))
}

// checkLocked runs the winner and bandit check on a running experiment. It
// returns the events to publish and, when state changed, a snapshot to save.
// The caller holds st.mu.
func (m *Manager) checkLocked(st *testState) ([]events.Payload, *Experiment) {
	if st.exp.Status != StatusRunning {
		return nil, nil
	}

	result := m.analyzeLocked(st)
	if result.Status == ResultWinnerFound {
		if !m.cfg.AutoOptimize {
			return nil, nil
		}
		m.completeLocked(st, result)
		return []events.Payload{
			events.ExperimentAutoOptimized{
				ExperimentID:    st.exp.ID,
				WinnerVariantID: result.WinnerVariantID,
				Improvement:     result.Improvement(),
				Significance:    result.StatisticalSignificance,
			},
			completedEvent(st.exp.ID, result),
		}, st.exp.Clone()
	}

	if !m.cfg.BanditEnabled {
		return nil, nil
	}
	def, _ := telemetry.Builtin(st.exp.TargetMetric)
	weights, ok := banditWeights(st.exp.Variants, result.Variants, def, m.cfg.BanditMinObservations, m.cfg.MinWeight, m.cfg.MaxWeight)
	if !ok {
		return nil, nil
	}
	changed := false
	for i, v := range st.exp.Variants {
		if w := weights[v.ID]; w != v.Weight {
			st.exp.Variants[i].Weight = w
			changed = true
		}
	}
	if !changed {
		return nil, nil
	}
	st.exp.UpdatedAt = m.now()
	m.metrics.RecordTrafficAdjustment()
	return []events.Payload{events.TrafficAdjusted{ExperimentID: st.exp.ID, Weights: weights}}, st.exp.Clone()
}

func (m *Manager) afterCheck(snapshot *Experiment, payloads []events.Payload) {
	if snapshot != nil {
		m.saver.save(snapshot)
	}
	for _, p := range payloads {
		m.bus.Publish(p)
	}
}

func completedEvent(testID string, result *Result) events.ExperimentCompleted {
	return events.ExperimentCompleted{
		ExperimentID:    testID,
		ResultStatus:    string(result.Status),
		WinnerVariantID: result.WinnerVariantID,
	}
}

func sortExperiments(list []*Experiment) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
