package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/aegisflux/analyzer/internal/batch"
	"github.com/sgerhart/aegisflux/analyzer/internal/cache"
	"github.com/sgerhart/aegisflux/analyzer/internal/detect"
	"github.com/sgerhart/aegisflux/analyzer/internal/filter"
	"github.com/sgerhart/aegisflux/analyzer/internal/metrics"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
	"github.com/sgerhart/aegisflux/analyzer/internal/publish"
)

// ErrAnalysisInFlight is returned when a request arrives while another
// analysis is running. The request is dropped.
var ErrAnalysisInFlight = errors.New("analysis already in flight")

// analysisTarget is the applier target used by Analyze
const analysisTarget = "analysis"

// Deps are the collaborators of a Service. Store, Publisher and Metrics are
// optional.
type Deps struct {
	Set       detect.Set
	Scheduler *batch.Scheduler
	Cache     *cache.AnalysisCache
	Guard     *cache.Guard
	Applier   *filter.Applier
	Store     cache.Store
	Publisher *publish.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Request is one analysis request
type Request struct {
	Records        []*model.Record
	Descriptor     filter.Descriptor
	FileIdentity   string
	GroupByService bool
}

// Result is the outcome of an analysis
type Result struct {
	AnalysisID   string                `json:"analysis_id"`
	Threats      []model.Threat        `json:"threats"`
	Grouped      []model.Threat        `json:"grouped,omitempty"`
	Anomalies    []model.Anomaly       `json:"anomalies,omitempty"`
	Metrics      model.SecurityMetrics `json:"metrics"`
	RecordCount  int                   `json:"record_count"`
	TotalRecords int                   `json:"total_records"`
	FilterActive bool                  `json:"filter_active"`
	Cached       bool                  `json:"cached"`
	FromStore    bool                  `json:"from_store"`
	Chunks       int                   `json:"chunks"`
	Parallel     bool                  `json:"parallel"`
	Duration     time.Duration         `json:"duration_ns"`
	CompletedAt  time.Time             `json:"completed_at"`
}

// Service runs filter-then-analyze requests against the detector set
type Service struct {
	mu        sync.RWMutex
	set       detect.Set
	scheduler *batch.Scheduler

	// generation counts Reconfigure calls. A run commits only if it is
	// unchanged since the run started.
	generation uint64

	cache     *cache.AnalysisCache
	guard     *cache.Guard
	applier   *filter.Applier
	store     cache.Store
	publisher *publish.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService creates a service from its collaborators
func NewService(deps Deps) (*Service, error) {
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	s := &Service{
		set:       deps.Set,
		scheduler: deps.Scheduler,
		cache:     deps.Cache,
		guard:     deps.Guard,
		applier:   deps.Applier,
		store:     deps.Store,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
	if s.cache == nil {
		s.cache = cache.NewAnalysisCache()
	}
	if s.guard == nil {
		s.guard = &cache.Guard{}
	}
	if s.applier == nil {
		s.applier = filter.NewApplier(deps.Logger)
	}
	return s, nil
}

// Reconfigure swaps the detector set and scheduler used by later runs and
// drops the cached result
func (s *Service) Reconfigure(set detect.Set, scheduler *batch.Scheduler) {
	s.mu.Lock()
	s.set = set
	s.generation++
	if scheduler != nil {
		s.scheduler = scheduler
	}
	current := s.scheduler
	s.mu.Unlock()

	s.cache.Invalidate()
	s.logger.Info("Analyzer reconfigured",
		"sequential_threshold", current.SequentialThreshold,
		"chunk_size", current.ChunkSize,
		"workers", current.Workers)
}

// Filter compiles descriptor and applies it to records. A newer call for
// the same target cancels this one with filter.ErrSuperseded.
func (s *Service) Filter(ctx context.Context, target string, records []*model.Record, d filter.Descriptor) ([]*model.Record, *filter.Expression, error) {
	expr, err := filter.Compile(d)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile filter: %w", err)
	}
	subset, err := s.applier.Apply(ctx, target, expr, records)
	if err != nil {
		if errors.Is(err, filter.ErrSuperseded) && s.metrics != nil {
			s.metrics.IncFilterSuperseded()
		}
		return nil, expr, err
	}
	if s.metrics != nil {
		s.metrics.IncFilterApplied()
	}
	return subset, expr, nil
}

// Analyze filters the request's records and runs the detectors over the
// subset, or returns the cached result when the input is unchanged
func (s *Service) Analyze(ctx context.Context, req Request) (*Result, error) {
	subset, expr, err := s.Filter(ctx, analysisTarget, req.Records, req.Descriptor)
	if err != nil {
		return nil, err
	}

	key := cache.Key{
		RecordCount:  len(subset),
		FilterActive: expr.Active(),
		FileIdentity: req.FileIdentity,
	}

	if s.cache.ShouldSkipKey(key) {
		entry, _ := s.cache.Last()
		s.incAnalysis(metrics.OutcomeCached)
		s.logger.Debug("Analysis skipped, input unchanged", "key", key.String())
		return s.fromEntry(entry, len(req.Records), req.GroupByService, true, false), nil
	}

	if !s.guard.TryAcquire() {
		s.incAnalysis(metrics.OutcomeRejected)
		s.logger.Warn("Analysis request dropped, another run is in flight", "record_count", len(subset))
		return nil, ErrAnalysisInFlight
	}
	defer s.guard.Release()

	s.incAnalysis(metrics.OutcomeStarted)

	if entry, ok := s.loadStored(ctx, key); ok {
		s.cache.Commit(entry)
		s.incAnalysis(metrics.OutcomeCached)
		return s.fromEntry(entry, len(req.Records), req.GroupByService, false, true), nil
	}

	s.mu.RLock()
	set, scheduler, generation := s.set, s.scheduler, s.generation
	s.mu.RUnlock()

	run, err := scheduler.Run(ctx, set, subset)
	if err != nil {
		s.incAnalysis(metrics.OutcomeFailed)
		s.logger.Error("Analysis failed",
			"record_count", len(subset),
			"filter_active", key.FilterActive,
			"filter", expr.String(),
			"error", err)
		return nil, fmt.Errorf("failed to analyze %d records: %w", len(subset), err)
	}

	for i := range run.Threats {
		run.Threats[i].ID = uuid.NewString()
	}
	sm := model.ComputeSecurityMetrics(run.Threats)

	entry := &cache.Entry{
		Key:        key,
		AnalysisID: uuid.NewString(),
		Threats:    run.Threats,
		Metrics:    sm,
		CreatedAt:  time.Now().UTC(),
	}
	current := s.currentGeneration() == generation
	if current {
		s.cache.Commit(entry)
		s.saveStored(ctx, key, entry)
	} else {
		s.logger.Info("Analyzer reconfigured during run, result not cached",
			"analysis_id", entry.AnalysisID,
			"record_count", len(subset))
	}

	if s.metrics != nil {
		s.metrics.ObserveRun(len(subset), run.Duration, run.Threats, sm)
	}
	s.incAnalysis(metrics.OutcomeCompleted)

	result := s.fromEntry(entry, len(req.Records), req.GroupByService, false, false)
	result.Anomalies = run.Anomalies
	result.Chunks = run.Chunks
	result.Parallel = run.Parallel
	result.Duration = run.Duration

	s.logger.Info("Analysis completed",
		"analysis_id", entry.AnalysisID,
		"record_count", len(subset),
		"total_records", len(req.Records),
		"threats", len(run.Threats),
		"critical", sm.CriticalCount,
		"overall_risk_score", sm.OverallRiskScore,
		"parallel", run.Parallel,
		"duration", run.Duration)

	if current {
		s.publish(entry)
	}
	return result, nil
}

func (s *Service) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Last returns the last committed result
func (s *Service) Last(groupByService bool) (*Result, bool) {
	entry, ok := s.cache.Last()
	if !ok {
		return nil, false
	}
	return s.fromEntry(entry, entry.Key.RecordCount, groupByService, true, false), true
}

// InFlight reports whether an analysis is running
func (s *Service) InFlight() bool {
	return s.guard.Running()
}

func (s *Service) loadStored(ctx context.Context, key cache.Key) (*cache.Entry, bool) {
	if s.store == nil {
		return nil, false
	}
	entry, ok, err := s.store.Load(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to load stored analysis", "key", key.String(), "error", err)
		if s.metrics != nil {
			s.metrics.IncCacheStoreErrors()
		}
		return nil, false
	}
	if s.metrics != nil {
		s.metrics.IncCacheStoreRead(ok)
	}
	if !ok || len(entry.Threats) == 0 {
		return nil, false
	}
	s.logger.Info("Analysis restored from store", "analysis_id", entry.AnalysisID, "key", key.String())
	return entry, true
}

func (s *Service) saveStored(ctx context.Context, key cache.Key, entry *cache.Entry) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, key, entry); err != nil {
		s.logger.Warn("Failed to persist analysis", "analysis_id", entry.AnalysisID, "error", err)
		if s.metrics != nil {
			s.metrics.IncCacheStoreErrors()
		}
	}
}

func (s *Service) publish(entry *cache.Entry) {
	if !s.publisher.Enabled() {
		return
	}
	err := s.publisher.Publish(&publish.AnalysisCompleted{
		AnalysisID:   entry.AnalysisID,
		RecordCount:  entry.Key.RecordCount,
		FilterActive: entry.Key.FilterActive,
		FileIdentity: entry.Key.FileIdentity,
		Threats:      entry.Threats,
		Metrics:      entry.Metrics,
		CompletedAt:  entry.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("Failed to publish analysis", "analysis_id", entry.AnalysisID, "error", err)
		if s.metrics != nil {
			s.metrics.IncrementPublishErrors()
		}
	}
}

func (s *Service) incAnalysis(outcome string) {
	if s.metrics != nil {
		s.metrics.IncAnalysis(outcome)
	}
}

func (s *Service) fromEntry(e *cache.Entry, total int, grouped, cached, fromStore bool) *Result {
	r := &Result{
		AnalysisID:   e.AnalysisID,
		Threats:      e.Threats,
		Metrics:      e.Metrics,
		RecordCount:  e.Key.RecordCount,
		TotalRecords: total,
		FilterActive: e.Key.FilterActive,
		Cached:       cached,
		FromStore:    fromStore,
		CompletedAt:  e.CreatedAt,
	}
	if grouped {
		r.Grouped = detect.GroupByService(e.Threats)
	}
	return r
}
