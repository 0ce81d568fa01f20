package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/aegisflux/analyzer/internal/detect"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

const (
	DefaultSequentialThreshold = 500000
	DefaultChunkSize           = 100000
)

// Pass names reported to chunk observers
const (
	PassStructural = "structural"
	PassVersion    = "version"
	PassBehavioral = "behavioral"
)

// Config sizes the scheduler. Zero values take the defaults.
type Config struct {
	SequentialThreshold int `yaml:"sequential_threshold"`
	ChunkSize           int `yaml:"chunk_size"`
	Workers             int `yaml:"workers"`
}

// Result is the aggregated outcome of one run
type Result struct {
	Threats   []model.Threat
	Anomalies []model.Anomaly
	Chunks    int
	Parallel  bool
	Duration  time.Duration
}

// Scheduler runs a detector set over a record subset, sequentially below a
// size threshold and as fixed-size chunks on a bounded worker pool above it.
// Both paths feed the same sink and merge, so their results are equal.
type Scheduler struct {
	SequentialThreshold int
	ChunkSize           int
	Workers             int

	// OnChunk, when set, is called after each task completes. It may be
	// called from several workers at once.
	OnChunk func(pass string, records int)

	logger *slog.Logger
}

// NewScheduler creates a scheduler from config
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		SequentialThreshold: cfg.SequentialThreshold,
		ChunkSize:           cfg.ChunkSize,
		Workers:             cfg.Workers,
		logger:              logger,
	}
	if s.SequentialThreshold <= 0 {
		s.SequentialThreshold = DefaultSequentialThreshold
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.Workers <= 0 {
		s.Workers = runtime.NumCPU()
	}
	return s
}

type task struct {
	pass    string
	records []*model.Record
	run     func(ctx context.Context, records []*model.Record, sink *Sink) error
}

// Run detects threats over records. The first detector error cancels the
// remaining work and is returned; nothing is returned on failure.
func (s *Scheduler) Run(ctx context.Context, set detect.Set, records []*model.Record) (*Result, error) {
	start := time.Now()
	parallel := len(records) >= s.SequentialThreshold

	size := len(records)
	if parallel {
		size = s.ChunkSize
	}

	// pre-filter once over the whole subset, then chunk it on its own
	monitored := set.MonitoredSubset(records)

	var tasks []task
	if set.Structural != nil {
		for _, c := range chunk(records, size) {
			tasks = append(tasks, task{pass: PassStructural, records: c, run: threatTask(set.Structural)})
		}
	}
	if set.Version != nil {
		for _, c := range chunk(monitored, size) {
			tasks = append(tasks, task{pass: PassVersion, records: c, run: threatTask(set.Version)})
		}
	}
	if set.Behavioral != nil && len(records) > 0 {
		tasks = append(tasks, task{pass: PassBehavioral, records: records, run: anomalyTask(set)})
	}

	sink := NewSink()
	var err error
	if parallel {
		err = s.runParallel(ctx, tasks, sink)
	} else {
		err = s.runSequential(ctx, tasks, sink)
	}
	if err != nil {
		return nil, err
	}

	threats, anomalies, err := sink.Drain()
	if err != nil {
		return nil, err
	}

	merged := detect.MergeThreats(threats)
	detect.NormalizeRiskScores(merged)
	detect.SortThreats(merged)

	result := &Result{
		Threats:   merged,
		Anomalies: anomalies,
		Chunks:    len(tasks),
		Parallel:  parallel,
		Duration:  time.Since(start),
	}

	s.logger.Debug("Detection run completed",
		"record_count", len(records),
		"monitored_count", len(monitored),
		"parallel", parallel,
		"tasks", len(tasks),
		"threats", len(merged),
		"duration", result.Duration)

	return result, nil
}

func (s *Scheduler) runSequential(ctx context.Context, tasks []task, sink *Sink) error {
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runTask(ctx, t, sink); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runParallel(ctx context.Context, tasks []task, sink *Sink) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)

	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.runTask(gctx, t, sink)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t task, sink *Sink) error {
	if err := t.run(ctx, t.records, sink); err != nil {
		return err
	}
	if s.OnChunk != nil {
		s.OnChunk(t.pass, len(t.records))
	}
	return nil
}

func threatTask(d detect.Detector) func(context.Context, []*model.Record, *Sink) error {
	return func(ctx context.Context, records []*model.Record, sink *Sink) error {
		threats, err := d.Detect(ctx, records)
		if err != nil {
			return fmt.Errorf("detector %s failed: %w", d.Name(), err)
		}
		return sink.Append(threats...)
	}
}

func anomalyTask(set detect.Set) func(context.Context, []*model.Record, *Sink) error {
	return func(ctx context.Context, records []*model.Record, sink *Sink) error {
		anomalies, err := set.Behavioral.DetectAnomalies(ctx, records)
		if err != nil {
			return fmt.Errorf("detector %s failed: %w", set.Behavioral.Name(), err)
		}
		if err := sink.AppendAnomalies(anomalies...); err != nil {
			return err
		}
		return sink.Append(set.ConvertAnomalies(anomalies)...)
	}
}

// chunk splits records into slices of at most size sharing the backing array
func chunk(records []*model.Record, size int) [][]*model.Record {
	if len(records) == 0 {
		return nil
	}
	if size <= 0 || size >= len(records) {
		return [][]*model.Record{records}
	}
	chunks := make([][]*model.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end:end])
	}
	return chunks
}
