package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/analyzer/internal/batch"
	"github.com/sgerhart/aegisflux/analyzer/internal/cache"
	"github.com/sgerhart/aegisflux/analyzer/internal/detect"
	"github.com/sgerhart/aegisflux/analyzer/internal/filter"
	"github.com/sgerhart/aegisflux/analyzer/internal/metrics"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
	"github.com/sgerhart/aegisflux/analyzer/internal/publish"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingDetector wraps the insecure-port detector and records calls
type countingDetector struct {
	inner   detect.Detector
	calls   atomic.Int32
	fail    atomic.Bool
	started chan struct{}
	release chan struct{}
}

func newCountingDetector() *countingDetector {
	return &countingDetector{inner: detect.NewInsecurePortDetector(model.KnownInsecureServices)}
}

func (d *countingDetector) Name() string { return "counting" }

func (d *countingDetector) Detect(ctx context.Context, records []*model.Record) ([]model.Threat, error) {
	d.calls.Add(1)
	if d.started != nil {
		close(d.started)
		d.started = nil
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() {
		return nil, errors.New("signature database unavailable")
	}
	return d.inner.Detect(ctx, records)
}

type fakeConn struct {
	msgs []*nats.Msg
}

func (c *fakeConn) IsConnected() bool { return true }

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func records(ports ...uint16) []*model.Record {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Record, 0, len(ports))
	for i, p := range ports {
		out = append(out, model.Record{
			SourceAddress:      "10.0.0.1",
			DestinationAddress: "10.0.0.2",
			SourcePort:         uint16(40000 + i),
			DestinationPort:    p,
			Protocol:           model.ProtocolTCP,
			Length:             60,
			Timestamp:          base.Add(time.Duration(i) * time.Second),
			FrameNumber:        uint64(i + 1),
		})
	}
	return model.Refs(out)
}

func newTestService(t *testing.T, d *countingDetector, modify func(*Deps)) *Service {
	t.Helper()
	deps := Deps{
		Set:       detect.Set{Structural: d},
		Scheduler: batch.NewScheduler(batch.Config{}, testLogger()),
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:    testLogger(),
	}
	if modify != nil {
		modify(&deps)
	}
	svc, err := NewService(deps)
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{Logger: testLogger()})
	assert.Error(t, err)
	_, err = NewService(Deps{Scheduler: batch.NewScheduler(batch.Config{}, testLogger())})
	assert.Error(t, err)
}

func TestAnalyze_DetectsAndCaches(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)
	ctx := context.Background()
	recs := records(23, 23, 23, 443)

	first, err := svc.Analyze(ctx, Request{Records: recs})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Len(t, first.Threats, 1)
	assert.Equal(t, 23, first.Threats[0].Port)
	assert.Equal(t, 3, first.Threats[0].OccurrenceCount)
	assert.Equal(t, 9.0, first.Threats[0].RiskScore)
	assert.NotEmpty(t, first.Threats[0].ID)
	assert.NotEmpty(t, first.AnalysisID)
	assert.Equal(t, 1, first.Metrics.CriticalCount)
	assert.Equal(t, 4, first.RecordCount)
	assert.EqualValues(t, 1, d.calls.Load())

	second, err := svc.Analyze(ctx, Request{Records: recs})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.AnalysisID, second.AnalysisID)
	assert.EqualValues(t, 1, d.calls.Load(), "unchanged input does not rerun detectors")

	last, ok := svc.Last(false)
	require.True(t, ok)
	assert.Equal(t, first.AnalysisID, last.AnalysisID)
}

func TestAnalyze_EmptyResultIsNotSkipped(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)
	recs := records(443, 443)

	for i := 0; i < 2; i++ {
		res, err := svc.Analyze(context.Background(), Request{Records: recs})
		require.NoError(t, err)
		assert.Empty(t, res.Threats)
		assert.False(t, res.Cached)
	}
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestAnalyze_FilterChangesKey(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)
	ctx := context.Background()
	recs := records(23, 21, 443)

	_, err := svc.Analyze(ctx, Request{Records: recs})
	require.NoError(t, err)

	res, err := svc.Analyze(ctx, Request{
		Records:    recs,
		Descriptor: filter.Descriptor{ExcludeChips: []filter.CriterionSpec{{Field: "destination_port", Value: "21"}}},
	})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.True(t, res.FilterActive)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, 3, res.TotalRecords)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, 23, res.Threats[0].Port)
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestAnalyze_InFlightRequestIsDropped(t *testing.T) {
	d := newCountingDetector()
	started := make(chan struct{})
	d.started = started
	d.release = make(chan struct{})
	svc := newTestService(t, d, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Analyze(ctx, Request{Records: records(23)})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first analysis did not start")
	}
	assert.True(t, svc.InFlight())

	_, err := svc.Analyze(ctx, Request{Records: records(21, 21)})
	assert.ErrorIs(t, err, ErrAnalysisInFlight)

	close(d.release)
	require.NoError(t, <-done)
	assert.False(t, svc.InFlight())
	assert.EqualValues(t, 1, d.calls.Load())

	last, ok := svc.Last(false)
	require.True(t, ok)
	assert.Equal(t, 1, last.RecordCount, "dropped request left state untouched")
}

func TestAnalyze_FailureLeavesCacheIntact(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)
	ctx := context.Background()

	first, err := svc.Analyze(ctx, Request{Records: records(23)})
	require.NoError(t, err)

	d.fail.Store(true)
	_, err = svc.Analyze(ctx, Request{Records: records(23, 21)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature database unavailable")
	assert.False(t, svc.InFlight(), "guard is released on failure")

	last, ok := svc.Last(false)
	require.True(t, ok)
	assert.Equal(t, first.AnalysisID, last.AnalysisID)

	d.fail.Store(false)
	_, err = svc.Analyze(ctx, Request{Records: records(23, 21)})
	assert.NoError(t, err)
}

func TestAnalyze_StoreHit(t *testing.T) {
	ctx := context.Background()
	store, err := cache.NewMemoryStore(4)
	require.NoError(t, err)

	key := cache.Key{RecordCount: 2, FileIdentity: "xxh64:aa:2"}
	stored := &cache.Entry{
		Key:        key,
		AnalysisID: "stored-1",
		Threats:    []model.Threat{{ID: "t", Name: "Insecure service: FTP", Severity: model.SeverityHigh, OccurrenceCount: 2}},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.Save(ctx, key, stored))

	d := newCountingDetector()
	svc := newTestService(t, d, func(deps *Deps) { deps.Store = store })

	res, err := svc.Analyze(ctx, Request{Records: records(21, 21), FileIdentity: "xxh64:aa:2"})
	require.NoError(t, err)
	assert.True(t, res.FromStore)
	assert.Equal(t, "stored-1", res.AnalysisID)
	assert.EqualValues(t, 0, d.calls.Load())

	// a miss runs the detectors and saves the result
	res, err = svc.Analyze(ctx, Request{Records: records(23), FileIdentity: "xxh64:bb:1"})
	require.NoError(t, err)
	assert.False(t, res.FromStore)
	assert.Equal(t, 2, store.Len())
}

type failingStore struct{}

func (failingStore) Load(context.Context, cache.Key) (*cache.Entry, bool, error) {
	return nil, false, errors.New("disk unavailable")
}

func (failingStore) Save(context.Context, cache.Key, *cache.Entry) error {
	return errors.New("disk unavailable")
}

func TestAnalyze_StoreFailureDoesNotFailRun(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, func(deps *Deps) { deps.Store = failingStore{} })

	res, err := svc.Analyze(context.Background(), Request{Records: records(23)})
	require.NoError(t, err)
	assert.Len(t, res.Threats, 1)
}

func TestAnalyze_PublishesCompletedRun(t *testing.T) {
	conn := &fakeConn{}
	d := newCountingDetector()
	svc := newTestService(t, d, func(deps *Deps) {
		deps.Publisher = publish.NewPublisher(conn, testLogger())
	})

	res, err := svc.Analyze(context.Background(), Request{Records: records(23, 23)})
	require.NoError(t, err)
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, publish.SubjectAnalysisCompleted, conn.msgs[0].Subject)
	assert.Equal(t, res.AnalysisID, conn.msgs[0].Header.Get("x-analysis-id"))

	// cached results are not republished
	_, err = svc.Analyze(context.Background(), Request{Records: records(23, 23)})
	require.NoError(t, err)
	assert.Len(t, conn.msgs, 1)
}

func TestAnalyze_GroupByService(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)

	res, err := svc.Analyze(context.Background(), Request{Records: records(23, 23, 21), GroupByService: true})
	require.NoError(t, err)
	require.Len(t, res.Grouped, 2)
	assert.Len(t, res.Threats, 2)
}

func TestAnalyze_InvalidDescriptor(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)

	_, err := svc.Analyze(context.Background(), Request{
		Records:    records(23),
		Descriptor: filter.Descriptor{QuickFilters: []string{"no-such-filter"}},
	})
	require.Error(t, err)
	assert.EqualValues(t, 0, d.calls.Load())
}

func TestReconfigure_InvalidatesCache(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)
	ctx := context.Background()

	_, err := svc.Analyze(ctx, Request{Records: records(23)})
	require.NoError(t, err)

	svc.Reconfigure(detect.Set{Structural: d}, nil)
	_, ok := svc.Last(false)
	assert.False(t, ok)

	res, err := svc.Analyze(ctx, Request{Records: records(23)})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestReconfigure_DuringRunDiscardsResult(t *testing.T) {
	old := newCountingDetector()
	old.started = make(chan struct{})
	old.release = make(chan struct{})
	svc := newTestService(t, old, nil)
	ctx := context.Background()

	started := old.started
	done := make(chan error, 1)
	go func() {
		res, err := svc.Analyze(ctx, Request{Records: records(23)})
		if err == nil && len(res.Threats) != 1 {
			err = errors.New("expected one threat from the running analysis")
		}
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not start")
	}

	next := newCountingDetector()
	svc.Reconfigure(detect.Set{Structural: next}, nil)
	close(old.release)
	require.NoError(t, <-done)

	_, ok := svc.Last(false)
	assert.False(t, ok)

	res, err := svc.Analyze(ctx, Request{Records: records(23)})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestFilter(t *testing.T) {
	d := newCountingDetector()
	svc := newTestService(t, d, nil)

	subset, expr, err := svc.Filter(context.Background(), "view", records(23, 22, 22), filter.Descriptor{
		IncludeChips: []filter.CriterionSpec{{Field: "destination_port", Value: "22"}},
	})
	require.NoError(t, err)
	assert.True(t, expr.Active())
	assert.Len(t, subset, 2)
}
