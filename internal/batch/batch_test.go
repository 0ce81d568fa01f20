package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/analyzer/internal/detect"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// threatView is the comparison projection for batch equivalence
type threatView struct {
	Category  model.ThreatCategory
	Severity  model.Severity
	Name      string
	Addresses string
	Count     int
}

func project(threats []model.Threat) []threatView {
	out := make([]threatView, 0, len(threats))
	for _, t := range threats {
		out = append(out, threatView{
			Category:  t.Category,
			Severity:  t.Severity,
			Name:      t.Name,
			Addresses: strings.Join(t.AffectedAddresses, ","),
			Count:     t.OccurrenceCount,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]) < fmt.Sprint(out[j])
	})
	return out
}

func mixedRecords() []*model.Record {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var records []model.Record
	for i := 0; i < 60; i++ {
		r := model.Record{
			SourceAddress:      fmt.Sprintf("10.0.0.%d", i%7+1),
			DestinationAddress: fmt.Sprintf("10.0.1.%d", i%5+1),
			SourcePort:         uint16(40000 + i),
			Protocol:           model.ProtocolTCP,
			Length:             100 + i,
			Timestamp:          base.Add(time.Duration(i) * time.Second),
			FrameNumber:        uint64(i + 1),
		}
		switch i % 6 {
		case 0:
			r.DestinationPort = 23
		case 1:
			r.DestinationPort = 21
		case 2:
			r.DestinationPort = 443
			r.ApplicationProtocol = "TLS v1.0"
		case 3:
			r.DestinationPort = 80
			r.Metadata = map[string]string{"http.authorization": "Basic Zm9vOmJhcg=="}
		case 4:
			r.DestinationPort = 22
			r.Metadata = map[string]string{"ssh.version": "SSH-1.5-legacy"}
		default:
			r.DestinationPort = uint16(1000 + i)
		}
		records = append(records, r)
	}
	// one source sweeping many ports
	for p := 0; p < 30; p++ {
		records = append(records, model.Record{
			SourceAddress: "10.0.9.9", DestinationAddress: "10.0.1.1", SourcePort: 55555,
			DestinationPort: uint16(2000 + p), Protocol: model.ProtocolTCP, Timestamp: base.Add(time.Duration(p) * time.Millisecond),
		})
	}
	return model.Refs(records)
}

func TestScheduler_BatchEquivalence(t *testing.T) {
	records := mixedRecords()
	set := detect.DefaultSet()

	sequential := NewScheduler(Config{SequentialThreshold: len(records) + 1}, testLogger())
	want, err := sequential.Run(context.Background(), set, records)
	require.NoError(t, err)
	require.False(t, want.Parallel)
	require.NotEmpty(t, want.Threats)
	expected := project(want.Threats)

	for size := 1; size <= len(records); size++ {
		for _, workers := range []int{1, 3, 8} {
			s := NewScheduler(Config{SequentialThreshold: 1, ChunkSize: size, Workers: workers}, testLogger())
			got, err := s.Run(context.Background(), set, records)
			require.NoError(t, err)
			require.True(t, got.Parallel)
			assert.Equal(t, expected, project(got.Threats), "chunk size %d, workers %d", size, workers)
		}
	}
}

func TestScheduler_TelnetScenario(t *testing.T) {
	const total = 600000
	records := make([]model.Record, total)
	for i := range records {
		records[i] = model.Record{
			SourceAddress:       "10.1.0.1",
			DestinationAddress:  "10.2.0.1",
			SourcePort:          50000,
			DestinationPort:     443,
			Protocol:            model.ProtocolTCP,
			ApplicationProtocol: "TLS v1.3",
			FrameNumber:         uint64(i + 1),
		}
	}
	for _, i := range []int{10, 250000, 599999} {
		records[i].DestinationPort = 23
		records[i].DestinationAddress = fmt.Sprintf("10.3.0.%d", i%250)
	}
	refs := model.Refs(records)

	set := detect.Set{
		Structural:     detect.NewInsecurePortDetector(model.KnownInsecureServices),
		Version:        detect.NewInsecureVersionDetector(),
		MonitoredPorts: detect.DefaultMonitoredPorts,
	}

	var chunks atomic.Int64
	parallel := NewScheduler(Config{}, testLogger())
	parallel.OnChunk = func(pass string, n int) {
		chunks.Add(1)
		assert.LessOrEqual(t, n, DefaultChunkSize)
	}
	sequential := NewScheduler(Config{SequentialThreshold: total + 1}, testLogger())

	for name, s := range map[string]*Scheduler{"parallel": parallel, "sequential": sequential} {
		t.Run(name, func(t *testing.T) {
			result, err := s.Run(context.Background(), set, refs)
			require.NoError(t, err)
			require.Len(t, result.Threats, 1)

			th := result.Threats[0]
			assert.Equal(t, model.CategoryInsecureProtocol, th.Category)
			assert.Equal(t, 23, th.Port)
			assert.Equal(t, 3, th.OccurrenceCount)
			assert.Equal(t, 9.0, th.RiskScore)
		})
	}
	// 6 structural chunks and 6 version chunks over the monitored subset
	assert.Equal(t, int64(12), chunks.Load())
}

type failingDetector struct {
	calls atomic.Int32
}

var errDetector = errors.New("signature database unavailable")

func (d *failingDetector) Name() string { return "failing" }

func (d *failingDetector) Detect(ctx context.Context, records []*model.Record) ([]model.Threat, error) {
	d.calls.Add(1)
	for _, r := range records {
		if r.DestinationPort == 23 {
			return nil, errDetector
		}
	}
	return nil, ctx.Err()
}

func TestScheduler_DetectorFailureAbortsRun(t *testing.T) {
	records := mixedRecords()
	d := &failingDetector{}
	set := detect.Set{Structural: d, Version: detect.NewInsecureVersionDetector()}

	for _, cfg := range []Config{{SequentialThreshold: len(records) + 1}, {SequentialThreshold: 1, ChunkSize: 4, Workers: 2}} {
		result, err := NewScheduler(cfg, testLogger()).Run(context.Background(), set, records)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, errDetector)
		assert.Contains(t, err.Error(), "detector failing failed")
	}
}

func TestScheduler_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := mixedRecords()
	for _, cfg := range []Config{{SequentialThreshold: len(records) + 1}, {SequentialThreshold: 1, ChunkSize: 10}} {
		_, err := NewScheduler(cfg, testLogger()).Run(ctx, detect.DefaultSet(), records)
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestScheduler_EmptyInput(t *testing.T) {
	result, err := NewScheduler(Config{}, testLogger()).Run(context.Background(), detect.DefaultSet(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Threats)
	assert.Equal(t, 0, result.Chunks)
}

func TestChunk(t *testing.T) {
	records := model.Refs(make([]model.Record, 10))

	tests := []struct {
		size     int
		expected []int
	}{
		{1, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{3, []int{3, 3, 3, 1}},
		{5, []int{5, 5}},
		{10, []int{10}},
		{25, []int{10}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("size %d", tt.size), func(t *testing.T) {
			var sizes []int
			for _, c := range chunk(records, tt.size) {
				sizes = append(sizes, len(c))
			}
			assert.Equal(t, tt.expected, sizes)
		})
	}

	chunks := chunk(records, 3)
	assert.Same(t, records[3], chunks[1][0], "chunks share the backing records")
	assert.Nil(t, chunk(nil, 3))
}

func TestSink(t *testing.T) {
	sink := NewSink()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, sink.Append(model.Threat{Name: fmt.Sprintf("t%d", i)}, model.Threat{Name: "shared"}))
			assert.NoError(t, sink.AppendAnomalies(model.Anomaly{Type: "a"}))
		}(i)
	}
	wg.Wait()

	threats, anomalies, err := sink.Drain()
	require.NoError(t, err)
	assert.Len(t, threats, 100)
	assert.Len(t, anomalies, 50)

	assert.ErrorIs(t, sink.Append(model.Threat{}), ErrSinkDrained)
	assert.ErrorIs(t, sink.AppendAnomalies(model.Anomaly{}), ErrSinkDrained)
	_, _, err = sink.Drain()
	assert.ErrorIs(t, err, ErrSinkDrained)
}
