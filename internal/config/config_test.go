package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500000, cfg.Batch.SequentialThreshold)
	assert.Equal(t, 100000, cfg.Batch.ChunkSize)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Equal(t, model.SeverityMedium, cfg.MinAnomalySeverity)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analyzer.yaml")
	body := `
http_addr: ":9000"
batch:
  sequential_threshold: 1000
  chunk_size: 250
behavior:
  port_scan_threshold: 5
  flood_window: 30s
monitored_ports: [23, 80]
min_anomaly_severity: high
cache_backend: file
cache_dir: /tmp/analyzer
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg := Defaults()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 1000, cfg.Batch.SequentialThreshold)
	assert.Equal(t, 250, cfg.Batch.ChunkSize)
	assert.Equal(t, 5, cfg.Behavior.PortScanThreshold)
	assert.Equal(t, 30*time.Second, cfg.Behavior.FloodWindow)
	assert.Equal(t, 1000, cfg.Behavior.FloodThreshold, "unset keys keep defaults")
	assert.Equal(t, []uint16{23, 80}, cfg.MonitoredPorts)
	assert.Equal(t, model.SeverityHigh, cfg.MinAnomalySeverity)
	assert.Equal(t, CacheFile, cfg.CacheBackend)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile_Errors(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_anomaly_severity: severe\n"), 0644))
	assert.Error(t, cfg.LoadFile(path))
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	cfg.ApplyEnv(envMap(map[string]string{
		"ANALYZER_HTTP_ADDR":            ":7000",
		"ANALYZER_CHUNK_SIZE":           "5000",
		"ANALYZER_WORKERS":              "not-a-number",
		"ANALYZER_MONITORED_PORTS":      "21, 23,80",
		"ANALYZER_MIN_ANOMALY_SEVERITY": "low",
		"ANALYZER_GROUP_BY_SERVICE":     "true",
		"ANALYZER_CACHE_BACKEND":        "postgres",
		"ANALYZER_POSTGRES_DSN":         "postgres://localhost/analyzer",
	}))

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 5000, cfg.Batch.ChunkSize)
	assert.Equal(t, 0, cfg.Batch.Workers, "unparseable values are ignored")
	assert.Equal(t, []uint16{21, 23, 80}, cfg.MonitoredPorts)
	assert.Equal(t, model.SeverityLow, cfg.MinAnomalySeverity)
	assert.True(t, cfg.GroupByService)
	assert.Equal(t, CachePostgres, cfg.CacheBackend)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Snapshot)
	}{
		{"unknown backend", func(s *Snapshot) { s.CacheBackend = "redis" }},
		{"postgres without dsn", func(s *Snapshot) { s.CacheBackend = CachePostgres }},
		{"zero memory capacity", func(s *Snapshot) { s.CacheCapacity = 0 }},
		{"negative chunk size", func(s *Snapshot) { s.Batch.ChunkSize = -1 }},
		{"bad log level", func(s *Snapshot) { s.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		owned   bool
		wantErr bool
		check   func(t *testing.T, s *Snapshot)
	}{
		{"number", "analyzer.chunk_size", `2000`, true, false, func(t *testing.T, s *Snapshot) {
			assert.Equal(t, 2000, s.Batch.ChunkSize)
		}},
		{"quoted number", "analyzer.workers", `"4"`, true, false, func(t *testing.T, s *Snapshot) {
			assert.Equal(t, 4, s.Batch.Workers)
		}},
		{"flood window", "analyzer.flood_window_seconds", `60`, true, false, func(t *testing.T, s *Snapshot) {
			assert.Equal(t, time.Minute, s.Behavior.FloodWindow)
		}},
		{"severity", "analyzer.min_anomaly_severity", `"critical"`, true, false, func(t *testing.T, s *Snapshot) {
			assert.Equal(t, model.SeverityCritical, s.MinAnomalySeverity)
		}},
		{"ports", "analyzer.monitored_ports", `[22]`, true, false, func(t *testing.T, s *Snapshot) {
			assert.Equal(t, []uint16{22}, s.MonitoredPorts)
		}},
		{"bool string", "analyzer.group_by_service", `"1"`, true, false, func(t *testing.T, s *Snapshot) {
			assert.True(t, s.GroupByService)
		}},
		{"bad integer", "analyzer.chunk_size", `"many"`, true, true, nil},
		{"bad level", "analyzer.log_level", `"loud"`, true, true, nil},
		{"foreign key", "correlator.max_findings", `10`, false, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			owned, err := s.ApplyKey(tt.key, json.RawMessage(tt.value))
			assert.Equal(t, tt.owned, owned)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestClient_GetSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/config", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"configs":[
			{"key":"analyzer.chunk_size","value":42},
			{"key":"analyzer.workers","value":"oops"},
			{"key":"correlator.dedupe_cap","value":7}
		],"count":3}`))
	}))
	defer srv.Close()

	base := Defaults()
	c := NewClient(srv.URL, testLogger())
	snap, err := c.GetSnapshot(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 42, snap.Batch.ChunkSize)
	assert.Equal(t, 0, snap.Batch.Workers)
	assert.Equal(t, 100000, base.Batch.ChunkSize, "base is not modified")
}

func TestClient_Fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	defaults := Defaults()
	c := NewClient(srv.URL, testLogger())
	assert.Same(t, defaults, c.GetSnapshotWithFallback(context.Background(), defaults))
}

type fakeSubscriber struct {
	subject string
	handler nats.MsgHandler
}

func (f *fakeSubscriber) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject = subj
	f.handler = cb
	return nil, nil
}

func TestManager_LiveChange(t *testing.T) {
	sub := &fakeSubscriber{}
	m := NewManager("", sub, testLogger())
	require.NoError(t, m.Initialize(context.Background(), Defaults()))
	assert.Equal(t, SubjectConfigChanged, sub.subject)

	updates := make(chan *Snapshot, 4)
	m.Subscribe(func(s *Snapshot) { updates <- s })

	sub.handler(&nats.Msg{Data: []byte(`{"key":"analyzer.chunk_size","value":1234,"updated_by":"ops","timestamp":1717200000}`)})

	select {
	case s := <-updates:
		assert.Equal(t, 1234, s.Batch.ChunkSize)
		assert.Equal(t, int64(1717200000), s.LastUpdated.Unix())
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}
	assert.Equal(t, 1234, m.Current().Batch.ChunkSize)
}

func TestManager_RejectedChanges(t *testing.T) {
	m := NewManager("", nil, testLogger())
	require.NoError(t, m.Initialize(context.Background(), Defaults()))

	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{`},
		{"foreign prefix", `{"key":"correlator.max_findings","value":5}`},
		{"unknown analyzer key", `{"key":"analyzer.nope","value":5}`},
		{"bad value", `{"key":"analyzer.chunk_size","value":"lots"}`},
		{"fails validation", `{"key":"analyzer.chunk_size","value":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.HandleChange([]byte(tt.data))
			assert.Equal(t, 100000, m.Current().Batch.ChunkSize)
		})
	}
}

func TestManager_CurrentIsCopy(t *testing.T) {
	m := NewManager("", nil, testLogger())
	require.NoError(t, m.Initialize(context.Background(), Defaults()))

	c := m.Current()
	c.MonitoredPorts[0] = 9999
	assert.NotEqual(t, uint16(9999), m.Current().MonitoredPorts[0])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, err == nil)
		})
	}
}
