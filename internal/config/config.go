package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/aegisflux/analyzer/internal/batch"
	"github.com/sgerhart/aegisflux/analyzer/internal/detect"
	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// Cache backends
const (
	CacheMemory   = "memory"
	CacheFile     = "file"
	CachePostgres = "postgres"
	CacheNone     = "none"
)

// Snapshot is the analyzer configuration state
type Snapshot struct {
	HTTPAddr     string `yaml:"http_addr" json:"http_addr"`
	NATSURL      string `yaml:"nats_url" json:"nats_url"`
	ConfigAPIURL string `yaml:"config_api_url" json:"config_api_url"`
	LogLevel     string `yaml:"log_level" json:"log_level"`

	Batch              batch.Config          `yaml:"batch" json:"batch"`
	Behavior           detect.BehaviorConfig `yaml:"behavior" json:"behavior"`
	MonitoredPorts     []uint16              `yaml:"monitored_ports" json:"monitored_ports"`
	MinAnomalySeverity model.Severity        `yaml:"min_anomaly_severity" json:"min_anomaly_severity"`
	GroupByService     bool                  `yaml:"group_by_service" json:"group_by_service"`

	CacheBackend  string `yaml:"cache_backend" json:"cache_backend"`
	CacheDir      string `yaml:"cache_dir" json:"cache_dir"`
	CacheCapacity int    `yaml:"cache_capacity" json:"cache_capacity"`
	PostgresDSN   string `yaml:"postgres_dsn" json:"-"`

	LastUpdated time.Time `yaml:"-" json:"last_updated"`
}

// Defaults returns the built-in configuration
func Defaults() *Snapshot {
	return &Snapshot{
		HTTPAddr:     ":8090",
		NATSURL:      "nats://localhost:4222",
		ConfigAPIURL: "",
		LogLevel:     "info",
		Batch: batch.Config{
			SequentialThreshold: batch.DefaultSequentialThreshold,
			ChunkSize:           batch.DefaultChunkSize,
		},
		Behavior:           detect.DefaultBehaviorConfig(),
		MonitoredPorts:     append([]uint16(nil), detect.DefaultMonitoredPorts...),
		MinAnomalySeverity: model.SeverityMedium,
		CacheBackend:       CacheMemory,
		CacheDir:           "data/cache",
		CacheCapacity:      64,
	}
}

// Load builds a snapshot from defaults, an optional YAML file and the
// environment, in that order
func Load(path string) (*Snapshot, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LastUpdated = time.Now()
	return cfg, nil
}

// LoadFile overlays the YAML file at path
func (s *Snapshot) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays ANALYZER_* environment variables. Unparseable values are
// ignored.
func (s *Snapshot) ApplyEnv(lookup func(string) (string, bool)) {
	s.HTTPAddr = getEnv(lookup, "ANALYZER_HTTP_ADDR", s.HTTPAddr)
	s.NATSURL = getEnv(lookup, "ANALYZER_NATS_URL", s.NATSURL)
	s.ConfigAPIURL = getEnv(lookup, "CONFIG_API_URL", s.ConfigAPIURL)
	s.LogLevel = getEnv(lookup, "ANALYZER_LOG_LEVEL", s.LogLevel)

	s.Batch.SequentialThreshold = getEnvInt(lookup, "ANALYZER_SEQUENTIAL_THRESHOLD", s.Batch.SequentialThreshold)
	s.Batch.ChunkSize = getEnvInt(lookup, "ANALYZER_CHUNK_SIZE", s.Batch.ChunkSize)
	s.Batch.Workers = getEnvInt(lookup, "ANALYZER_WORKERS", s.Batch.Workers)

	if v, ok := lookup("ANALYZER_MONITORED_PORTS"); ok && v != "" {
		if ports, err := parsePorts(v); err == nil {
			s.MonitoredPorts = ports
		}
	}
	if v, ok := lookup("ANALYZER_MIN_ANOMALY_SEVERITY"); ok && v != "" {
		if sev, err := model.ParseSeverity(v); err == nil {
			s.MinAnomalySeverity = sev
		}
	}
	if v, ok := lookup("ANALYZER_GROUP_BY_SERVICE"); ok && v != "" {
		s.GroupByService = strings.ToLower(v) == "true" || v == "1"
	}

	s.CacheBackend = getEnv(lookup, "ANALYZER_CACHE_BACKEND", s.CacheBackend)
	s.CacheDir = getEnv(lookup, "ANALYZER_CACHE_DIR", s.CacheDir)
	s.CacheCapacity = getEnvInt(lookup, "ANALYZER_CACHE_CAPACITY", s.CacheCapacity)
	s.PostgresDSN = getEnv(lookup, "ANALYZER_POSTGRES_DSN", s.PostgresDSN)
}

// Validate checks the snapshot for unusable values
func (s *Snapshot) Validate() error {
	switch s.CacheBackend {
	case CacheMemory, CacheFile, CachePostgres, CacheNone:
	default:
		return fmt.Errorf("invalid cache_backend %q, must be memory/file/postgres/none", s.CacheBackend)
	}
	if s.CacheBackend == CachePostgres && s.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required for the postgres cache backend")
	}
	if s.CacheBackend == CacheMemory && s.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive, got %d", s.CacheCapacity)
	}
	if s.Batch.SequentialThreshold < 0 || s.Batch.ChunkSize < 0 || s.Batch.Workers < 0 {
		return fmt.Errorf("batch settings must not be negative")
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// DetectorSet builds the detector set described by the snapshot
func (s *Snapshot) DetectorSet() detect.Set {
	set := detect.DefaultSet()
	set.Behavioral = detect.NewBehaviorDetector(s.Behavior)
	set.MonitoredPorts = append([]uint16(nil), s.MonitoredPorts...)
	set.MinAnomalySeverity = s.MinAnomalySeverity
	return set
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.MonitoredPorts = append([]uint16(nil), s.MonitoredPorts...)
	return &c
}

// ParseLevel maps a level name to a slog level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log_level %q", name)
}

func parsePorts(v string) ([]uint16, error) {
	var ports []uint16
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", part, err)
		}
		ports = append(ports, uint16(n))
	}
	return ports, nil
}

// getEnv gets an environment variable with a default value
func getEnv(lookup func(string) (string, bool), key, defaultValue string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(lookup func(string) (string, bool), key string, defaultValue int) int {
	if value, ok := lookup(key); ok && value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
