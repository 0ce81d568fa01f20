package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// KeyPrefix scopes the config-api keys read by the analyzer
const KeyPrefix = "analyzer."

// ApplyKey sets one analyzer.* key on the snapshot. It reports false for
// keys the analyzer does not own.
func (s *Snapshot) ApplyKey(key string, value json.RawMessage) (bool, error) {
	switch key {
	case "analyzer.sequential_threshold":
		return true, decodeInt(value, &s.Batch.SequentialThreshold)
	case "analyzer.chunk_size":
		return true, decodeInt(value, &s.Batch.ChunkSize)
	case "analyzer.workers":
		return true, decodeInt(value, &s.Batch.Workers)
	case "analyzer.port_scan_threshold":
		return true, decodeInt(value, &s.Behavior.PortScanThreshold)
	case "analyzer.flood_threshold":
		return true, decodeInt(value, &s.Behavior.FloodThreshold)
	case "analyzer.flood_window_seconds":
		var sec int
		if err := decodeInt(value, &sec); err != nil {
			return true, err
		}
		s.Behavior.FloodWindow = time.Duration(sec) * time.Second
		return true, nil
	case "analyzer.exfiltration_bytes":
		var n int
		if err := decodeInt(value, &n); err != nil {
			return true, err
		}
		s.Behavior.ExfiltrationBytes = int64(n)
		return true, nil
	case "analyzer.min_anomaly_severity":
		var sev model.Severity
		if err := json.Unmarshal(value, &sev); err != nil {
			return true, fmt.Errorf("invalid %s: %w", key, err)
		}
		s.MinAnomalySeverity = sev
		return true, nil
	case "analyzer.monitored_ports":
		var ports []uint16
		if err := json.Unmarshal(value, &ports); err != nil {
			return true, fmt.Errorf("invalid %s: %w", key, err)
		}
		s.MonitoredPorts = ports
		return true, nil
	case "analyzer.group_by_service":
		var b bool
		if err := json.Unmarshal(value, &b); err == nil {
			s.GroupByService = b
			return true, nil
		}
		str := strings.Trim(string(value), `"`)
		s.GroupByService = str == "true" || str == "1"
		return true, nil
	case "analyzer.log_level":
		var level string
		if err := json.Unmarshal(value, &level); err != nil {
			return true, fmt.Errorf("invalid %s: %w", key, err)
		}
		if _, err := ParseLevel(level); err != nil {
			return true, err
		}
		s.LogLevel = level
		return true, nil
	}
	return false, nil
}

// decodeInt accepts a JSON number or a quoted integer
func decodeInt(value json.RawMessage, dst *int) error {
	var n int
	if err := json.Unmarshal(value, &n); err == nil {
		*dst = n
		return nil
	}
	var str string
	if err := json.Unmarshal(value, &str); err == nil {
		if n, err := strconv.Atoi(str); err == nil {
			*dst = n
			return nil
		}
	}
	return fmt.Errorf("invalid integer value %s", string(value))
}
