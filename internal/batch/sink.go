package batch

import (
	"errors"
	"sync"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// ErrSinkDrained is returned when appending to or draining an already drained sink
var ErrSinkDrained = errors.New("sink already drained")

// Sink collects partial results from concurrent workers. It is append-only
// and drained exactly once.
type Sink struct {
	mu        sync.Mutex
	threats   []model.Threat
	anomalies []model.Anomaly
	drained   bool
}

// NewSink creates an empty sink
func NewSink() *Sink {
	return &Sink{}
}

// Append adds threats
func (s *Sink) Append(threats ...model.Threat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return ErrSinkDrained
	}
	s.threats = append(s.threats, threats...)
	return nil
}

// AppendAnomalies adds raw anomalies
func (s *Sink) AppendAnomalies(anomalies ...model.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return ErrSinkDrained
	}
	s.anomalies = append(s.anomalies, anomalies...)
	return nil
}

// Drain returns everything appended and closes the sink
func (s *Sink) Drain() ([]model.Threat, []model.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return nil, nil, ErrSinkDrained
	}
	s.drained = true
	threats, anomalies := s.threats, s.anomalies
	s.threats, s.anomalies = nil, nil
	return threats, anomalies, nil
}
