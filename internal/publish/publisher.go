package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// SubjectAnalysisCompleted carries one message per successful analysis
const SubjectAnalysisCompleted = "analyzer.analysis.completed"

// Conn is the subset of *nats.Conn the publisher uses
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	IsConnected() bool
}

// AnalysisCompleted is the message body of SubjectAnalysisCompleted
type AnalysisCompleted struct {
	AnalysisID   string                `json:"analysis_id"`
	RecordCount  int                   `json:"record_count"`
	FilterActive bool                  `json:"filter_active"`
	FileIdentity string                `json:"file_identity,omitempty"`
	Threats      []model.Threat        `json:"threats"`
	Metrics      model.SecurityMetrics `json:"metrics"`
	CompletedAt  time.Time             `json:"completed_at"`
}

// Publisher publishes analysis results to NATS
type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher creates a publisher. A nil conn makes Publish a no-op.
func NewPublisher(conn Conn, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:    conn,
		subject: SubjectAnalysisCompleted,
		logger:  logger,
	}
}

// Enabled reports whether a connection was supplied
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Publish sends one completed analysis
func (p *Publisher) Publish(msg *AnalysisCompleted) error {
	if !p.Enabled() {
		return nil
	}
	if !p.conn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-analysis-id", msg.AnalysisID)
	headers.Set("x-record-count", strconv.Itoa(msg.RecordCount))
	headers.Set("x-critical", strconv.Itoa(msg.Metrics.CriticalCount))
	headers.Set("x-timestamp", msg.CompletedAt.UTC().Format(time.RFC3339))

	if err := p.conn.PublishMsg(&nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header:  headers,
	}); err != nil {
		return fmt.Errorf("failed to publish analysis: %w", err)
	}

	p.logger.Info("Published analysis",
		"analysis_id", msg.AnalysisID,
		"record_count", msg.RecordCount,
		"threats", len(msg.Threats),
		"subject", p.subject)

	return nil
}

// PublishWithRetry publishes with a fixed delay between attempts
func (p *Publisher) PublishWithRetry(msg *AnalysisCompleted, maxRetries int, retryDelay time.Duration) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := p.Publish(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxRetries {
			p.logger.Warn("Failed to publish analysis, retrying",
				"analysis_id", msg.AnalysisID,
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"error", err)
			time.Sleep(retryDelay)
		}
	}

	return fmt.Errorf("failed to publish analysis after %d attempts: %w", maxRetries+1, lastErr)
}
