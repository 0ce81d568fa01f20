package publish

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

type fakeConn struct {
	connected bool
	failures  int
	msgs      []*nats.Msg
}

func (c *fakeConn) IsConnected() bool { return c.connected }

func (c *fakeConn) PublishMsg(msg *nats.Msg) error {
	if c.failures > 0 {
		c.failures--
		return errors.New("nats: timeout")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleMessage() *AnalysisCompleted {
	threats := []model.Threat{{ID: "t-1", Severity: model.SeverityCritical, RiskScore: 9, OccurrenceCount: 3}}
	return &AnalysisCompleted{
		AnalysisID:  "a-1",
		RecordCount: 600000,
		Threats:     threats,
		Metrics:     model.ComputeSecurityMetrics(threats),
		CompletedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_Publish(t *testing.T) {
	conn := &fakeConn{connected: true}
	p := NewPublisher(conn, testLogger())

	require.NoError(t, p.Publish(sampleMessage()))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, SubjectAnalysisCompleted, msg.Subject)
	assert.Equal(t, "a-1", msg.Header.Get("x-analysis-id"))
	assert.Equal(t, "600000", msg.Header.Get("x-record-count"))
	assert.Equal(t, "1", msg.Header.Get("x-critical"))
	assert.Equal(t, "2024-06-01T00:00:00Z", msg.Header.Get("x-timestamp"))

	var body AnalysisCompleted
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "a-1", body.AnalysisID)
	require.Len(t, body.Threats, 1)
	assert.Equal(t, model.SeverityCritical, body.Threats[0].Severity)
}

func TestPublisher_Disconnected(t *testing.T) {
	p := NewPublisher(&fakeConn{connected: false}, testLogger())
	assert.Error(t, p.Publish(sampleMessage()))
}

func TestPublisher_NilConnIsNoop(t *testing.T) {
	p := NewPublisher(nil, testLogger())
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Publish(sampleMessage()))
}

func TestPublisher_PublishWithRetry(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		retries  int
		wantErr  bool
	}{
		{"first attempt", 0, 2, false},
		{"recovers", 2, 2, false},
		{"exhausted", 3, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{connected: true, failures: tt.failures}
			p := NewPublisher(conn, testLogger())
			err := p.PublishWithRetry(sampleMessage(), tt.retries, time.Millisecond)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, conn.msgs)
				return
			}
			require.NoError(t, err)
			assert.Len(t, conn.msgs, 1)
		})
	}
}
