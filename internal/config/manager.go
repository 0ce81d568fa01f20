package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectConfigChanged carries live configuration changes
const SubjectConfigChanged = "config.changed"

// Subscriber is the subset of *nats.Conn the manager uses
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Manager holds the current configuration and applies live changes
type Manager struct {
	client        *Client
	nats          Subscriber
	logger        *slog.Logger
	currentConfig *Snapshot
	mu            sync.RWMutex
	subscribers   []func(*Snapshot)
	sub           *nats.Subscription
}

// ChangeMessage represents a configuration change from NATS
type ChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a configuration manager. configAPIURL and nc may be
// empty/nil to run on local configuration only.
func NewManager(configAPIURL string, nc Subscriber, logger *slog.Logger) *Manager {
	m := &Manager{
		nats:   nc,
		logger: logger,
	}
	if configAPIURL != "" {
		m.client = NewClient(configAPIURL, logger)
	}
	return m
}

// Initialize loads the initial snapshot and subscribes to live changes
func (m *Manager) Initialize(ctx context.Context, defaults *Snapshot) error {
	snapshot := defaults
	if m.client != nil {
		m.logger.Info("Loading initial configuration snapshot")
		snapshot = m.client.GetSnapshotWithFallback(ctx, defaults)
	}
	m.updateConfig(snapshot)

	if m.nats == nil {
		return nil
	}

	sub, err := m.nats.Subscribe(SubjectConfigChanged, func(msg *nats.Msg) {
		m.HandleChange(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectConfigChanged, err)
	}
	m.sub = sub

	m.logger.Info("Subscribed to config.changed NATS subject")
	return nil
}

// Close removes the NATS subscription
func (m *Manager) Close() error {
	if m.sub == nil {
		return nil
	}
	return m.sub.Unsubscribe()
}

// Current returns a copy of the current snapshot
func (m *Manager) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentConfig == nil {
		return nil
	}
	return m.currentConfig.Clone()
}

// Subscribe adds a callback called after each configuration change
func (m *Manager) Subscribe(callback func(*Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribers = append(m.subscribers, callback)
}

// HandleChange applies one encoded change message
func (m *Manager) HandleChange(data []byte) {
	var change ChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	if !strings.HasPrefix(change.Key, KeyPrefix) {
		m.logger.Debug("Ignoring configuration key", "key", change.Key)
		return
	}

	m.mu.Lock()
	next := Defaults()
	if m.currentConfig != nil {
		next = m.currentConfig.Clone()
	}

	ok, err := next.ApplyKey(change.Key, change.Value)
	if err == nil && ok {
		err = next.Validate()
	}
	if err != nil || !ok {
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("Rejected configuration change", "key", change.Key, "error", err)
		} else {
			m.logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		}
		return
	}

	if change.Timestamp > 0 {
		next.LastUpdated = time.Unix(change.Timestamp, 0)
	} else {
		next.LastUpdated = time.Now()
	}
	m.currentConfig = next
	m.mu.Unlock()

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"updated_by", change.UpdatedBy)

	m.notifySubscribers(next.Clone())
}

func (m *Manager) updateConfig(snapshot *Snapshot) {
	m.mu.Lock()
	m.currentConfig = snapshot.Clone()
	m.mu.Unlock()

	m.notifySubscribers(snapshot.Clone())
}

func (m *Manager) notifySubscribers(snapshot *Snapshot) {
	m.mu.RLock()
	subscribers := make([]func(*Snapshot), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		go func(cb func(*Snapshot)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Panic in config subscriber callback", "panic", r)
				}
			}()
			cb(snapshot)
		}(callback)
	}
}
