// Package hooks provides webhook and in-process callback fan-out on
// entity mutation events, off by default and independent of the sync
// engine's own peer-to-peer event fan-out.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/privstack/core/internal/ids"
)

// EventType discriminates a HookEvent's trigger.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
	EventSync   EventType = "sync"
)

// HookEvent is the payload passed to every callback and webhook.
type HookEvent struct {
	Type       EventType       `json:"type"`
	EntityID   ids.EntityId    `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	PeerID     string          `json:"peer_id,omitempty"` // set for sync-originated events
}

// Callback is an in-process function invoked on a HookEvent.
type Callback func(event HookEvent)

// WebhookConfig configures an HTTP webhook.
type WebhookConfig struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Events     []EventType       `json:"events"`
	Headers    map[string]string `json:"headers"`
	Secret     string            `json:"secret"`
	MaxRetries int               `json:"max_retries"`
	Timeout    time.Duration     `json:"timeout"`
	Async      bool              `json:"async"`
}

// Manager owns the registered in-process callbacks and HTTP webhooks for
// one workspace.
type Manager struct {
	callbacks map[EventType][]Callback
	webhooks  map[string]*WebhookConfig
	client    *http.Client
	mu        sync.RWMutex
}

// NewManager creates an empty hook manager.
func NewManager() *Manager {
	return &Manager{
		callbacks: make(map[EventType][]Callback),
		webhooks:  make(map[string]*WebhookConfig),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *Manager) OnCreate(cb Callback) { m.registerCallback(EventCreate, cb) }
func (m *Manager) OnUpdate(cb Callback) { m.registerCallback(EventUpdate, cb) }
func (m *Manager) OnDelete(cb Callback) { m.registerCallback(EventDelete, cb) }
func (m *Manager) OnSync(cb Callback)   { m.registerCallback(EventSync, cb) }

// On registers a callback for a specific event type.
func (m *Manager) On(eventType EventType, cb Callback) {
	m.registerCallback(eventType, cb)
}

func (m *Manager) registerCallback(eventType EventType, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[eventType] = append(m.callbacks[eventType], cb)
}

// RegisterWebhook adds an HTTP webhook, assigning it an id if none was given.
func (m *Manager) RegisterWebhook(config WebhookConfig) (string, error) {
	if config.URL == "" {
		return "", fmt.Errorf("webhook URL is required")
	}
	if config.ID == "" {
		id, err := ids.NewEventId()
		if err != nil {
			return "", err
		}
		config.ID = id.String()
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[config.ID] = &config
	return config.ID, nil
}

// UnregisterWebhook removes a webhook.
func (m *Manager) UnregisterWebhook(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, id)
}

// ListWebhooks returns every registered webhook.
func (m *Manager) ListWebhooks() []WebhookConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]WebhookConfig, 0, len(m.webhooks))
	for _, wh := range m.webhooks {
		configs = append(configs, *wh)
	}
	return configs
}

// Trigger fires event to every matching in-process callback synchronously,
// then to every matching webhook (async ones in their own goroutine).
func (m *Manager) Trigger(event HookEvent) {
	m.mu.RLock()
	callbacks := m.callbacks[event.Type]
	var webhooks []*WebhookConfig
	for _, wh := range m.webhooks {
		for _, et := range wh.Events {
			if et == event.Type {
				webhooks = append(webhooks, wh)
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}

	for _, wh := range webhooks {
		if wh.Async {
			go m.executeWebhook(wh, event)
		} else {
			m.executeWebhook(wh, event)
		}
	}
}

// TriggerAsync fires Trigger in its own goroutine, for call sites that
// hold a lock they can't afford to block under a slow synchronous webhook.
func (m *Manager) TriggerAsync(event HookEvent) {
	go m.Trigger(event)
}

func (m *Manager) executeWebhook(config *WebhookConfig, event HookEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}

		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, bytes.NewReader(payload))
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-PrivStack-Event", string(event.Type))
		for k, v := range config.Headers {
			req.Header.Set(k, v)
		}

		resp, err := m.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return lastErr
}
