package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/ironsign/session"
)

// webhookQueueSize is the bounded channel capacity for outbound events.
const webhookQueueSize = 1024

const (
	defaultWebhookTimeout    = 10 * time.Second
	defaultWebhookRetryDelay = 1 * time.Second
)

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string            `json:"event"`
	SessionKey string            `json:"session_key,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

func webhookEventFrom(ev session.Event) webhookEvent {
	attrs := map[string]string{
		"handle":          ev.Handle,
		"signature_count": strconv.Itoa(ev.SignatureCount),
	}
	if ev.Reason != "" {
		attrs["reason"] = ev.Reason
	}
	if ev.Kind != "" {
		attrs["kind"] = string(ev.Kind)
	}
	if ev.Signatures > 0 {
		attrs["signatures"] = strconv.Itoa(ev.Signatures)
	}
	if ev.DocumentID != "" {
		attrs["document_id"] = ev.DocumentID
	}
	if !ev.ExpiresAt.IsZero() {
		attrs["expires_at"] = ev.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return webhookEvent{
		Event:      string(ev.Type),
		SessionKey: ev.Key,
		ProviderID: ev.ProviderID,
		UserID:     ev.UserID,
		Timestamp:  ev.At.UTC().Format(time.RFC3339Nano),
		Attrs:      attrs,
	}
}

// AuditWebhook forwards session lifecycle events to an external HTTP
// endpoint. Events are enqueued non-blockingly into a bounded channel and
// sent by a background goroutine; when the channel is full they are
// dropped, so a slow endpoint never stalls the session manager.
type AuditWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
	events     chan webhookEvent
	wg         sync.WaitGroup

	// mu guards closed; enqueue holds it shared while sending.
	mu     sync.RWMutex
	closed bool
}

// NewAuditWebhook creates a dispatcher and starts its background loop. A
// non-positive timeout selects the default of 10 seconds.
func NewAuditWebhook(url, authHeader string, timeout time.Duration, logger *slog.Logger) *AuditWebhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &AuditWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: timeout},
		retryDelay: defaultWebhookRetryDelay,
		logger:     logger.With(slog.String("component", "audit-webhook")),
		events:     make(chan webhookEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Listener returns a session listener that enqueues every event.
func (w *AuditWebhook) Listener() session.Listener {
	return func(ev session.Event) {
		w.enqueue(webhookEventFrom(ev))
	}
}

// enqueue adds an event to the dispatch queue. It never blocks; events
// arriving after Close are dropped.
func (w *AuditWebhook) enqueue(evt webhookEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// Close shuts down the dispatcher after draining queued events.
func (w *AuditWebhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.events)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *AuditWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
func (w *AuditWebhook) send(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "IronSign-Audit-Webhook/1.0")

		if w.authHeader != "" {
			if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		// 4xx is not retried.
		w.logger.Warn("client error", "status", resp.StatusCode)
		return
	}
}
