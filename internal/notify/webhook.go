package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/miradorstack/kube-memory/internal/config"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
)

const (
	defaultWebhookTimeout    = 10 * time.Second
	defaultWebhookWorkers    = 2
	defaultWebhookBufferSize = 100
	maxRetries               = 2
	userAgent                = "kube-memory/v1"
	schemaVersion            = "1"
)

// Envelope is the JSON body POSTed to webhooks.
type Envelope struct {
	Type          string              `json:"type"`
	SchemaVersion string              `json:"schemaVersion"`
	Timestamp     string              `json:"timestamp"`
	Data          models.Notification `json:"data"`
}

// WebhookSender POSTs notifications to one URL from a small worker pool.
type WebhookSender struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	authToken  string
	retryDelay time.Duration
	sendCh     chan models.Notification
	wg         sync.WaitGroup
}

// NewWebhookSender validates cfg and builds a sender. Start must be called before notifications flow.
func NewWebhookSender(logger *slog.Logger, cfg config.WebhookConfig) (*WebhookSender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSender{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("sender", "webhook"), slog.String("url", RedactURL(cfg.URL))),
		url:        cfg.URL,
		authToken:  cfg.AuthToken,
		retryDelay: time.Second,
		sendCh:     make(chan models.Notification, defaultWebhookBufferSize),
	}, nil
}

// Name implements Sender.
func (ws *WebhookSender) Name() string { return "webhook" }

// Start implements Sender.
func (ws *WebhookSender) Start(ctx context.Context) {
	for range defaultWebhookWorkers {
		ws.wg.Add(1)
		go ws.worker(ctx)
	}
}

// Close waits for the workers; call it after the Start context is cancelled.
func (ws *WebhookSender) Close() {
	ws.wg.Wait()
}

// Send implements Sender by enqueueing n; a full buffer drops it.
func (ws *WebhookSender) Send(n models.Notification) error {
	select {
	case ws.sendCh <- n:
		return nil
	default:
		metrics.ObserveNotification(string(n.Kind), "dropped")
		return fmt.Errorf("webhook send buffer full")
	}
}

func (ws *WebhookSender) worker(ctx context.Context) {
	defer ws.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case n := <-ws.sendCh:
					drainCtx, cancel := context.WithTimeout(context.Background(), ws.httpClient.Timeout)
					if err := ws.deliver(drainCtx, n); err != nil {
						ws.logger.Warn("webhook send failed during shutdown drain", slog.Any("error", err))
					}
					cancel()
				default:
					return
				}
			}
		case n := <-ws.sendCh:
			if err := ws.deliver(ctx, n); err != nil {
				ws.logger.Error("webhook send failed", slog.String("kind", string(n.Kind)), slog.Any("error", err))
			}
		}
	}
}

func (ws *WebhookSender) deliver(ctx context.Context, n models.Notification) error {
	kind := string(n.Kind)
	body, err := json.Marshal(Envelope{
		Type:          "kubememory." + kind,
		SchemaVersion: schemaVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          n,
	})
	if err != nil {
		metrics.ObserveNotification(kind, "error")
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries + 1 {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * ws.retryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				metrics.ObserveNotification(kind, "error")
				return fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			}
			metrics.ObserveNotification(kind, "retry")
		}

		lastErr = ws.post(ctx, body)
		if lastErr == nil {
			metrics.ObserveNotification(kind, "delivered")
			return nil
		}
		if !isRetryable(lastErr) {
			metrics.ObserveNotification(kind, "error")
			return lastErr
		}
		ws.logger.Debug("webhook transient failure, will retry", slog.Int("attempt", attempt+1), slog.Any("error", lastErr))
	}
	metrics.ObserveNotification(kind, "error")
	return fmt.Errorf("webhook send failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (ws *WebhookSender) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if ws.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+ws.authToken)
	}

	resp, err := ws.httpClient.Do(req)
	if err != nil {
		return &webhookError{err: err, retryable: true}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &webhookError{
		err:       fmt.Errorf("webhook returned HTTP %d", resp.StatusCode),
		retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
	}
}

type webhookError struct {
	err       error
	retryable bool
}

func (e *webhookError) Error() string { return e.err.Error() }
func (e *webhookError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var we *webhookError
	if errors.As(err, &we) {
		return we.retryable
	}
	return true
}

// RedactURL strips credentials and query strings before a URL is logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// NewSenders builds one WebhookSender per configured webhook.
func NewSenders(logger *slog.Logger, cfg config.NotifyConfig) ([]Sender, error) {
	senders := make([]Sender, 0, len(cfg.Webhooks))
	for _, wh := range cfg.Webhooks {
		s, err := NewWebhookSender(logger, wh)
		if err != nil {
			return nil, err
		}
		senders = append(senders, s)
	}
	return senders, nil
}
