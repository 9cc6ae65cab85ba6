package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/JosueRhea/sockudo/internal/monitoring"
)

const (
	defaultAttemptTimeout = 10 * time.Second
	defaultMaxAttempts    = 5

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// SenderConfig tunes delivery retries.
type SenderConfig struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	Logger         zerolog.Logger
}

// Sender delivers one job as a signed POST with exponential backoff.
// Delivery is at-least-once; a batch that exhausts its attempts is dropped
// with a logged error and never surfaces to clients.
type Sender struct {
	client      *http.Client
	maxAttempts int
	logger      zerolog.Logger
}

// NewSender builds a sender.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Sender{
		client:      &http.Client{Timeout: cfg.AttemptTimeout},
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger.With().Str("component", "webhook_sender").Logger(),
	}
}

// Deliver posts the job's batch, retrying transient failures with backoff.
func (s *Sender) Deliver(ctx context.Context, job Job) {
	body, err := job.Body()
	if err != nil {
		s.logger.Error().Err(err).Str("app_id", job.AppID).Msg("unmarshalable webhook batch dropped")
		return
	}
	signature := Sign(job.Secret, body)

	backoff := backoffBase
	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		lastStatus, lastErr = s.post(ctx, job, body, signature)
		if lastErr == nil && lastStatus >= 200 && lastStatus < 300 {
			monitoring.WebhooksSent.WithLabelValues(job.AppID).Inc()
			s.logger.Debug().
				Str("app_id", job.AppID).
				Str("url", job.URL).
				Int("events", len(job.Events)).
				Int("attempt", attempt).
				Msg("webhook batch delivered")
			return
		}

		s.logger.Warn().
			Err(lastErr).
			Str("app_id", job.AppID).
			Str("url", job.URL).
			Int("attempt", attempt).
			Int("max_attempts", s.maxAttempts).
			Int("status", lastStatus).
			Msg("webhook attempt failed")

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	monitoring.WebhooksFailed.WithLabelValues(job.AppID).Inc()
	s.logger.Error().
		Err(lastErr).
		Str("app_id", job.AppID).
		Str("url", job.URL).
		Int("attempts", s.maxAttempts).
		Int("last_status", lastStatus).
		Int("events", len(job.Events)).
		Msg("webhook batch dropped after exhausting retries")
}

func (s *Sender) post(ctx context.Context, job Job, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pusher-Key", job.Key)
	req.Header.Set("X-Pusher-Signature", signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
