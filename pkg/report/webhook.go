package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/op/go-logging"

	"evmrecon/pkg/logger"
)

// WebhookSink posts high-severity findings to an HTTP endpoint, with a
// per-key throttle so a noisy contract cannot flood the channel.
type WebhookSink struct {
	log         *logging.Logger
	url         string
	client      *http.Client
	minSeverity int
	window      time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

func NewWebhookSink(logLevel, url string, minSeverity int, throttleWindow time.Duration) *WebhookSink {
	if throttleWindow <= 0 {
		throttleWindow = 5 * time.Minute
	}
	return &WebhookSink{
		log:         logger.NewLogger(logLevel, "Webhook"),
		url:         url,
		client:      &http.Client{Timeout: 10 * time.Second},
		minSeverity: minSeverity,
		window:      throttleWindow,
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

func (s *WebhookSink) throttled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSent[key]; ok && s.now().Sub(last) < s.window {
		return true
	}
	s.lastSent[key] = s.now()
	return false
}

func (s *WebhookSink) Submit(ctx context.Context, finding *Finding) error {
	if finding.Severity < s.minSeverity {
		return nil
	}
	if s.throttled(finding.Key()) {
		s.log.Debugf("alert throttled for %s", finding.Key())
		return nil
	}

	payload, err := json.Marshal(finding)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	s.log.Infof("alert delivered for %s (severity %d)", finding.Address, finding.Severity)
	return nil
}

func (s *WebhookSink) Close() error { return nil }
