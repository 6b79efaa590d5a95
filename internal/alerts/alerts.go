// Package alerts publishes one structured event per fraud evaluation to
// external alerting collaborators.
//
// The engine never talks to end users; sinks deliver the raw event to
// whatever notification pipeline the deployment wires in. Delivery is
// fire-and-forget: a sink failure is logged and counted, never surfaced to
// the evaluation path.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/finsentry/finsentry/internal/circuitbreaker"
	"github.com/finsentry/finsentry/internal/retry"
)

var (
	alertsEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsentry",
		Subsystem: "alerts",
		Name:      "emit_total",
		Help:      "Total alert emits by sink.",
	}, []string{"sink"})

	alertsEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "finsentry",
		Subsystem: "alerts",
		Name:      "emit_errors_total",
		Help:      "Total alert emit failures by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(alertsEmitTotal, alertsEmitErrors)
}

// Evaluation is the event published after every evaluation.
type Evaluation struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Amount    float64        `json:"amount"`
	Type      string         `json:"type"`
	RiskScore int            `json:"riskScore"`
	Triggers  []string       `json:"triggers"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink delivers evaluation events to one external consumer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev *Evaluation) error
}

// Emitter fans evaluation events out to all registered sinks.
// All methods are fire-and-forget: errors are logged but never returned.
//
// Each sink gets a few delivery attempts with backoff, behind a per-sink
// circuit breaker so a dead endpoint stops consuming goroutines.
type Emitter struct {
	sinks       []Sink
	logger      *slog.Logger
	breaker     *circuitbreaker.Breaker
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	e := &Emitter{
		sinks:       sinks,
		logger:      logger,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		timeout:     10 * time.Second,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
	e.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("alert sink circuit transition",
			"sink", key,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return e
}

// EmitEvaluation delivers the event to every sink in the background.
func (e *Emitter) EmitEvaluation(ev *Evaluation) {
	if e == nil {
		return
	}
	for _, sink := range e.sinks {
		go e.deliver(sink, ev)
	}
}

func (e *Emitter) deliver(sink Sink, ev *Evaluation) {
	name := sink.Name()
	if !e.breaker.Allow(name) {
		alertsEmitErrors.WithLabelValues(name).Inc()
		return
	}

	alertsEmitTotal.WithLabelValues(name).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	err := retry.Do(ctx, e.maxAttempts, e.baseDelay, func() error {
		return sink.Deliver(ctx, ev)
	})
	if err != nil {
		e.breaker.RecordFailure(name)
		alertsEmitErrors.WithLabelValues(name).Inc()
		e.logger.Warn("alert delivery failed",
			"sink", name,
			"evaluation_id", ev.ID,
			"error", err,
		)
		return
	}
	e.breaker.RecordSuccess(name)
}

// LogSink writes events to the structured log. Always wired; downstream log
// shippers pick the records up from there.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, ev *Evaluation) error {
	s.logger.Info("fraud alert event",
		"evaluation_id", ev.ID,
		"user_id", ev.UserID,
		"device_id", ev.DeviceID,
		"type", ev.Type,
		"amount", ev.Amount,
		"risk_score", ev.RiskScore,
		"triggers", ev.Triggers,
	)
	return nil
}

// WebhookSink POSTs events to an external alerting endpoint, signed with an
// HMAC-SHA256 signature so the consumer can verify origin.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a webhook sink for the given endpoint.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, ev *Evaluation) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("X-Finsentry-Signature", s.sign(payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
