package alerts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSinkDeliversSignedEvent(t *testing.T) {
	var (
		gotBody      []byte
		gotSignature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Finsentry-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "topsecret")
	ev := &Evaluation{
		ID:        "eval_abc",
		UserID:    "alice",
		Type:      "payment",
		Amount:    6000,
		RiskScore: 30,
		Triggers:  []string{"HIGH_SINGLE_TRANSACTION_AMOUNT"},
		Timestamp: time.Now(),
	}

	require.NoError(t, sink.Deliver(context.Background(), ev))

	var decoded Evaluation
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "eval_abc", decoded.ID)
	assert.Equal(t, []string{"HIGH_SINGLE_TRANSACTION_AMOUNT"}, decoded.Triggers)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "")
	err := sink.Deliver(context.Background(), &Evaluation{ID: "eval_x"})
	assert.ErrorContains(t, err, "502")
}

func TestEmitterSurvivesSinkFailure(t *testing.T) {
	delivered := make(chan struct{}, 1)
	okSink := sinkFunc{name: "ok", fn: func(ctx context.Context, ev *Evaluation) error {
		delivered <- struct{}{}
		return nil
	}}
	badSink := sinkFunc{name: "bad", fn: func(ctx context.Context, ev *Evaluation) error {
		return assert.AnError
	}}

	em := NewEmitter(slog.New(slog.DiscardHandler), badSink, okSink)
	em.EmitEvaluation(&Evaluation{ID: "eval_y"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy sink never received the event")
	}
}

func TestEmitterBreakerOpensAfterRepeatedFailures(t *testing.T) {
	attempts := make(chan struct{}, 100)
	bad := sinkFunc{name: "dead", fn: func(ctx context.Context, ev *Evaluation) error {
		attempts <- struct{}{}
		return assert.AnError
	}}

	em := NewEmitter(slog.New(slog.DiscardHandler), bad)
	em.maxAttempts = 1
	em.baseDelay = time.Millisecond

	// Trip the breaker: 5 failed deliveries, serialized
	for i := 0; i < 5; i++ {
		em.deliver(bad, &Evaluation{ID: "eval_z"})
	}
	if got := len(attempts); got != 5 {
		t.Fatalf("expected 5 delivery attempts, got %d", got)
	}

	// Circuit is open: the sink must not be called again
	em.deliver(bad, &Evaluation{ID: "eval_z2"})
	if got := len(attempts); got != 5 {
		t.Errorf("open circuit still reached the sink (%d attempts)", got)
	}
}

type sinkFunc struct {
	name string
	fn   func(context.Context, *Evaluation) error
}

func (s sinkFunc) Name() string                                      { return s.name }
func (s sinkFunc) Deliver(ctx context.Context, ev *Evaluation) error { return s.fn(ctx, ev) }
