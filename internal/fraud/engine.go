package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finsentry/finsentry/internal/alerts"
	"github.com/finsentry/finsentry/internal/device"
	"github.com/finsentry/finsentry/internal/geo"
	"github.com/finsentry/finsentry/internal/idgen"
	"github.com/finsentry/finsentry/internal/metrics"
	"github.com/finsentry/finsentry/internal/state"
	"github.com/finsentry/finsentry/internal/traces"
)

// Engine fans the five fraud checks out concurrently and renders the verdict.
type Engine struct {
	cfg      Config
	store    state.Store
	resolver geo.Resolver
	devices  *device.Service
	audit    Store
	emitter  *alerts.Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithConfig overrides the default thresholds.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithDeviceService wires the device fingerprint service so checks can
// snapshot device trust.
func WithDeviceService(svc *device.Service) Option {
	return func(e *Engine) { e.devices = svc }
}

// WithAuditStore wires an audit store for evaluation results.
func WithAuditStore(store Store) Option {
	return func(e *Engine) { e.audit = store }
}

// WithEmitter wires the alert event emitter.
func WithEmitter(em *alerts.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithClock overrides the engine clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a risk engine on the given ephemeral store and
// geolocation resolver.
func NewEngine(store state.Store, resolver geo.Resolver, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      Default(),
		store:    store,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evalContext carries the transaction plus per-evaluation shared state into
// the checks. The velocity window is loaded once before fan-out so the
// velocity and pattern checks score the same snapshot of prior activity;
// velocity's append of the current transaction must never count toward
// pattern's repeat detection.
type evalContext struct {
	tx        *TransactionContext
	window    []windowEntry
	windowErr error
}

type namedCheck struct {
	name string
	run  func(context.Context, *evalContext) (*checkResult, error)
}

func (e *Engine) checks() []namedCheck {
	return []namedCheck{
		{"amount", e.checkAmount},
		{"velocity", e.checkVelocity},
		{"location", e.checkLocation},
		{"device", e.checkDevice},
		{"pattern", e.checkPattern},
	}
}

// Evaluate scores one in-flight action. It fails on malformed input; a
// per-check infrastructure failure contributes no risk but forces step-up
// verification instead of aborting the whole evaluation, so an outage never
// degrades into a silent allow.
func (e *Engine) Evaluate(ctx context.Context, tx *TransactionContext) (*Result, error) {
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidContext, err)
	}

	ctx, span := traces.StartSpan(ctx, "fraud.evaluate",
		traces.UserID(tx.UserID),
		traces.ActionType(tx.Type),
	)
	defer span.End()

	start := e.now()
	checks := e.checks()

	// One window snapshot for the whole evaluation. A load failure is carried
	// into the branches that need it, so the join applies the per-check
	// failure policy instead of the evaluation aborting here.
	window, windowErr := e.loadWindow(ctx, state.VelocityKey(tx.UserID, tx.Type))
	ec := &evalContext{tx: tx, window: window, windowErr: windowErr}

	type branch struct {
		res *checkResult
		err error
	}
	branches := make([]branch, len(checks))

	// Every branch runs to completion; failures are collected per branch and
	// the failure policy is applied at the join, never mid-flight.
	g, gctx := errgroup.WithContext(ctx)
	for i, chk := range checks {
		g.Go(func() error {
			cctx, cspan := traces.StartSpan(gctx, "fraud.check."+chk.name)
			defer cspan.End()
			res, err := chk.run(cctx, ec)
			branches[i] = branch{res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{
		ID:          idgen.WithPrefix("eval_"),
		UserID:      tx.UserID,
		EvaluatedAt: start,
	}

	score := 0
	trustPenalty := 0
	triggers := map[Trigger]struct{}{}
	breakdown := make(map[string]any, len(checks))
	forceVerification := false

	for i, chk := range checks {
		b := branches[i]
		if b.err != nil {
			// Neutral contribution, escalate instead of aborting.
			metrics.FraudCheckFailures.WithLabelValues(chk.name).Inc()
			e.logger.Warn("fraud check unavailable",
				"check", chk.name,
				"user_id", tx.UserID,
				"error", b.err,
			)
			triggers[TriggerUnavailableCheck] = struct{}{}
			forceVerification = true
			breakdown[chk.name] = map[string]any{"unavailable": true}
			continue
		}
		score += b.res.Risk
		trustPenalty += b.res.TrustPenalty
		for _, t := range b.res.Triggers {
			triggers[t] = struct{}{}
		}
		breakdown[chk.name] = b.res
	}

	if score > 100 {
		score = 100
	}

	result.RiskScore = score
	result.Allowed = score < DenyThreshold
	result.RequiresVerification = (score >= VerifyThreshold && score < 100) || forceVerification
	result.Triggers = sortedTriggers(triggers)
	result.Metadata = map[string]any{"checks": breakdown}
	if trustPenalty > 0 {
		result.Metadata["deviceTrustPenalty"] = trustPenalty
	}

	e.observe(ctx, tx, result)
	return result, nil
}

// RecordTransaction folds a completed action into the rolling daily
// counters. Callers invoke it after the action actually goes through.
func (e *Engine) RecordTransaction(ctx context.Context, userID string, amount float64) error {
	now := e.now()
	if _, err := e.store.IncrByFloat(ctx, state.DailyAmountKey(userID, now), amount, e.cfg.DailyCounterTTL); err != nil {
		return fmt.Errorf("record daily amount: %w", err)
	}
	if _, err := e.store.Incr(ctx, state.DailyCountKey(userID, now), e.cfg.DailyCounterTTL); err != nil {
		return fmt.Errorf("record daily count: %w", err)
	}
	return nil
}

// History returns recent evaluation results for a user from the audit store,
// most recent first. A non-zero before timestamp restricts the page to
// results strictly older than that cursor position.
func (e *Engine) History(ctx context.Context, userID string, before time.Time, beforeID string, limit int) ([]*Result, error) {
	if e.audit == nil {
		return nil, nil
	}
	return e.audit.ListByUser(ctx, userID, before, beforeID, limit)
}

// observe emits the per-evaluation breakdown: structured log, metrics, audit
// record, and the alert event for external consumers.
func (e *Engine) observe(ctx context.Context, tx *TransactionContext, result *Result) {
	verdict := "allow"
	switch {
	case !result.Allowed:
		verdict = "deny"
	case result.RequiresVerification:
		verdict = "challenge"
	}

	metrics.FraudEvaluationsTotal.WithLabelValues(verdict).Inc()
	metrics.FraudRiskScore.Observe(float64(result.RiskScore))
	for _, t := range result.Triggers {
		metrics.FraudTriggersTotal.WithLabelValues(string(t)).Inc()
	}

	e.logger.Info("fraud evaluation",
		"evaluation_id", result.ID,
		"user_id", tx.UserID,
		"device_id", tx.DeviceID,
		"type", tx.Type,
		"amount", tx.Amount,
		"risk_score", result.RiskScore,
		"verdict", verdict,
		"triggers", result.Triggers,
	)

	if e.audit != nil {
		// Best-effort audit trail, kept off the hot path.
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.audit.Record(actx, result); err != nil {
				e.logger.Warn("audit record failed", "evaluation_id", result.ID, "error", err)
			}
		}()
	}

	if e.emitter != nil {
		e.emitter.EmitEvaluation(&alerts.Evaluation{
			ID:        result.ID,
			UserID:    tx.UserID,
			DeviceID:  tx.DeviceID,
			Amount:    tx.Amount,
			Type:      tx.Type,
			RiskScore: result.RiskScore,
			Triggers:  triggerStrings(result.Triggers),
			Metadata:  result.Metadata,
			Timestamp: result.EvaluatedAt,
		})
	}
}

func sortedTriggers(set map[Trigger]struct{}) []Trigger {
	out := make([]Trigger, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func triggerStrings(triggers []Trigger) []string {
	out := make([]string, len(triggers))
	for i, t := range triggers {
		out[i] = string(t)
	}
	return out
}
