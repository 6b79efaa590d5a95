// Package fraud implements real-time heuristic risk scoring for sensitive
// user actions.
//
// Every evaluated action runs five independent checks concurrently: amount,
// velocity, location, device, and pattern. Each check reads and writes its
// slice of time-windowed ephemeral state and contributes a partial risk score
// with named triggers. Contributions are summed, clamped to [0, 100], and
// rendered into an allow / challenge / deny verdict. The engine only returns
// an opinion; performing or rejecting the action belongs to the caller.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/finsentry/finsentry/internal/geo"
)

// ErrInvalidContext is returned when the transaction context fails
// validation. Infrastructure failures never map to this error.
var ErrInvalidContext = errors.New("invalid transaction context")

// Trigger identifies which heuristic rule fired during an evaluation.
// The string spellings are part of the alerting contract and must not change.
type Trigger string

const (
	TriggerHighSingleAmount     Trigger = "HIGH_SINGLE_TRANSACTION_AMOUNT"
	TriggerDailyAmountExceeded  Trigger = "DAILY_AMOUNT_EXCEEDED"
	TriggerDailyCountExceeded   Trigger = "DAILY_COUNT_EXCEEDED"
	TriggerHighVelocity         Trigger = "HIGH_VELOCITY"
	TriggerRapidSmallTx         Trigger = "RAPID_SMALL_TRANSACTIONS"
	TriggerUnknownLocation      Trigger = "UNKNOWN_LOCATION"
	TriggerSuspiciousCountry    Trigger = "SUSPICIOUS_COUNTRY"
	TriggerLocationChange       Trigger = "SIGNIFICANT_LOCATION_CHANGE"
	TriggerRecentDeviceChange   Trigger = "RECENT_DEVICE_CHANGE"
	TriggerMultipleDevices      Trigger = "MULTIPLE_DEVICES"
	TriggerRepeatedTransactions Trigger = "REPEATED_TRANSACTIONS"
	TriggerRoundAmount          Trigger = "ROUND_AMOUNT"
	TriggerUnavailableCheck     Trigger = "UNAVAILABLE_CHECK"
)

// Verdict thresholds on the aggregate risk score.
const (
	// DenyThreshold is the score at or above which the action is not allowed.
	DenyThreshold = 70
	// VerifyThreshold is the score at or above which step-up verification is
	// required.
	VerifyThreshold = 40
)

// TransactionContext carries one in-flight action to evaluate. It is owned by
// the caller for the duration of a single evaluation and never persisted.
type TransactionContext struct {
	UserID   string           `json:"userId"`
	Amount   float64          `json:"amount"`
	Type     string           `json:"type"` // action category: payment, login, recovery, ...
	DeviceID string           `json:"deviceId,omitempty"`
	IP       string           `json:"ip,omitempty"`
	Location *geo.Coordinates `json:"location,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Validate checks the fields every evaluation requires.
func (tc *TransactionContext) Validate() error {
	if tc == nil {
		return ErrInvalidContext
	}
	if tc.UserID == "" {
		return errors.New("userId is required")
	}
	if tc.Amount < 0 {
		return errors.New("amount must be non-negative")
	}
	return nil
}

// Result is the engine's verdict for one evaluated action. Immutable once
// returned.
type Result struct {
	ID                   string         `json:"id"`
	UserID               string         `json:"userId"`
	Allowed              bool           `json:"isAllowed"`
	RiskScore            int            `json:"riskScore"`
	Triggers             []Trigger      `json:"triggers"`
	RequiresVerification bool           `json:"requiresVerification"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	EvaluatedAt          time.Time      `json:"evaluatedAt"`
}

// Store persists evaluation results for the audit trail. ListByUser returns
// results most-recent-first; a non-zero before timestamp (with its tie-break
// ID) restricts the page to results strictly older than that position.
type Store interface {
	Record(ctx context.Context, result *Result) error
	ListByUser(ctx context.Context, userID string, before time.Time, beforeID string, limit int) ([]*Result, error)
}

// windowEntry is one transaction inside a sliding velocity window.
type windowEntry struct {
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// deviceSighting is one entry in the per-user device history list.
type deviceSighting struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// lastLocation is the stored last-known location for a user.
type lastLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// checkResult is one check's contribution to an evaluation.
type checkResult struct {
	Risk         int            `json:"risk"`
	Triggers     []Trigger      `json:"triggers,omitempty"`
	TrustPenalty int            `json:"trustPenalty,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (r *checkResult) add(risk int, trigger Trigger) {
	r.Risk += risk
	r.Triggers = append(r.Triggers, trigger)
}
