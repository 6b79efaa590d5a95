package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/finsentry/finsentry/internal/device"
	"github.com/finsentry/finsentry/internal/geo"
	"github.com/finsentry/finsentry/internal/state"
)

// Risk contributions per trigger.
const (
	riskHighSingleAmount   = 30
	riskDailyAmount        = 25
	riskDailyCount         = 20
	riskHighVelocity       = 35
	riskRapidSmallTx       = 25
	riskUnknownLocation    = 20
	riskSuspiciousCountry  = 40
	riskLocationChange     = 30
	riskRecentDeviceChange = 25
	riskMultipleDevices    = 20
	riskRepeatedTx         = 15
	riskRoundAmount        = 10

	trustPenaltyVelocity   = 30
	trustPenaltyRapidSmall = 20
)

// checkAmount flags single transactions over the ceiling and users who blow
// through their rolling daily amount or count.
func (e *Engine) checkAmount(ctx context.Context, ec *evalContext) (*checkResult, error) {
	tx := ec.tx
	res := &checkResult{}

	if tx.Amount > e.cfg.MaxSingleAmount {
		res.add(riskHighSingleAmount, TriggerHighSingleAmount)
	}

	now := e.now()
	dailyTotal, err := e.readFloat(ctx, state.DailyAmountKey(tx.UserID, now))
	if err != nil {
		return nil, err
	}
	dailyCount, err := e.readInt(ctx, state.DailyCountKey(tx.UserID, now))
	if err != nil {
		return nil, err
	}

	if dailyTotal+tx.Amount > e.cfg.MaxDailyAmount {
		res.add(riskDailyAmount, TriggerDailyAmountExceeded)
	}
	if dailyCount >= e.cfg.MaxDailyCount {
		res.add(riskDailyCount, TriggerDailyCountExceeded)
	}

	res.Metadata = map[string]any{
		"dailyTotal": dailyTotal,
		"dailyCount": dailyCount,
	}
	return res, nil
}

// checkVelocity counts recent transactions of the same user and action type
// inside the shared window snapshot, then appends the current one. Trust
// penalties ride along as metadata only; they never fold into the risk score.
func (e *Engine) checkVelocity(ctx context.Context, ec *evalContext) (*checkResult, error) {
	if ec.windowErr != nil {
		return nil, ec.windowErr
	}
	tx := ec.tx
	res := &checkResult{}

	if len(ec.window) >= e.cfg.VelocityMaxTx {
		res.add(riskHighVelocity, TriggerHighVelocity)
		res.TrustPenalty += trustPenaltyVelocity
	}

	small := 0
	for _, entry := range ec.window {
		if entry.Amount < e.cfg.SmallTxAmount {
			small++
		}
	}
	if small >= e.cfg.SmallTxMaxCount {
		res.add(riskRapidSmallTx, TriggerRapidSmallTx)
		res.TrustPenalty += trustPenaltyRapidSmall
	}

	// Persist onto a copy: the snapshot is read concurrently by the pattern
	// check and must stay untouched.
	updated := make([]windowEntry, 0, len(ec.window)+1)
	updated = append(updated, ec.window...)
	updated = append(updated, windowEntry{Amount: tx.Amount, Timestamp: e.now()})
	if err := e.saveWindow(ctx, state.VelocityKey(tx.UserID, tx.Type), updated); err != nil {
		return nil, err
	}

	res.Metadata = map[string]any{"windowSize": len(updated)}
	return res, nil
}

// checkLocation resolves the caller's coarse location and compares it to the
// user's last known coordinates. The stored location is overwritten whenever
// the context supplies one, trigger or not.
func (e *Engine) checkLocation(ctx context.Context, ec *evalContext) (*checkResult, error) {
	tx := ec.tx
	res := &checkResult{}

	var resolved *geo.Location
	if tx.IP != "" && e.resolver != nil {
		loc, err := e.resolver.Resolve(ctx, tx.IP)
		if err != nil {
			return nil, fmt.Errorf("resolve location: %w", err)
		}
		resolved = loc
	}

	if resolved == nil {
		res.add(riskUnknownLocation, TriggerUnknownLocation)
	} else {
		if e.cfg.suspiciousCountry(resolved.Country) {
			res.add(riskSuspiciousCountry, TriggerSuspiciousCountry)
		}
		res.Metadata = map[string]any{"location": resolved}
	}

	last, ok, err := e.loadLastLocation(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	if ok && tx.Location != nil {
		dist := geo.Distance(
			geo.Coordinates{Latitude: last.Latitude, Longitude: last.Longitude},
			*tx.Location,
		)
		if dist > e.cfg.DistanceThresholdKm {
			res.add(riskLocationChange, TriggerLocationChange)
		}
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["distanceKm"] = math.Round(dist*10) / 10
	}

	if tx.Location != nil {
		if err := e.saveLastLocation(ctx, tx.UserID, *tx.Location); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// checkDevice detects device churn: a fresh switch to a new device and too
// many distinct devices inside the change window.
func (e *Engine) checkDevice(ctx context.Context, ec *evalContext) (*checkResult, error) {
	tx := ec.tx
	res := &checkResult{}
	if tx.DeviceID == "" {
		return res, nil
	}

	history, err := e.loadDeviceHistory(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if len(history) > 0 {
		latest := history[0]
		if latest.DeviceID != tx.DeviceID && now.Sub(latest.Timestamp) < e.cfg.DeviceChangeWindow {
			res.add(riskRecentDeviceChange, TriggerRecentDeviceChange)
		}
	}

	distinct := map[string]struct{}{}
	for _, s := range history {
		if now.Sub(s.Timestamp) < e.cfg.DeviceChangeWindow {
			distinct[s.DeviceID] = struct{}{}
		}
	}
	if len(distinct) > e.cfg.MaxRecentDevices {
		res.add(riskMultipleDevices, TriggerMultipleDevices)
	}

	// Prepend the current sighting, newest first, capped.
	history = append([]deviceSighting{{DeviceID: tx.DeviceID, Timestamp: now}}, history...)
	if len(history) > e.cfg.DeviceHistorySize {
		history = history[:e.cfg.DeviceHistorySize]
	}
	if err := e.saveDeviceHistory(ctx, tx.UserID, history); err != nil {
		return nil, err
	}

	// Snapshot the device's trust state for the result metadata.
	if e.devices != nil {
		info, err := e.devices.Get(ctx, tx.DeviceID)
		switch {
		case err == nil:
			res.Metadata = map[string]any{"deviceTrust": info.TrustScore}
		case errors.Is(err, device.ErrNotFound):
			// unseen device, nothing to snapshot
		default:
			return nil, err
		}
	}
	return res, nil
}

// checkPattern looks for automation fingerprints in the same recent-activity
// snapshot the velocity check scores: repeats of near-identical amounts and
// conspicuously round amounts. Only prior entries count; the current
// transaction is not part of the snapshot.
func (e *Engine) checkPattern(ctx context.Context, ec *evalContext) (*checkResult, error) {
	if ec.windowErr != nil {
		return nil, ec.windowErr
	}
	tx := ec.tx
	res := &checkResult{}

	repeats := 0
	for _, entry := range ec.window {
		if math.Abs(entry.Amount-tx.Amount) <= e.cfg.RepeatTolerance {
			repeats++
		}
	}
	if repeats >= 2 {
		res.add(riskRepeatedTx, TriggerRepeatedTransactions)
	}

	if tx.Amount > e.cfg.RoundAmountMin && math.Mod(tx.Amount, 100) == 0 {
		res.add(riskRoundAmount, TriggerRoundAmount)
	}
	return res, nil
}

// --- state helpers ---

func (e *Engine) readFloat(ctx context.Context, key string) (float64, error) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func (e *Engine) readInt(ctx context.Context, key string) (int64, error) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// loadWindow reads and prunes a sliding window. Pruning happens on every
// read so windows never grow unbounded.
func (e *Engine) loadWindow(ctx context.Context, key string) ([]windowEntry, error) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load window %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	var window []windowEntry
	if err := json.Unmarshal([]byte(raw), &window); err != nil {
		return nil, fmt.Errorf("decode window %s: %w", key, err)
	}

	cutoff := e.now().Add(-e.cfg.VelocityWindow)
	pruned := window[:0]
	for _, entry := range window {
		if entry.Timestamp.After(cutoff) {
			pruned = append(pruned, entry)
		}
	}
	return pruned, nil
}

func (e *Engine) saveWindow(ctx context.Context, key string, window []windowEntry) error {
	raw, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("encode window %s: %w", key, err)
	}
	if err := e.store.Set(ctx, key, string(raw), e.cfg.VelocityWindow); err != nil {
		return fmt.Errorf("save window %s: %w", key, err)
	}
	return nil
}

func (e *Engine) loadDeviceHistory(ctx context.Context, userID string) ([]deviceSighting, error) {
	raw, ok, err := e.store.Get(ctx, state.DeviceHistoryKey(userID))
	if err != nil {
		return nil, fmt.Errorf("load device history: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var history []deviceSighting
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, fmt.Errorf("decode device history: %w", err)
	}
	return history, nil
}

func (e *Engine) saveDeviceHistory(ctx context.Context, userID string, history []deviceSighting) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode device history: %w", err)
	}
	if err := e.store.Set(ctx, state.DeviceHistoryKey(userID), string(raw), e.cfg.DeviceHistoryTTL); err != nil {
		return fmt.Errorf("save device history: %w", err)
	}
	return nil
}

func (e *Engine) loadLastLocation(ctx context.Context, userID string) (lastLocation, bool, error) {
	raw, ok, err := e.store.Get(ctx, state.LocationKey(userID))
	if err != nil {
		return lastLocation{}, false, fmt.Errorf("load last location: %w", err)
	}
	if !ok {
		return lastLocation{}, false, nil
	}
	var loc lastLocation
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return lastLocation{}, false, fmt.Errorf("decode last location: %w", err)
	}
	return loc, true, nil
}

func (e *Engine) saveLastLocation(ctx context.Context, userID string, coords geo.Coordinates) error {
	raw, err := json.Marshal(lastLocation{
		Latitude:  coords.Latitude,
		Longitude: coords.Longitude,
		UpdatedAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("encode last location: %w", err)
	}
	if err := e.store.Set(ctx, state.LocationKey(userID), string(raw), e.cfg.LocationTTL); err != nil {
		return fmt.Errorf("save last location: %w", err)
	}
	return nil
}
