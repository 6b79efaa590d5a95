package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsentry/finsentry/internal/geo"
	"github.com/finsentry/finsentry/internal/metrics"
	"github.com/finsentry/finsentry/internal/state"
	"github.com/finsentry/finsentry/internal/syncutil"
)

// ErrNotFound is returned when a device record does not exist or has expired.
var ErrNotFound = errors.New("device not found")

// Service generates device fingerprints and manages per-device trust.
type Service struct {
	store          state.Store
	resolver       geo.Resolver
	logger         *slog.Logger
	trustThreshold float64
	recordTTL      time.Duration
	now            func() time.Time

	// locks serializes read-modify-write cycles on a user's device state.
	locks syncutil.ShardedMutex
}

// Option configures the service.
type Option func(*Service)

// WithTrustThreshold overrides the default trusted-device threshold.
func WithTrustThreshold(t float64) Option {
	return func(s *Service) { s.trustThreshold = t }
}

// WithRecordTTL overrides the default device record TTL.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *Service) { s.recordTTL = ttl }
}

// WithClock overrides the service clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a device fingerprint service on the given ephemeral
// store and geolocation resolver.
func NewService(store state.Store, resolver geo.Resolver, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:          store,
		resolver:       resolver,
		logger:         logger,
		trustThreshold: DefaultTrustThreshold,
		recordTTL:      DefaultRecordTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate derives the device identity for a signal vector, creates or
// refreshes its record, and returns the record with a freshly computed trust
// score. The IP is the server-observed address shared with the rest of the
// evaluation.
func (s *Service) Generate(ctx context.Context, signals Signals, userID, ip string) (*Info, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("empty signal vector")
	}
	unlock := s.locks.Lock(userID)
	defer unlock()

	now := s.now()

	fingerprint := Fingerprint(signals)
	id := DeviceID(fingerprint, userID)

	browser, os, hw := browserMeta(signals)
	anomalies := detectAnomalies(signals, browser, os)

	var loc *geo.Location
	if ip != "" && s.resolver != nil {
		resolved, err := s.resolver.Resolve(ctx, ip)
		if err != nil {
			return nil, fmt.Errorf("resolve device location: %w", err)
		}
		loc = resolved
	}

	info := &Info{
		ID:          id,
		UserID:      userID,
		Fingerprint: fingerprint,
		Signals:     signals,
		Browser:     browser,
		OS:          os,
		Hardware:    hw,
		Location:    loc,
		Anomalies:   anomalies,
		CreatedAt:   now,
		LastSeen:    now,
	}

	// Carry over the first-sighting time from an existing record.
	var prevSeen time.Time
	if existing, err := s.load(ctx, id); err == nil {
		info.CreatedAt = existing.CreatedAt
		info.Trusted = existing.Trusted
		prevSeen = existing.LastSeen
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	countries, err := s.seenCountries(ctx, userID)
	if err != nil {
		return nil, err
	}

	factors := computeFactors(info, prevSeen, countries, now)
	info.TrustScore = factors.score()

	if err := s.save(ctx, info); err != nil {
		return nil, err
	}
	if err := s.recordCountry(ctx, userID, loc, countries); err != nil {
		return nil, err
	}

	metrics.DevicesGenerated.Inc()
	s.logger.Debug("device fingerprint generated",
		"device_id", id,
		"user_id", userID,
		"trust_score", info.TrustScore,
		"anomalies", len(anomalies),
	)
	return info, nil
}

// Get returns the stored record for a device ID.
func (s *Service) Get(ctx context.Context, id string) (*Info, error) {
	return s.load(ctx, id)
}

// ListForUser enumerates every device record bound to a user.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Info, error) {
	keys, err := s.store.Keys(ctx, state.UserDevicesPattern(userID))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	infos := make([]*Info, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load device %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("decode device %s: %w", key, err)
		}
		infos = append(infos, &info)
	}
	return infos, nil
}

// IsTrusted recomputes the device's trust score against current history and
// compares it to the trust threshold. A device explicitly trusted via Trust
// stays trusted regardless of the recomputed score.
func (s *Service) IsTrusted(ctx context.Context, id string) (bool, error) {
	info, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if info.Trusted {
		return true, nil
	}

	countries, err := s.seenCountries(ctx, info.UserID)
	if err != nil {
		return false, err
	}

	score := computeFactors(info, info.LastSeen, countries, s.now()).score()
	return score >= s.trustThreshold, nil
}

// Trust marks a device fully trusted after an out-of-band step-up
// verification, binds it to the user, and refreshes its record.
func (s *Service) Trust(ctx context.Context, id, userID string) (*Info, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	info, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	// Re-keying: a previously unbound record moves under the user's prefix.
	if info.UserID != userID {
		if err := s.store.Delete(ctx, state.DeviceKey(info.UserID, id)); err != nil {
			return nil, fmt.Errorf("rebind device: %w", err)
		}
		info.UserID = userID
	}

	info.Trusted = true
	info.TrustScore = 1
	info.LastSeen = s.now()
	if err := s.save(ctx, info); err != nil {
		return nil, err
	}

	metrics.DevicesTrusted.Inc()
	s.logger.Info("device trusted", "device_id", id, "user_id", userID)
	return info, nil
}

func (s *Service) load(ctx context.Context, id string) (*Info, error) {
	keys, err := s.store.Keys(ctx, state.DevicePattern(id))
	if err != nil {
		return nil, fmt.Errorf("find device: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	raw, ok, err := s.store.Get(ctx, keys[0])
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return &info, nil
}

func (s *Service) save(ctx context.Context, info *Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}
	if err := s.store.Set(ctx, state.DeviceKey(info.UserID, info.ID), string(raw), s.recordTTL); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

func (s *Service) seenCountries(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	raw, ok, err := s.store.Get(ctx, state.CountriesKey(userID))
	if err != nil {
		return nil, fmt.Errorf("load seen countries: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var countries []string
	if err := json.Unmarshal([]byte(raw), &countries); err != nil {
		return nil, fmt.Errorf("decode seen countries: %w", err)
	}
	return countries, nil
}

func (s *Service) recordCountry(ctx context.Context, userID string, loc *geo.Location, seen []string) error {
	if userID == "" || loc == nil || loc.Country == "" || containsFold(seen, loc.Country) {
		return nil
	}
	raw, err := json.Marshal(append(seen, loc.Country))
	if err != nil {
		return fmt.Errorf("encode seen countries: %w", err)
	}
	if err := s.store.Set(ctx, state.CountriesKey(userID), string(raw), s.recordTTL); err != nil {
		return fmt.Errorf("save seen countries: %w", err)
	}
	return nil
}

// browserMeta parses UA metadata from the declared user-agent signal.
func browserMeta(signals Signals) (Browser, OS, Hardware) {
	raw, _ := signals[SignalUserAgent].(string)
	return parseUserAgent(raw)
}
