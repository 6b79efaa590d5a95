package fraud

import (
	"strings"
	"time"
)

// Config holds every tunable threshold of the check family. All values are
// injectable; Default returns the production baseline.
type Config struct {
	// Amount check
	MaxSingleAmount float64 // single-transaction ceiling
	MaxDailyAmount  float64 // rolling daily amount ceiling per user
	MaxDailyCount   int64   // rolling daily transaction ceiling per user

	// Velocity check
	VelocityWindow  time.Duration // sliding window length
	VelocityMaxTx   int           // entries in window before HIGH_VELOCITY
	SmallTxAmount   float64       // "small" transaction bound
	SmallTxMaxCount int           // small entries before RAPID_SMALL_TRANSACTIONS

	// Location check
	DistanceThresholdKm float64
	SuspiciousCountries []string
	LocationTTL         time.Duration // last-known-location retention

	// Device check
	DeviceChangeWindow time.Duration // recency bound for RECENT_DEVICE_CHANGE
	MaxRecentDevices   int           // distinct devices in window before MULTIPLE_DEVICES
	DeviceHistorySize  int           // history list cap
	DeviceHistoryTTL   time.Duration

	// Pattern check
	RepeatTolerance float64 // amount proximity for REPEATED_TRANSACTIONS
	RoundAmountMin  float64 // floor above which round amounts are flagged

	// Daily counters
	DailyCounterTTL time.Duration
}

// Default returns the baseline thresholds.
func Default() Config {
	return Config{
		MaxSingleAmount:     5000,
		MaxDailyAmount:      10000,
		MaxDailyCount:       20,
		VelocityWindow:      5 * time.Minute,
		VelocityMaxTx:       3,
		SmallTxAmount:       100,
		SmallTxMaxCount:     3,
		DistanceThresholdKm: 500,
		LocationTTL:         30 * 24 * time.Hour,
		DeviceChangeWindow:  24 * time.Hour,
		MaxRecentDevices:    3,
		DeviceHistorySize:   10,
		DeviceHistoryTTL:    30 * 24 * time.Hour,
		RepeatTolerance:     1,
		RoundAmountMin:      1000,
		DailyCounterTTL:     48 * time.Hour,
	}
}

func (c Config) suspiciousCountry(country string) bool {
	for _, s := range c.SuspiciousCountries {
		if strings.EqualFold(s, country) {
			return true
		}
	}
	return false
}
