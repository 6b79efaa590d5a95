// Package state provides the ephemeral TTL-keyed store backing all fraud
// heuristics.
//
// The store is shared with other subsystems (rate limiting, password-history
// checks); isolation is by key-prefix convention only. Every window and
// history list the fraud engine keeps lives here, so multiple concurrently
// running instances of the service observe the same state.
package state

import (
	"context"
	"fmt"
	"time"
)

// Key prefixes owned by the fraud engine. Other subsystems share the same
// store under their own prefixes; these spellings must not change.
const (
	PrefixVelocity    = "fraud:velocity:"     // + userID:actionType
	PrefixDailyAmount = "fraud:daily_amount:" // + userID:yyyy-mm-dd
	PrefixDailyCount  = "fraud:daily_count:"  // + userID:yyyy-mm-dd
	PrefixDevices     = "fraud:devices:"      // + userID
	PrefixLocation    = "fraud:location:"     // + userID
	PrefixCountries   = "fraud:countries:"    // + userID
	PrefixDevice      = "device:"             // + userID:deviceID ("-" when unbound)
)

// Store is a TTL-keyed key-value store with prefix enumeration and atomic
// counters. Implementations must treat a missing key as (_, false, nil),
// never as an error.
type Store interface {
	// Get returns the value for key. ok is false if the key does not exist
	// or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key with the given TTL. A non-positive TTL
	// stores the value without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a glob-style pattern (e.g.
	// "fraud:devices:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Incr atomically increments the integer counter at key by one and
	// returns the new value. The TTL is applied when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrByFloat atomically adds delta to the float counter at key and
	// returns the new value. The TTL is applied when the counter is created.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
}

// VelocityKey builds the sliding-window key for a user and action type.
func VelocityKey(userID, actionType string) string {
	return PrefixVelocity + userID + ":" + actionType
}

// DailyAmountKey builds the rolling daily amount key for a user on a given day.
func DailyAmountKey(userID string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", PrefixDailyAmount, userID, day.UTC().Format("2006-01-02"))
}

// DailyCountKey builds the rolling daily count key for a user on a given day.
func DailyCountKey(userID string, day time.Time) string {
	return fmt.Sprintf("%s%s:%s", PrefixDailyCount, userID, day.UTC().Format("2006-01-02"))
}

// DeviceHistoryKey builds the per-user device history key.
func DeviceHistoryKey(userID string) string {
	return PrefixDevices + userID
}

// LocationKey builds the per-user last-known-location key.
func LocationKey(userID string) string {
	return PrefixLocation + userID
}

// CountriesKey builds the per-user seen-countries key.
func CountriesKey(userID string) string {
	return PrefixCountries + userID
}

// DeviceKey builds the device record key. The user segment is "-" when the
// device is not bound to an account, so unbound records still enumerate.
func DeviceKey(userID, deviceID string) string {
	if userID == "" {
		userID = "-"
	}
	return PrefixDevice + userID + ":" + deviceID
}

// DevicePattern matches a device record regardless of bound user.
func DevicePattern(deviceID string) string {
	return PrefixDevice + "*:" + deviceID
}

// UserDevicesPattern matches every device record bound to a user.
func UserDevicesPattern(userID string) string {
	return PrefixDevice + userID + ":*"
}
