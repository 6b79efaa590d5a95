// Package device derives stable device identities from client signal vectors
// and maintains a trust score per device.
//
// A fingerprint is a hash over the canonicalized signal vector. The externally
// visible device ID additionally mixes in the user ID when known, so the same
// physical device maps to different identities per account. Device records are
// semi-persistent: they live in the ephemeral store under a 30-day TTL and are
// refreshed on every sighting.
package device

import (
	"time"

	"github.com/finsentry/finsentry/internal/geo"
)

// Signal vector keys the service interprets. Anything else in the vector
// still participates in the fingerprint hash.
const (
	SignalUserAgent        = "userAgent"
	SignalBrowser          = "browser"
	SignalOS               = "os"
	SignalScreenResolution = "screenResolution"
	SignalTimezone         = "timezone"
	SignalLanguage         = "language"
	SignalFonts            = "fonts"
	SignalPlugins          = "plugins"
	SignalLocalStorage     = "localStorage"
	SignalSessionStorage   = "sessionStorage"
	SignalWebGL            = "webgl"
	SignalLiedBrowser      = "liedBrowser"
	SignalLiedOS           = "liedOs"
	SignalLiedResolution   = "liedResolution"
)

// Signals is the raw device signal vector as declared by the client.
type Signals map[string]any

// Browser is parsed user-agent browser metadata.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Engine  string `json:"engine,omitempty"`
}

// OS is parsed user-agent operating system metadata.
type OS struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Hardware is parsed user-agent device metadata.
type Hardware struct {
	Type   string `json:"type"`
	Model  string `json:"model,omitempty"`
	Vendor string `json:"vendor,omitempty"`
}

// Info is the semi-persistent record for one device identity.
type Info struct {
	ID          string        `json:"id"`
	UserID      string        `json:"userId,omitempty"`
	Fingerprint string        `json:"fingerprint"`
	Signals     Signals       `json:"signals"`
	Browser     Browser       `json:"browser"`
	OS          OS            `json:"os"`
	Hardware    Hardware      `json:"hardware"`
	Location    *geo.Location `json:"location,omitempty"`
	Anomalies   []string      `json:"anomalies,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastSeen    time.Time     `json:"lastSeen"`
	TrustScore  float64       `json:"trustScore"`

	// Trusted records an explicit out-of-band trust grant. While set, anomaly
	// penalties are suspended when the score is recomputed.
	Trusted bool `json:"trusted,omitempty"`
}

// Trust model constants.
const (
	// DefaultTrustThreshold is the score at or above which a device is
	// considered trusted.
	DefaultTrustThreshold = 0.7

	// DefaultRecordTTL is how long a device record survives without being
	// seen again.
	DefaultRecordTTL = 30 * 24 * time.Hour

	// inactivityWindow is the span over which the recent-activity factor
	// decays from 1.0 to 0.0.
	inactivityWindow = 7 * 24 * time.Hour

	// anomalyPenalty is subtracted from the anomaly and consistency factors
	// per detected anomaly.
	anomalyPenalty = 0.2
)

// Trust factor weights. Must sum to 1.
const (
	weightConsistency   = 0.3
	weightKnownLocation = 0.2
	weightRecency       = 0.2
	weightBaseline      = 0.2
	weightAnomaly       = 0.1
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
