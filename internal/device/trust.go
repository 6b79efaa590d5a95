package device

import (
	"strings"
	"time"
)

// Anomaly codes recorded on the device record. Each detected anomaly costs
// anomalyPenalty on both the anomaly and consistency factors.
const (
	AnomalyBrowserMismatch = "BROWSER_MISMATCH"
	AnomalyOSMismatch      = "OS_MISMATCH"
	AnomalyLiedBrowser     = "LIED_BROWSER"
	AnomalyLiedOS          = "LIED_OS"
	AnomalyLiedResolution  = "LIED_RESOLUTION"
	AnomalyStorageDisabled = "STORAGE_DISABLED"
	AnomalyNoWebGL         = "NO_WEBGL"
)

// detectAnomalies compares the declared signal vector against what was
// freshly parsed from the user-agent string.
func detectAnomalies(signals Signals, browser Browser, os OS) []string {
	var anomalies []string

	if declared, ok := signals[SignalBrowser].(string); ok && declared != "" && browser.Name != "" {
		if !looseMatch(declared, browser.Name) {
			anomalies = append(anomalies, AnomalyBrowserMismatch)
		}
	}
	if declared, ok := signals[SignalOS].(string); ok && declared != "" && os.Name != "" {
		if !looseMatch(declared, os.Name) {
			anomalies = append(anomalies, AnomalyOSMismatch)
		}
	}
	if truthy(signals[SignalLiedBrowser]) {
		anomalies = append(anomalies, AnomalyLiedBrowser)
	}
	if truthy(signals[SignalLiedOS]) {
		anomalies = append(anomalies, AnomalyLiedOS)
	}
	if truthy(signals[SignalLiedResolution]) {
		anomalies = append(anomalies, AnomalyLiedResolution)
	}
	if explicitlyFalse(signals[SignalLocalStorage]) && explicitlyFalse(signals[SignalSessionStorage]) {
		anomalies = append(anomalies, AnomalyStorageDisabled)
	}
	if explicitlyFalse(signals[SignalWebGL]) {
		anomalies = append(anomalies, AnomalyNoWebGL)
	}
	return anomalies
}

// trustFactors holds the five weighted components of a trust score.
type trustFactors struct {
	Consistency    float64 `json:"consistency"`
	KnownLocation  float64 `json:"knownLocation"`
	RecentActivity float64 `json:"recentActivity"`
	Baseline       float64 `json:"baseline"`
	Anomaly        float64 `json:"anomaly"`
}

func (f trustFactors) score() float64 {
	return clamp01(f.Consistency*weightConsistency +
		f.KnownLocation*weightKnownLocation +
		f.RecentActivity*weightRecency +
		f.Baseline*weightBaseline +
		f.Anomaly*weightAnomaly)
}

// computeFactors evaluates the trust factors for a device record.
// lastSeen is the previous sighting (zero for a brand-new device) and
// seenCountries is the set of countries the user has resolved from before.
func computeFactors(info *Info, lastSeen time.Time, seenCountries []string, now time.Time) trustFactors {
	f := trustFactors{Consistency: 1, Baseline: 1, Anomaly: 1}

	if !info.Trusted {
		penalty := anomalyPenalty * float64(len(info.Anomalies))
		f.Consistency = clamp01(1 - penalty)
		f.Anomaly = clamp01(1 - penalty)
	}

	switch {
	case info.Location == nil || info.Location.Country == "":
		f.KnownLocation = 0
	case containsFold(seenCountries, info.Location.Country):
		f.KnownLocation = 1
	default:
		f.KnownLocation = 0.5
	}

	if lastSeen.IsZero() {
		f.RecentActivity = 1
	} else {
		idle := now.Sub(lastSeen)
		if idle < 0 {
			idle = 0
		}
		f.RecentActivity = clamp01(1 - idle.Seconds()/inactivityWindow.Seconds())
	}

	return f
}

func looseMatch(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// truthy interprets the loosely-typed flag values clients send.
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "1"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}

// explicitlyFalse is true only when the signal is present and false;
// an absent signal is not an anomaly.
func explicitlyFalse(v any) bool {
	switch val := v.(type) {
	case bool:
		return !val
	case string:
		return val == "false" || val == "0"
	default:
		return false
	}
}
