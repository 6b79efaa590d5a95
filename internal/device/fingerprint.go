package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/mileusna/useragent"
)

// Fingerprint hashes the canonicalized signal vector. The hash is stable
// under reordering of the vector's fields and sensitive to any value change.
func Fingerprint(signals Signals) string {
	return hashString(canonicalize(signals))
}

// DeviceID derives the externally visible device identity from a fingerprint
// and, when known, the owning user. Binding the user keeps one physical
// device from carrying reputation across accounts.
func DeviceID(fingerprint, userID string) string {
	if userID == "" {
		return hashString(fingerprint)
	}
	return hashString(fingerprint + ":" + userID)
}

// canonicalize renders the signal vector as a stable string: fields sorted by
// name, array values joined with commas, everything else stringified.
func canonicalize(signals Signals) string {
	keys := make([]string, 0, len(signals))
	for k := range signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+stringify(signals[k]))
	}
	return strings.Join(parts, "|")
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseUserAgent extracts browser, OS, and hardware metadata from the
// declared user-agent string.
func parseUserAgent(raw string) (Browser, OS, Hardware) {
	ua := useragent.Parse(raw)

	browser := Browser{
		Name:    ua.Name,
		Version: ua.Version,
		Engine:  engineFor(ua.Name),
	}
	os := OS{Name: ua.OS, Version: ua.OSVersion}

	hw := Hardware{Model: ua.Device, Vendor: vendorFor(ua.Device)}
	switch {
	case ua.Mobile:
		hw.Type = "mobile"
	case ua.Tablet:
		hw.Type = "tablet"
	case ua.Bot:
		hw.Type = "bot"
	default:
		hw.Type = "desktop"
	}
	return browser, os, hw
}

func engineFor(browserName string) string {
	switch browserName {
	case useragent.Chrome, useragent.Edge, useragent.Opera, useragent.OperaMini:
		return "Blink"
	case useragent.Firefox:
		return "Gecko"
	case useragent.Safari:
		return "WebKit"
	default:
		return ""
	}
}

func vendorFor(model string) string {
	switch {
	case strings.Contains(model, "iPhone"), strings.Contains(model, "iPad"), strings.Contains(model, "Mac"):
		return "Apple"
	case strings.Contains(model, "Pixel"):
		return "Google"
	case strings.Contains(model, "SM-"), strings.Contains(model, "Galaxy"):
		return "Samsung"
	default:
		return ""
	}
}
