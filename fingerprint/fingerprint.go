// Package fingerprint derives a stable device identity from the client
// signals a login carries: the client signature string (user-agent
// equivalent) and the source network address.
//
// The derivation is pure and deterministic. Collisions are an accepted
// trade-off — the fingerprint is an identification hint for the device
// trust subsystem, not a security boundary by itself.
package fingerprint

import (
	"crypto/sha256"
	"strings"
)

// Kind is the coarse device classification derived from signature keywords.
type Kind string

const (
	// KindDesktop is an exported constant or variable used by the account engine.
	KindDesktop Kind = "desktop"
	// KindMobile is an exported constant or variable used by the account engine.
	KindMobile Kind = "mobile"
	// KindTablet is an exported constant or variable used by the account engine.
	KindTablet Kind = "tablet"
	// KindUnknown is an exported constant or variable used by the account engine.
	KindUnknown Kind = "unknown"
)

// Fingerprint is the derived device identity.
type Fingerprint struct {
	Hash        [32]byte
	DisplayName string
	Kind        Kind
}

// Derive computes the fingerprint for a client signature and source
// address. The hash covers "signature|address"; name and kind are
// best-effort keyword matches over the signature alone.
func Derive(signature, sourceAddr string) Fingerprint {
	return Fingerprint{
		Hash:        sha256.Sum256([]byte(signature + "|" + sourceAddr)),
		DisplayName: displayName(signature),
		Kind:        classify(signature),
	}
}

// Tablet keywords are checked before mobile ones: tablet signatures
// routinely contain "mobile" as well.
func classify(signature string) Kind {
	s := strings.ToLower(signature)
	if s == "" {
		return KindUnknown
	}

	for _, kw := range []string{"ipad", "tablet", "kindle", "silk"} {
		if strings.Contains(s, kw) {
			return KindTablet
		}
	}
	for _, kw := range []string{"mobile", "iphone", "android", "phone", "blackberry"} {
		if strings.Contains(s, kw) {
			return KindMobile
		}
	}
	for _, kw := range []string{"windows", "macintosh", "mac os", "x11", "linux", "cros"} {
		if strings.Contains(s, kw) {
			return KindDesktop
		}
	}

	return KindUnknown
}

func displayName(signature string) string {
	s := strings.ToLower(signature)
	if s == "" {
		return "Unknown device"
	}

	browser := "Unknown browser"
	switch {
	case strings.Contains(s, "edg/"), strings.Contains(s, "edge"):
		browser = "Edge"
	case strings.Contains(s, "opr/"), strings.Contains(s, "opera"):
		browser = "Opera"
	case strings.Contains(s, "chrome"):
		browser = "Chrome"
	case strings.Contains(s, "safari"):
		browser = "Safari"
	case strings.Contains(s, "firefox"):
		browser = "Firefox"
	}

	platform := "unknown platform"
	switch {
	case strings.Contains(s, "ipad"):
		platform = "iPad"
	case strings.Contains(s, "iphone"):
		platform = "iPhone"
	case strings.Contains(s, "android"):
		platform = "Android"
	case strings.Contains(s, "windows"):
		platform = "Windows"
	case strings.Contains(s, "macintosh"), strings.Contains(s, "mac os"):
		platform = "macOS"
	case strings.Contains(s, "cros"):
		platform = "ChromeOS"
	case strings.Contains(s, "linux"), strings.Contains(s, "x11"):
		platform = "Linux"
	}

	return browser + " on " + platform
}
