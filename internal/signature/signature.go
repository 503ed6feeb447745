// Package signature verifies Calendly webhook signatures.
//
// Header format: 'Calendly-Webhook-Signature' -> t=TIMESTAMP,v1=HMAC_HEX
// where HMAC_HEX = hex(HMAC_SHA256(signingKey, t + "." + rawBody)).
//
// Verification uses crypto/subtle for constant-time comparison and rejects
// stale timestamps to limit replay windows.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the allowed clock skew between the signature timestamp
// and the receiver's clock.
const DefaultTolerance = 300 * time.Second

// Verify checks a timestamped HMAC signature header against the raw request
// body. It fails closed: any missing or malformed input yields false.
//
// now is injectable so tests can pin the clock.
func Verify(signingKey, header string, body []byte, now time.Time, tolerance time.Duration) bool {
	if signingKey == "" || header == "" {
		return false
	}

	parts := parseHeader(header)
	ts, okT := parts["t"]
	sig, okV := parts["v1"]
	if !okT || !okV || ts == "" || sig == "" {
		return false
	}

	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}

	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > tolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison to prevent timing attacks.
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// parseHeader splits a comma-separated list of key=value pairs.
// Unparseable pairs are ignored.
func parseHeader(header string) map[string]string {
	parts := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 {
			parts[kv[0]] = kv[1]
		}
	}
	return parts
}

// Compute returns the hex HMAC for a timestamp and body. Used by tests and
// the doctor command to build valid headers.
func Compute(signingKey, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatHeader builds a Calendly-style signature header for a body signed at t.
func FormatHeader(signingKey string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + Compute(signingKey, ts, body)
}
