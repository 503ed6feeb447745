package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mkallio/calgate/internal/event"
)

// IntakeKey computes the intake dedupe fingerprint for a delivery.
//
// Preferred: a composite of the payload's structural identifiers (event
// resource URI, invitee resource URI, event type, created_at), so retried
// deliveries of the same event collapse even when byte-level details differ.
// Payloads carrying none of those identifiers fall back to a hash of the raw
// body, which still collapses byte-identical retries.
func IntakeKey(payload map[string]any, rawBody []byte) string {
	parts := []string{
		event.EventRef(payload),
		event.InviteeRef(payload),
		event.TypeString(payload),
		event.CreatedAt(payload),
	}

	empty := true
	for _, p := range parts {
		if p != "" {
			empty = false
			break
		}
	}
	if empty {
		sum := sha256.Sum256(rawBody)
		return hex.EncodeToString(sum[:])
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
