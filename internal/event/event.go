// Package event normalizes Calendly webhook payloads and classifies them
// into CRM activity types.
//
// Calendly delivers two payload shapes: the webhook envelope (fields nested
// under "payload") and the flat legacy/REST shape. Extraction tries an
// ordered list of locations per field and takes the first usable value.
package event

import (
	"encoding/json"
	"strings"
)

// DefaultTitle is used when no payload location yields an event title.
const DefaultTitle = "Calendly Event"

// Event is the normalized view of a scheduling payload. All fields except
// Title are optional; empty string means absent.
type Event struct {
	Title          string `json:"title"`
	InviteeEmail   string `json:"invitee_email,omitempty"`
	InviteeName    string `json:"invitee_name,omitempty"`
	OrganizerEmail string `json:"organizer_email,omitempty"`
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
}

// Field returns the named event field for rule matching. The empty name is
// treated as "title". Unknown names report ok=false and can never match.
func (e Event) Field(name string) (string, bool) {
	switch name {
	case "", "title":
		return e.Title, true
	case "invitee_email":
		return e.InviteeEmail, true
	case "invitee_name":
		return e.InviteeName, true
	case "organizer_email":
		return e.OrganizerEmail, true
	case "start":
		return e.Start, true
	case "end":
		return e.End, true
	}
	return "", false
}

// Parse extracts a normalized Event from a raw payload object. Missing or
// mistyped fields never fail extraction; they resolve to the default title
// or to absence.
func Parse(raw json.RawMessage) Event {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = nil
	}
	return ParseObject(payload)
}

// ParseObject is Parse for an already-decoded payload.
func ParseObject(payload map[string]any) Event {
	e := Event{
		Title:          firstString(payload, "event.name", "event_type.name", "name"),
		InviteeEmail:   firstString(payload, "payload.invitee.email", "invitee.email", "email"),
		InviteeName:    firstString(payload, "payload.invitee.name", "invitee.name", "name"),
		OrganizerEmail: firstString(payload, "payload.event.organizer.email", "organizer.email"),
		Start:          firstString(payload, "payload.event.start_time", "event.start_time", "start_time"),
		End:            firstString(payload, "payload.event.end_time", "event.end_time", "end_time"),
	}
	if e.Title == "" {
		e.Title = DefaultTitle
	}
	return e
}

// EventRef returns the scheduled-event resource URI carried by the payload,
// or "" when absent.
func EventRef(payload map[string]any) string {
	return firstString(payload, "payload.event", "event")
}

// InviteeRef returns the invitee resource URI carried by the payload, or ""
// when absent.
func InviteeRef(payload map[string]any) string {
	return firstString(payload, "payload.invitee", "invitee")
}

// TypeString returns the webhook event type (e.g. "invitee.created") when
// the top-level event field is a plain string.
func TypeString(payload map[string]any) string {
	return firstString(payload, "event")
}

// CreatedAt returns the payload's created_at timestamp string, if any.
func CreatedAt(payload map[string]any) string {
	return firstString(payload, "created_at")
}

// FallbackInviteeEmail checks the alternate payload locations the webhook
// sometimes uses when the invitee block is absent.
func FallbackInviteeEmail(payload map[string]any) string {
	return firstString(payload, "payload.email", "email")
}

// firstString walks dot-separated paths in order and returns the first
// non-empty string value found.
func firstString(payload map[string]any, paths ...string) string {
	for _, path := range paths {
		if s, ok := stringAt(payload, path); ok && s != "" {
			return s
		}
	}
	return ""
}

// stringAt resolves a dot-separated path against nested JSON objects.
// Non-object intermediates and non-string leaves report ok=false.
func stringAt(payload map[string]any, path string) (string, bool) {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
