// Package enrich fills gaps in webhook events from the Calendly API.
//
// Webhook payloads sometimes carry only resource URIs. When configured with
// an access token, the worker fetches those resources and merges missing
// fields. Everything here is best effort: a fetch failure never fails the
// delivery.
package enrich

import (
	"github.com/mkallio/calgate/internal/event"
)

// Needed reports whether an enrichment fetch could improve the event: some
// field is missing or defaulted AND the payload carries at least one
// resource URI to fetch.
func Needed(e event.Event, payload map[string]any) bool {
	needsEventFields := e.Title == "" || e.Title == event.DefaultTitle ||
		e.Start == "" || e.OrganizerEmail == ""
	needsInviteeFields := e.InviteeEmail == "" || e.InviteeName == ""
	if !needsEventFields && !needsInviteeFields {
		return false
	}
	return event.EventRef(payload) != "" || event.InviteeRef(payload) != ""
}

// Merge fills only empty or defaulted event fields from fetched resources.
// Populated fields are never overwritten.
func Merge(e event.Event, eventRes, inviteeRes map[string]any) event.Event {
	if e.Title == "" || e.Title == event.DefaultTitle {
		if name, ok := eventRes["name"].(string); ok && name != "" {
			e.Title = name
		}
	}
	if e.Start == "" {
		if start, ok := eventRes["start_time"].(string); ok {
			e.Start = start
		}
	}
	if e.End == "" {
		if end, ok := eventRes["end_time"].(string); ok {
			e.End = end
		}
	}
	if e.OrganizerEmail == "" {
		e.OrganizerEmail = organizerEmail(eventRes)
	}
	if e.InviteeEmail == "" {
		if email, ok := inviteeRes["email"].(string); ok {
			e.InviteeEmail = email
		}
	}
	if e.InviteeName == "" {
		if name, ok := inviteeRes["name"].(string); ok {
			e.InviteeName = name
		}
	}
	return e
}

// organizerEmail digs the host's email out of the event's membership list:
// event_memberships[0].user_email, falling back to .user.email.
func organizerEmail(eventRes map[string]any) string {
	memberships, ok := eventRes["event_memberships"].([]any)
	if !ok || len(memberships) == 0 {
		return ""
	}
	first, ok := memberships[0].(map[string]any)
	if !ok {
		return ""
	}
	if email, ok := first["user_email"].(string); ok && email != "" {
		return email
	}
	if user, ok := first["user"].(map[string]any); ok {
		if email, ok := user["email"].(string); ok {
			return email
		}
	}
	return ""
}
