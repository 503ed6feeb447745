package event

import (
	"encoding/json"
	"testing"
)

func TestParse_WebhookEnvelope(t *testing.T) {
	raw := json.RawMessage(`{
		"event": {"name": "Tour Intro", "start_time": "ignored"},
		"payload": {
			"invitee": {"email": "alice@example.org", "name": "Alice"},
			"event": {
				"organizer": {"email": "staff@example.org"},
				"start_time": "2026-03-01T10:00:00Z",
				"end_time": "2026-03-01T10:30:00Z"
			}
		}
	}`)

	got := Parse(raw)

	want := Event{
		Title:          "Tour Intro",
		InviteeEmail:   "alice@example.org",
		InviteeName:    "Alice",
		OrganizerEmail: "staff@example.org",
		Start:          "2026-03-01T10:00:00Z",
		End:            "2026-03-01T10:30:00Z",
	}
	if got != want {
		t.Errorf("Parse() = %+v, want %+v", got, want)
	}
}

func TestParse_FlatLegacyShape(t *testing.T) {
	raw := json.RawMessage(`{
		"event_type": {"name": "Orientation"},
		"invitee": {"email": "bob@example.org", "name": "Bob"},
		"organizer": {"email": "staff@example.org"},
		"start_time": "2026-03-02T09:00:00Z",
		"end_time": "2026-03-02T09:45:00Z"
	}`)

	got := Parse(raw)

	if got.Title != "Orientation" {
		t.Errorf("Title = %q, want Orientation", got.Title)
	}
	if got.InviteeEmail != "bob@example.org" || got.InviteeName != "Bob" {
		t.Errorf("invitee = %q/%q", got.InviteeEmail, got.InviteeName)
	}
	if got.OrganizerEmail != "staff@example.org" {
		t.Errorf("OrganizerEmail = %q", got.OrganizerEmail)
	}
	if got.Start != "2026-03-02T09:00:00Z" || got.End != "2026-03-02T09:45:00Z" {
		t.Errorf("times = %q/%q", got.Start, got.End)
	}
}

func TestParse_Defaults(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty object", `{}`},
		{"not an object", `[1,2,3]`},
		{"mistyped fields", `{"event": 7, "payload": "nope", "start_time": 5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(json.RawMessage(tt.raw))
			if got.Title != DefaultTitle {
				t.Errorf("Title = %q, want %q", got.Title, DefaultTitle)
			}
			if got.InviteeEmail != "" || got.Start != "" || got.OrganizerEmail != "" {
				t.Errorf("optional fields should be absent, got %+v", got)
			}
		})
	}
}

func TestParse_TopLevelNameFallsBackForInviteeName(t *testing.T) {
	got := Parse(json.RawMessage(`{"name": "Walk-in Chat", "email": "c@example.org"}`))

	// Top-level "name" doubles as title and invitee name in the legacy shape.
	if got.Title != "Walk-in Chat" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.InviteeName != "Walk-in Chat" {
		t.Errorf("InviteeName = %q", got.InviteeName)
	}
	if got.InviteeEmail != "c@example.org" {
		t.Errorf("InviteeEmail = %q", got.InviteeEmail)
	}
}

func TestPayloadRefs(t *testing.T) {
	var payload map[string]any
	raw := `{
		"event": "invitee.created",
		"created_at": "2026-02-28T12:00:00Z",
		"payload": {
			"event": "https://api.calendly.com/scheduled_events/AAA",
			"invitee": "https://api.calendly.com/scheduled_events/AAA/invitees/BBB",
			"email": "fallback@example.org"
		}
	}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatal(err)
	}

	if got := EventRef(payload); got != "https://api.calendly.com/scheduled_events/AAA" {
		t.Errorf("EventRef() = %q", got)
	}
	if got := InviteeRef(payload); got != "https://api.calendly.com/scheduled_events/AAA/invitees/BBB" {
		t.Errorf("InviteeRef() = %q", got)
	}
	if got := TypeString(payload); got != "invitee.created" {
		t.Errorf("TypeString() = %q", got)
	}
	if got := CreatedAt(payload); got != "2026-02-28T12:00:00Z" {
		t.Errorf("CreatedAt() = %q", got)
	}
	if got := FallbackInviteeEmail(payload); got != "fallback@example.org" {
		t.Errorf("FallbackInviteeEmail() = %q", got)
	}
}

func TestClassify(t *testing.T) {
	rules := Rules{
		Rules: []Rule{
			{Field: "title", Match: "tour", ActivityType: "Took Tour"},
			{Field: "title", Match: "orientation", ActivityType: "Attended Orientation"},
		},
		DefaultActivityType: "Meeting",
	}

	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"case-insensitive first match", Event{Title: "TOUR with staff"}, "Took Tour"},
		{"second rule", Event{Title: "New member orientation"}, "Attended Orientation"},
		{"no match uses default", Event{Title: "General consultation"}, "Meeting"},
		{"first match wins over later rules", Event{Title: "tour and orientation"}, "Took Tour"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(rules, tt.event); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_EdgeCases(t *testing.T) {
	e := Event{Title: "Tour", OrganizerEmail: "staff@example.org"}

	// Empty match string never fires.
	got := Classify(Rules{
		Rules:               []Rule{{Field: "title", Match: "", ActivityType: "Broken"}},
		DefaultActivityType: "Meeting",
	}, e)
	if got != "Meeting" {
		t.Errorf("empty match: Classify() = %q, want Meeting", got)
	}

	// Empty field defaults to title.
	got = Classify(Rules{
		Rules:               []Rule{{Match: "tour", ActivityType: "Took Tour"}},
		DefaultActivityType: "Meeting",
	}, e)
	if got != "Took Tour" {
		t.Errorf("default field: Classify() = %q, want Took Tour", got)
	}

	// Unknown field skips the rule.
	got = Classify(Rules{
		Rules:               []Rule{{Field: "nonsense", Match: "tour", ActivityType: "Broken"}},
		DefaultActivityType: "Meeting",
	}, e)
	if got != "Meeting" {
		t.Errorf("unknown field: Classify() = %q, want Meeting", got)
	}

	// Rule without an activity type falls back to the default.
	got = Classify(Rules{
		Rules:               []Rule{{Field: "title", Match: "tour"}},
		DefaultActivityType: "Consultation",
	}, e)
	if got != "Consultation" {
		t.Errorf("typeless rule: Classify() = %q, want Consultation", got)
	}

	// No configured default falls back to the package default.
	got = Classify(Rules{}, e)
	if got != DefaultActivityType {
		t.Errorf("no default: Classify() = %q, want %q", got, DefaultActivityType)
	}
}
