// Package worker consumes queued webhook deliveries and turns them into CRM
// activities: enrich, classify, resolve contacts, reserve the activity
// dedupe key, create the activity. The reservation is released when creation
// fails, so queue retries are never blocked by their own failed attempt.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mkallio/calgate/internal/config"
	"github.com/mkallio/calgate/internal/crm"
	"github.com/mkallio/calgate/internal/dedupe"
	"github.com/mkallio/calgate/internal/enrich"
	"github.com/mkallio/calgate/internal/event"
	"github.com/mkallio/calgate/internal/log"
	"github.com/mkallio/calgate/internal/queue"
)

// Terminal per-delivery outcomes. The run loop completes these as skipped
// instead of scheduling a retry: reprocessing would produce the identical
// result.
var (
	// ErrMissingIdentity means the payload carries no invitee email anywhere;
	// there is no contact to attach an activity to.
	ErrMissingIdentity = errors.New("missing invitee email")

	// ErrDuplicateActivity means the activity dedupe key was already
	// reserved; the activity exists (or is being created by a concurrent
	// worker).
	ErrDuplicateActivity = errors.New("duplicate activity")
)

// Worker processes deliveries one at a time. Multiple workers may run
// concurrently; correctness across them reduces to the dedupe store's atomic
// reservation.
type Worker struct {
	provider   config.Provider
	store      dedupe.Store
	contacts   crm.ContactDirectory
	activities crm.ActivityRecorder
	fetcher    enrich.Fetcher
	logger     *slog.Logger
	now        func() time.Time

	lastRulesFP string
}

// New creates a Worker. fetcher may be nil to disable enrichment.
func New(provider config.Provider, store dedupe.Store, contacts crm.ContactDirectory, activities crm.ActivityRecorder, fetcher enrich.Fetcher) *Worker {
	return &Worker{
		provider:   provider,
		store:      store,
		contacts:   contacts,
		activities: activities,
		fetcher:    fetcher,
		logger:     log.WithComponent("worker"),
		now:        time.Now,
	}
}

// Process handles one delivery. A nil return means an activity was recorded;
// ErrMissingIdentity and ErrDuplicateActivity are terminal no-ops; any other
// error is a collaborator failure the queue should retry.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) error {
	logger := w.logger.With("delivery_id", d.ID)

	cfg, err := w.provider.Settings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// Rules and staff map are parsed fresh each delivery; a broken edit
	// degrades to defaults instead of stalling the queue.
	rules, err := config.ParseRules(cfg.Processing.RulesYAML, cfg.Processing.DefaultActivityType)
	if err != nil {
		logger.Warn("falling back to default classification", "error", err)
	}
	w.logRulesRevision(cfg.Processing.RulesYAML)

	staffMap, err := config.ParseStaffMap(cfg.Processing.StaffEmailMapYAML)
	if err != nil {
		logger.Warn("falling back to empty staff map", "error", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		logger.Warn("delivery payload is not a JSON object", "error", err)
	}

	ev := w.resolveEvent(d, payload)
	ev = w.enrichEvent(ctx, cfg, ev, payload, logger)

	activityType := event.Classify(rules, ev)

	inviteeEmail := ev.InviteeEmail
	if inviteeEmail == "" {
		inviteeEmail = event.FallbackInviteeEmail(payload)
	}
	if inviteeEmail == "" {
		logger.Error("missing invitee email; skipping activity creation", "title", ev.Title)
		return ErrMissingIdentity
	}

	inviteeID, err := w.findOrCreateContact(ctx, inviteeEmail, ev.InviteeName)
	if err != nil {
		return fmt.Errorf("resolve invitee contact: %w", err)
	}

	staffID := w.resolveStaff(ctx, cfg, staffMap, ev.OrganizerEmail, logger)

	activityKey := ActivityKey(d.IntakeKey, payload, ev, activityType, inviteeEmail)

	reserved, err := w.store.SetIfAbsent(ctx, dedupe.CollectionActivity, activityKey, "", dedupe.ActivityTTL)
	if err != nil {
		return fmt.Errorf("reserve activity key: %w", err)
	}
	if !reserved {
		logger.Info("skipping duplicate activity", "activity_key", activityKey)
		return ErrDuplicateActivity
	}

	sourceID := inviteeID
	var assigneeID *int64
	if staffID != 0 {
		// CRM requires a source contact; fall back to the invitee when no
		// staff contact resolved.
		sourceID = staffID
		assigneeID = &staffID
	}

	dateTime := ev.Start
	if dateTime == "" {
		dateTime = w.now().UTC().Format(time.RFC3339)
	}

	_, err = w.activities.CreateActivity(ctx, crm.NewActivity{
		ActivityType:      activityType,
		SourceContactID:   sourceID,
		AssigneeContactID: assigneeID,
		TargetContactID:   inviteeID,
		DateTime:          dateTime,
		Subject:           ev.Title,
		Details:           activityDetails(d, payload, ev),
	})
	if err != nil {
		// Release the reservation before propagating, otherwise the retry
		// would be blocked by this failed attempt.
		if delErr := w.store.Delete(ctx, dedupe.CollectionActivity, activityKey); delErr != nil {
			logger.Error("failed to release activity reservation", "activity_key", activityKey, "error", delErr)
		}
		return fmt.Errorf("create activity: %w", err)
	}

	logger.Info("created activity", "activity_type", activityType, "invitee_email", inviteeEmail)
	return nil
}

// resolveEvent uses the normalized event captured at intake, re-deriving it
// from the raw payload when absent.
func (w *Worker) resolveEvent(d *queue.Delivery, payload map[string]any) event.Event {
	if len(d.Event) > 0 {
		var ev event.Event
		if err := json.Unmarshal(d.Event, &ev); err == nil && ev.Title != "" {
			return ev
		}
	}
	return event.ParseObject(payload)
}

// enrichEvent fills missing fields from the Calendly API. Best effort only:
// every failure is logged and swallowed.
func (w *Worker) enrichEvent(ctx context.Context, cfg *config.Config, ev event.Event, payload map[string]any, logger *slog.Logger) event.Event {
	if w.fetcher == nil {
		return ev
	}
	token := cfg.EnrichmentToken()
	if token == "" {
		return ev
	}
	if !enrich.Needed(ev, payload) {
		return ev
	}

	eventRes := w.fetchResource(ctx, event.EventRef(payload), token, logger)
	inviteeRes := w.fetchResource(ctx, event.InviteeRef(payload), token, logger)
	return enrich.Merge(ev, eventRes, inviteeRes)
}

func (w *Worker) fetchResource(ctx context.Context, uri, token string, logger *slog.Logger) map[string]any {
	if uri == "" {
		return map[string]any{}
	}
	res, err := w.fetcher.FetchResource(ctx, uri, token)
	if err != nil {
		logger.Warn("enrichment fetch failed", "uri", uri, "error", err)
		return map[string]any{}
	}
	return res
}

func (w *Worker) findOrCreateContact(ctx context.Context, email, displayName string) (int64, error) {
	id, found, err := w.contacts.FindByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}
	return w.contacts.CreateContact(ctx, crm.NewContact{
		ContactType: "Individual",
		Email:       email,
		DisplayName: displayName,
	})
}

// resolveStaff maps the organizer to a CRM contact ID: the configured staff
// map first when preferred, then a CRM lookup. Failure to resolve leaves the
// activity without a staff assignee rather than failing the delivery.
func (w *Worker) resolveStaff(ctx context.Context, cfg *config.Config, staffMap map[string]int64, organizerEmail string, logger *slog.Logger) int64 {
	if organizerEmail == "" {
		return 0
	}

	if cfg.Processing.PreferConfigMap {
		if id, ok := staffMap[organizerEmail]; ok && id != 0 {
			return id
		}
	}

	id, found, err := w.contacts.FindByEmail(ctx, organizerEmail)
	if err != nil {
		logger.Warn("organizer lookup failed; leaving staff unresolved", "organizer_email", organizerEmail, "error", err)
		return 0
	}
	if !found {
		return 0
	}
	return id
}

// logRulesRevision logs a short fingerprint whenever the rules document
// changes between deliveries, so classification shifts can be traced to
// config edits.
func (w *Worker) logRulesRevision(rulesYAML string) {
	fp := config.Fingerprint(rulesYAML)
	if fp != w.lastRulesFP {
		w.logger.Info("classification rules revision", "fingerprint", fp)
		w.lastRulesFP = fp
	}
}

// ActivityKey computes the activity-scope dedupe fingerprint. It is
// intentionally more granular than the intake key: it covers the
// post-enrichment title/start and the classified type, so the same webhook
// delivery can legitimately yield distinct activities after enrichment while
// redeliveries of the same fully-resolved outcome still collapse.
func ActivityKey(intakeKey string, payload map[string]any, ev event.Event, activityType, inviteeEmail string) string {
	seed := strings.Join([]string{
		intakeKey,
		event.EventRef(payload),
		event.InviteeRef(payload),
		strings.ToLower(inviteeEmail),
		ev.Start,
		strings.ToLower(ev.Title),
		activityType,
		ev.End,
	}, "|")

	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// activityDetails builds the audit blob stored on the activity.
func activityDetails(d *queue.Delivery, payload map[string]any, ev event.Event) string {
	orNone := func(s string) string {
		if s == "" {
			return "(none)"
		}
		return s
	}

	lines := []string{
		"Calendly metadata",
		"event_uri: " + orNone(event.EventRef(payload)),
		"invitee_uri: " + orNone(event.InviteeRef(payload)),
		"created_at: " + orNone(event.CreatedAt(payload)),
		"source: " + d.Source,
		"resolved_title: " + ev.Title,
	}
	return strings.Join(lines, "\n")
}
