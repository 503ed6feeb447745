// Package crm defines the narrow CRM capabilities the worker consumes:
// finding/creating contacts and recording activities. The CiviCRM REST
// client is one implementation; tests substitute mocks.
package crm

import "context"

// NewContact describes a contact to create when an email lookup misses.
type NewContact struct {
	ContactType string
	Email       string
	DisplayName string
}

// NewActivity is one interaction record to attach to contacts.
type NewActivity struct {
	ActivityType      string
	SourceContactID   int64
	AssigneeContactID *int64
	TargetContactID   int64
	DateTime          string
	Subject           string
	Details           string
}

// ContactDirectory resolves and creates contacts by email.
type ContactDirectory interface {
	// FindByEmail returns the contact ID for an exact email match.
	FindByEmail(ctx context.Context, email string) (id int64, found bool, err error)

	// CreateContact creates a contact and returns its ID.
	CreateContact(ctx context.Context, contact NewContact) (int64, error)
}

// ActivityRecorder records activities against contacts.
type ActivityRecorder interface {
	CreateActivity(ctx context.Context, activity NewActivity) (int64, error)
}
