// Package dedupe provides the idempotency store used to guarantee
// at-most-once side effects across duplicate webhook deliveries and queue
// redeliveries.
//
// A reservation is an atomic set-if-absent on a (collection, key) pair with
// a TTL. Once set, the key blocks all further reservations until it expires
// or is explicitly released. The store is the only synchronization primitive
// between concurrent gateway requests and worker instances.
package dedupe

import (
	"context"
	"time"
)

// Collection names the two reservation scopes.
const (
	// CollectionIntake guards against duplicate webhook deliveries for the
	// same underlying event.
	CollectionIntake = "intake"

	// CollectionActivity guards against duplicate CRM activity creation,
	// even for redeliveries long after the intake window.
	CollectionActivity = "activity"
)

// Reservation lifetimes per collection.
const (
	IntakeTTL   = 24 * time.Hour
	ActivityTTL = 30 * 24 * time.Hour
)

// Store is the idempotency contract. SetIfAbsent must be atomic
// (check-and-set in one step) across concurrent callers and processes.
type Store interface {
	// SetIfAbsent reserves key in collection. It returns true when the
	// reservation was newly created and false when a live reservation
	// already exists.
	SetIfAbsent(ctx context.Context, collection, key, value string, ttl time.Duration) (bool, error)

	// Delete releases a reservation so the same key can be reserved again.
	Delete(ctx context.Context, collection, key string) error
}
