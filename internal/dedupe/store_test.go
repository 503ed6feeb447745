package dedupe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkallio/calgate/internal/storage"
)

func openTestStores(t *testing.T) []struct {
	name    string
	store   Store
	setTime func(time.Time)
} {
	t.Helper()

	mem := NewMemoryStore()
	memClock := time.Unix(1700000000, 0)
	mem.now = func() time.Time { return memClock }

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "calgate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sq := NewSQLiteStore(db)
	sqClock := time.Unix(1700000000, 0)
	sq.now = func() time.Time { return sqClock }

	return []struct {
		name    string
		store   Store
		setTime func(time.Time)
	}{
		{"memory", mem, func(tm time.Time) { memClock = tm }},
		{"sqlite", sq, func(tm time.Time) { sqClock = tm }},
	}
}

func TestStore_SetIfAbsent(t *testing.T) {
	ctx := context.Background()

	for _, impl := range openTestStores(t) {
		t.Run(impl.name, func(t *testing.T) {
			ok, err := impl.store.SetIfAbsent(ctx, CollectionIntake, "k1", "v", IntakeTTL)
			if err != nil || !ok {
				t.Fatalf("first SetIfAbsent = %v, %v; want true, nil", ok, err)
			}

			ok, err = impl.store.SetIfAbsent(ctx, CollectionIntake, "k1", "v2", IntakeTTL)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("second SetIfAbsent should report an existing reservation")
			}

			// Same key in a different collection is independent.
			ok, err = impl.store.SetIfAbsent(ctx, CollectionActivity, "k1", "v", ActivityTTL)
			if err != nil || !ok {
				t.Errorf("other collection SetIfAbsent = %v, %v; want true, nil", ok, err)
			}
		})
	}
}

func TestStore_DeleteReleases(t *testing.T) {
	ctx := context.Background()

	for _, impl := range openTestStores(t) {
		t.Run(impl.name, func(t *testing.T) {
			if ok, _ := impl.store.SetIfAbsent(ctx, CollectionActivity, "k", "v", ActivityTTL); !ok {
				t.Fatal("initial reservation failed")
			}
			if err := impl.store.Delete(ctx, CollectionActivity, "k"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			ok, err := impl.store.SetIfAbsent(ctx, CollectionActivity, "k", "v", ActivityTTL)
			if err != nil || !ok {
				t.Errorf("SetIfAbsent after Delete = %v, %v; want true, nil", ok, err)
			}
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	for _, impl := range openTestStores(t) {
		t.Run(impl.name, func(t *testing.T) {
			impl.setTime(start)
			if ok, _ := impl.store.SetIfAbsent(ctx, CollectionIntake, "k", "v", time.Hour); !ok {
				t.Fatal("initial reservation failed")
			}

			impl.setTime(start.Add(59 * time.Minute))
			if ok, _ := impl.store.SetIfAbsent(ctx, CollectionIntake, "k", "v", time.Hour); ok {
				t.Error("reservation should still be live before TTL")
			}

			impl.setTime(start.Add(61 * time.Minute))
			ok, err := impl.store.SetIfAbsent(ctx, CollectionIntake, "k", "v", time.Hour)
			if err != nil || !ok {
				t.Errorf("SetIfAbsent after expiry = %v, %v; want true, nil", ok, err)
			}
		})
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time { return clock }

	ctx := context.Background()
	_, _ = s.SetIfAbsent(ctx, CollectionIntake, "old", "v", time.Minute)
	_, _ = s.SetIfAbsent(ctx, CollectionIntake, "fresh", "v", time.Hour)

	clock = clock.Add(30 * time.Minute)
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep() removed %d entries, want 1", removed)
	}
	if len(s.entries) != 1 {
		t.Errorf("entries = %d, want 1", len(s.entries))
	}
}

func TestSQLiteStore_PurgeAndCount(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "calgate.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewSQLiteStore(db)
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time { return clock }

	_, _ = s.SetIfAbsent(ctx, CollectionIntake, "old", "v", time.Minute)
	_, _ = s.SetIfAbsent(ctx, CollectionIntake, "fresh", "v", time.Hour)

	clock = clock.Add(30 * time.Minute)
	if n, _ := s.Count(ctx, CollectionIntake); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	purged, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("PurgeExpired() = %d, want 1", purged)
	}
}
