package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shiftbeat/shiftbeat/internal/ledger"
	"github.com/shiftbeat/shiftbeat/internal/shiftcal"
	"github.com/shiftbeat/shiftbeat/internal/storage/bolt"
)

const nightSpec = "10:00 PM - 7:00 AM"

type fixture struct {
	coordinator *Coordinator
	clock       *ledger.TestClock
}

func newFixture(t *testing.T, specs StaticSpecSource) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "session.bolt"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cal, err := shiftcal.New(time.UTC)
	if err != nil {
		t.Fatalf("New calendar failed: %v", err)
	}

	// Shift start for the night spec used throughout.
	start := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
	clock := &ledger.TestClock{CurrentTime: start}

	ldgr := ledger.New(store.Activity(), nil, clock, ledger.Config{}, zerolog.Nop())

	coordinator := NewCoordinator(ldgr, cal, specs, clock, Config{
		TickInterval:  5 * time.Second,
		MaxTickDelta:  2 * time.Minute,
		FlushInterval: time.Nanosecond, // flush on every tick in tests
	}, zerolog.Nop())

	return &fixture{coordinator: coordinator, clock: clock}
}

func (f *fixture) tickFor(t *testing.T, connID string, total, step time.Duration) {
	t.Helper()

	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		f.clock.Advance(step)
		if err := f.coordinator.Tick(context.Background(), connID); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
}

func TestAuthenticate_SeedsFromLedger(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	record, err := f.coordinator.Authenticate(ctx, "conn-1", "alice")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if record.BucketID != "2026-03-10-night" {
		t.Errorf("BucketID = %q, want 2026-03-10-night", record.BucketID)
	}
	if record.ActiveSeconds != 0 || record.InactiveSeconds != 0 {
		t.Errorf("fresh record counters = %d/%d", record.ActiveSeconds, record.InactiveSeconds)
	}
}

func TestAuthenticate_FallbackWindowForUnknownSpec(t *testing.T) {
	f := newFixture(t, StaticSpecSource{})
	ctx := context.Background()

	record, err := f.coordinator.Authenticate(ctx, "conn-1", "drifter")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if record.BucketID != "2026-03-10-day" {
		t.Errorf("BucketID = %q, want calendar-day fallback 2026-03-10-day", record.BucketID)
	}
}

// Full-shift activity: authenticate at shift start, stay active one hour.
func TestScenario_ActiveForOneHour(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	f.tickFor(t, "conn-1", time.Hour, 5*time.Second)

	record, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if record.ActiveSeconds != 3600 {
		t.Errorf("ActiveSeconds = %d, want 3600", record.ActiveSeconds)
	}
	if record.InactiveSeconds != 0 {
		t.Errorf("InactiveSeconds = %d, want 0", record.InactiveSeconds)
	}
}

// Inactive interval then flip back: 120s lands on the inactive counter and
// the flip refreshes the session start.
func TestScenario_InactiveThenFlipBack(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	if _, err := f.coordinator.SetActivity(ctx, "conn-1", false); err != nil {
		t.Fatalf("SetActivity(false) failed: %v", err)
	}

	f.clock.Advance(120 * time.Second)
	flipAt := f.clock.Now()
	record, err := f.coordinator.SetActivity(ctx, "conn-1", true)
	if err != nil {
		t.Fatalf("SetActivity(true) failed: %v", err)
	}

	if record.InactiveSeconds != 120 {
		t.Errorf("InactiveSeconds = %d, want 120", record.InactiveSeconds)
	}
	if !record.SessionStart.Equal(flipAt) {
		t.Errorf("SessionStart = %v, want flip instant %v", record.SessionStart, flipAt)
	}
	if !record.Active {
		t.Error("record should be active after flip back")
	}
}

// Break pause: 900 seconds count for neither state; counting resumes from
// the prior values.
func TestScenario_BreakPause(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}
	f.tickFor(t, "conn-1", 10*time.Minute, 5*time.Second)

	if err := f.coordinator.Pause(ctx, "conn-1", PauseBreak); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	before, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if before.Active {
		t.Error("ledger should report inactive while paused")
	}

	// Ticks during the pause accrue nothing.
	f.tickFor(t, "conn-1", 900*time.Second, 5*time.Second)

	during, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if during.ActiveSeconds != before.ActiveSeconds || during.InactiveSeconds != before.InactiveSeconds {
		t.Errorf("counters moved during pause: %d/%d -> %d/%d",
			before.ActiveSeconds, before.InactiveSeconds, during.ActiveSeconds, during.InactiveSeconds)
	}

	if err := f.coordinator.Resume(ctx, "conn-1"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// Counting restarts active from the resume instant, no backfill.
	f.tickFor(t, "conn-1", 60*time.Second, 5*time.Second)

	after, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if after.ActiveSeconds != before.ActiveSeconds+60 {
		t.Errorf("ActiveSeconds = %d, want %d", after.ActiveSeconds, before.ActiveSeconds+60)
	}
	if after.InactiveSeconds != before.InactiveSeconds {
		t.Errorf("InactiveSeconds = %d, want %d", after.InactiveSeconds, before.InactiveSeconds)
	}
}

// A six-hour clock gap is capped, and the user is inactive afterwards until
// new activity arrives.
func TestScenario_ClockGapCapped(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}
	f.tickFor(t, "conn-1", time.Minute, 5*time.Second)

	// The machine sleeps for six hours; the next tick must not attribute
	// the gap.
	f.clock.Advance(6 * time.Hour)
	if err := f.coordinator.Tick(ctx, "conn-1"); err != nil {
		t.Fatalf("Tick after gap failed: %v", err)
	}

	record, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// 60s counted before the gap, at most MaxTickDelta (2m) from the gap.
	if got := record.TotalSeconds(); got > 60+120 {
		t.Errorf("total = %ds, gap was attributed (want <= 180)", got)
	}
	if record.Active {
		t.Error("user must be inactive after a capped clock gap")
	}
}

// Two ticks at the same instant attribute elapsed time only once.
func TestTick_Idempotent(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	f.clock.Advance(10 * time.Second)
	if err := f.coordinator.Tick(ctx, "conn-1"); err != nil {
		t.Fatalf("first Tick failed: %v", err)
	}
	if err := f.coordinator.Tick(ctx, "conn-1"); err != nil {
		t.Fatalf("second Tick failed: %v", err)
	}

	record, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if record.ActiveSeconds != 10 {
		t.Errorf("ActiveSeconds = %d, want 10 (no double counting)", record.ActiveSeconds)
	}
}

func TestSetActivity_NoOpWhenUnchanged(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	f.clock.Advance(30 * time.Second)
	record, err := f.coordinator.SetActivity(ctx, "conn-1", true)
	if err != nil {
		t.Fatalf("repeated SetActivity failed: %v", err)
	}
	if record != nil {
		t.Errorf("unchanged state should be a no-op, got %+v", record)
	}
}

// Disconnect flushes pending time and fail-safes the ledger to inactive.
func TestDisconnect_FailSafeInactive(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	f.clock.Advance(45 * time.Second)
	if err := f.coordinator.Disconnect(ctx, "conn-1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	record, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if record.ActiveSeconds != 45 {
		t.Errorf("pending delta lost on disconnect: ActiveSeconds = %d, want 45", record.ActiveSeconds)
	}
	if record.Active {
		t.Error("a vanished connection must leave the ledger inactive")
	}

	if err := f.coordinator.Disconnect(ctx, "conn-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Disconnect error = %v, want ErrSessionNotFound", err)
	}
	if err := f.coordinator.Tick(ctx, "conn-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Tick after disconnect error = %v, want ErrSessionNotFound", err)
	}
}

// Two simultaneous connections for one user write to the same ledger row
// without losing updates.
func TestTwoConnectionsOneUser(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	for _, connID := range []string{"laptop", "phone"} {
		if _, err := f.coordinator.Authenticate(ctx, connID, "alice"); err != nil {
			t.Fatalf("Authenticate %s failed: %v", connID, err)
		}
	}

	// The laptop works while the phone idles: both contribute.
	if _, err := f.coordinator.SetActivity(ctx, "laptop", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	f.clock.Advance(10 * time.Second)
	if err := f.coordinator.Tick(ctx, "laptop"); err != nil {
		t.Fatalf("Tick laptop failed: %v", err)
	}
	if err := f.coordinator.Tick(ctx, "phone"); err != nil {
		t.Fatalf("Tick phone failed: %v", err)
	}

	record, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if record.ActiveSeconds != 10 || record.InactiveSeconds != 10 {
		t.Errorf("counters = %d/%d, want 10/10", record.ActiveSeconds, record.InactiveSeconds)
	}
	if record.TotalSeconds() < 0 {
		t.Error("counters must never go negative")
	}
}

// A session outliving its occurrence rolls over to the next bucket on
// flush.
func TestWindowRollover(t *testing.T) {
	f := newFixture(t, StaticSpecSource{"alice": nightSpec})
	ctx := context.Background()

	if _, err := f.coordinator.Authenticate(ctx, "conn-1", "alice"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := f.coordinator.SetActivity(ctx, "conn-1", true); err != nil {
		t.Fatalf("SetActivity failed: %v", err)
	}

	// Jump to the next evening's shift; the capped tick lands in the new
	// bucket.
	f.clock.Advance(24*time.Hour + 30*time.Minute)
	if err := f.coordinator.Tick(ctx, "conn-1"); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	record, err := f.coordinator.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if record.BucketID != "2026-03-11-night" {
		t.Errorf("BucketID = %q, want rolled-over 2026-03-11-night", record.BucketID)
	}
}
