package schedule

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

type fakeSource struct {
	schedules []models.Schedule
	err       error
}

func (f *fakeSource) ListSchedules(_ context.Context) ([]models.Schedule, error) {
	return f.schedules, f.err
}

func newTestEvaluator(t *testing.T, source Source, static []models.Schedule, trigger TriggerFunc) *Evaluator {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return NewEvaluator(source, static, trigger, log)
}

func TestTickFiresOncePerMinute(t *testing.T) {
	source := &fakeSource{schedules: []models.Schedule{
		{ID: 1, UserID: "u1", Repo: "api", Prompt: "lint", Schedule: "* * * * *"},
	}}

	var fired int
	e := newTestEvaluator(t, source, nil, func(_ context.Context, _ models.Schedule) { fired++ })

	at := time.Date(2026, 8, 25, 14, 37, 5, 0, time.UTC)
	e.now = func() time.Time { return at }

	// Six ticks land inside one wall-clock minute.
	for i := 0; i < 6; i++ {
		e.tick(context.Background())
		at = at.Add(tickInterval)
	}
	if fired != 1 {
		t.Fatalf("fired %d times within one minute, want 1", fired)
	}

	// The next minute fires again.
	e.tick(context.Background())
	if fired != 2 {
		t.Fatalf("fired %d times after minute rollover, want 2", fired)
	}
}

func TestTickMatchesAllDueSchedules(t *testing.T) {
	source := &fakeSource{schedules: []models.Schedule{
		{ID: 1, Schedule: "* * * * *", Prompt: "a"},
		{ID: 2, Schedule: "37 14 * * *", Prompt: "b"},
		{ID: 3, Schedule: "0 0 * * *", Prompt: "c"},
	}}

	var got []int64
	e := newTestEvaluator(t, source, nil, func(_ context.Context, s models.Schedule) {
		got = append(got, s.ID)
	})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 14, 37, 0, 0, time.UTC) }

	e.tick(context.Background())

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("triggered %v, want [1 2]", got)
	}
}

func TestTickIncludesStaticSchedules(t *testing.T) {
	static := []models.Schedule{{UserID: "cron", Repo: "api", Prompt: "nightly", Schedule: "* * * * *"}}

	var fired []string
	e := newTestEvaluator(t, &fakeSource{}, static, func(_ context.Context, s models.Schedule) {
		fired = append(fired, s.Prompt)
	})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC) }

	e.tick(context.Background())

	if len(fired) != 1 || fired[0] != "nightly" {
		t.Fatalf("fired = %v, want the static schedule", fired)
	}
}

func TestTickSkipsInvalidExpressions(t *testing.T) {
	source := &fakeSource{schedules: []models.Schedule{
		{ID: 1, Schedule: "not a cron"},
		{ID: 2, Schedule: "* * * * *"},
	}}

	var got []int64
	e := newTestEvaluator(t, source, nil, func(_ context.Context, s models.Schedule) {
		got = append(got, s.ID)
	})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC) }

	e.tick(context.Background())

	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("triggered %v, want [2]", got)
	}
}

func TestTickToleratesSourceErrors(t *testing.T) {
	static := []models.Schedule{{Prompt: "still runs", Schedule: "* * * * *"}}
	source := &fakeSource{err: errors.New("db closed")}

	var fired int
	e := newTestEvaluator(t, source, static, func(_ context.Context, _ models.Schedule) { fired++ })
	e.now = func() time.Time { return time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC) }

	e.tick(context.Background())

	if fired != 1 {
		t.Fatalf("fired = %d, want static schedule to run despite source error", fired)
	}
}

func TestFiredSetCapped(t *testing.T) {
	e := newTestEvaluator(t, &fakeSource{}, nil, func(_ context.Context, _ models.Schedule) {})

	for i := 0; i < 8; i++ {
		e.markFired(fmt.Sprintf("key-%d", i))
	}

	if len(e.fired) != firedSetCap || len(e.firedSet) != firedSetCap {
		t.Fatalf("fired set size = %d/%d, want %d", len(e.fired), len(e.firedSet), firedSetCap)
	}
	if e.firedSet["key-0"] || e.firedSet["key-2"] {
		t.Error("oldest keys were not evicted")
	}
	if !e.firedSet["key-7"] {
		t.Error("newest key missing from fired set")
	}
}

func TestMinuteKeyDistinguishesMinutes(t *testing.T) {
	a := minuteKey(time.Date(2026, 8, 25, 14, 37, 0, 0, time.UTC))
	b := minuteKey(time.Date(2026, 8, 25, 14, 38, 0, 0, time.UTC))
	if a == b {
		t.Fatalf("minute keys collide: %q", a)
	}
	if a != "2026-8-25-14-37" {
		t.Errorf("minuteKey = %q, want 2026-8-25-14-37", a)
	}
}

func TestStartStop(t *testing.T) {
	e := newTestEvaluator(t, &fakeSource{}, nil, func(_ context.Context, _ models.Schedule) {})

	e.Start(context.Background())
	e.Start(context.Background())
	e.Stop()
	e.Stop()
}
