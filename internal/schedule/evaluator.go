package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// tickInterval is how often the evaluator re-checks the wall clock. Several
// ticks land in each minute; the fired set keeps a minute from double
// firing.
const tickInterval = 10 * time.Second

// firedSetCap bounds the fired-minute memory.
const firedSetCap = 5

// Source yields the stored schedule snapshot for each tick.
type Source interface {
	ListSchedules(ctx context.Context) ([]models.Schedule, error)
}

// TriggerFunc runs for every schedule due in the current minute.
type TriggerFunc func(ctx context.Context, sched models.Schedule)

// Evaluator fires config-defined and user-defined schedules once per
// matching minute.
type Evaluator struct {
	source  Source
	static  []models.Schedule
	trigger TriggerFunc
	logger  *logger.Logger

	// fired keeps minute keys in insertion order so the oldest can be
	// dropped when the cap is hit.
	fired    []string
	firedSet map[string]bool

	now func() time.Time

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEvaluator builds an evaluator over the stored schedules plus static
// config-defined entries.
func NewEvaluator(source Source, static []models.Schedule, trigger TriggerFunc, log *logger.Logger) *Evaluator {
	return &Evaluator{
		source:   source,
		static:   static,
		trigger:  trigger,
		logger:   log.WithFields(zap.String("component", "cron")),
		firedSet: make(map[string]bool),
		now:      time.Now,
	}
}

// Start launches the tick loop. Calling Start more than once without Stop
// is a no-op.
func (e *Evaluator) Start(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.loop(ctx)

	e.logger.Info("cron evaluator started",
		zap.Int("static_schedules", len(e.static)))
}

// Stop cancels the tick loop and waits for it to finish.
func (e *Evaluator) Stop() {
	if !e.started {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.started = false
}

func (e *Evaluator) loop(ctx context.Context) {
	defer e.wg.Done()

	e.tick(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Evaluator) tick(ctx context.Context) {
	now := e.now()
	key := minuteKey(now)
	if e.firedSet[key] {
		return
	}

	scheds := append([]models.Schedule(nil), e.static...)
	stored, err := e.source.ListSchedules(ctx)
	if err != nil {
		e.logger.Error("failed to list schedules", zap.Error(err))
	} else {
		scheds = append(scheds, stored...)
	}

	matched := false
	for _, sched := range scheds {
		due, err := ShouldRun(sched.Schedule, now)
		if err != nil {
			e.logger.Warn("skipping schedule with invalid expression",
				zap.Int64("id", sched.ID),
				zap.String("expression", sched.Schedule),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		matched = true
		e.logger.Info("schedule due",
			zap.Int64("id", sched.ID),
			zap.String("user_id", sched.UserID),
			zap.String("repo", sched.Repo))
		e.trigger(ctx, sched)
	}

	if matched {
		e.markFired(key)
	}
}

func minuteKey(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d-%d-%d", t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute())
}

func (e *Evaluator) markFired(key string) {
	if e.firedSet[key] {
		return
	}
	e.fired = append(e.fired, key)
	e.firedSet[key] = true
	if len(e.fired) > firedSetCap {
		oldest := e.fired[0]
		e.fired = e.fired[1:]
		delete(e.firedSet, oldest)
	}
}
