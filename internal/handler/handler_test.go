package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/adapters"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/reply"
	"github.com/dispatchd/dispatchd/internal/resolver"
	"github.com/dispatchd/dispatchd/internal/router"
	"github.com/dispatchd/dispatchd/internal/schedule"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/trace"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// fakeStore is an in-memory Store plus the trace sink, mirroring the sqlite
// store's semantics where the handler depends on them.
type fakeStore struct {
	seq        int
	tasks      []*models.Task
	history    map[string][]*models.ChatMessage
	modes      map[string]models.Mode
	schedules  []*models.Schedule
	scheduleID int64
	traces     map[string][]*models.TraceEvent

	enqueueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history: map[string][]*models.ChatMessage{},
		modes:   map[string]models.Mode{},
		traces:  map[string][]*models.TraceEvent{},
	}
}

func (s *fakeStore) Enqueue(ctx context.Context, task *models.Task) (string, error) {
	if s.enqueueErr != nil {
		return "", s.enqueueErr
	}
	s.seq++
	task.ID = fmt.Sprintf("%08d-0000-4000-8000-000000000000", s.seq)
	task.Status = models.TaskStatusPending
	task.CreatedAt = time.Now()
	s.tasks = append(s.tasks, task)
	return task.ID, nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	for _, t := range s.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("task not found: %s", id)
}

func (s *fakeStore) ListTasksByUser(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	var out []*models.Task
	for i := len(s.tasks) - 1; i >= 0 && len(out) < limit; i-- {
		if s.tasks[i].UserID == userID {
			out = append(out, s.tasks[i])
		}
	}
	return out, nil
}

func (s *fakeStore) ListActiveTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusPending || t.Status == models.TaskStatusRunning {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ListRecentTasks(ctx context.Context, limit int, statuses ...models.TaskStatus) ([]*models.Task, error) {
	var out []*models.Task
	for i := len(s.tasks) - 1; i >= 0 && len(out) < limit; i-- {
		for _, st := range statuses {
			if s.tasks[i].Status == st {
				out = append(out, s.tasks[i])
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	for _, t := range s.tasks {
		switch t.Status {
		case models.TaskStatusPending:
			stats.Pending++
		case models.TaskStatusRunning:
			stats.Running++
		case models.TaskStatusCompleted:
			stats.Completed++
		case models.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *fakeStore) AppendTrace(ctx context.Context, taskID string, kind models.TraceKind, summary, detail string) error {
	s.traces[taskID] = append(s.traces[taskID], &models.TraceEvent{
		TaskID: taskID, TS: time.Now(), Kind: kind, Summary: summary, Detail: detail,
	})
	return nil
}

func (s *fakeStore) ListTrace(ctx context.Context, taskID string) ([]*models.TraceEvent, error) {
	return s.traces[taskID], nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, userID string, role models.ChatRole, content string) error {
	s.history[userID] = append(s.history[userID], &models.ChatMessage{
		UserID: userID, Role: role, Content: content, CreatedAt: time.Now(),
	})
	return nil
}

func (s *fakeStore) History(ctx context.Context, userID string, limit int) ([]*models.ChatMessage, error) {
	msgs := s.history[userID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *fakeStore) ClearSession(ctx context.Context, userID string) error {
	delete(s.history, userID)
	delete(s.modes, userID)
	return nil
}

func (s *fakeStore) GetMode(ctx context.Context, userID string) (models.Mode, error) {
	if m, ok := s.modes[userID]; ok {
		return m, nil
	}
	return models.ModeStrict, nil
}

func (s *fakeStore) SetMode(ctx context.Context, userID string, mode models.Mode) error {
	s.modes[userID] = mode
	return nil
}

func (s *fakeStore) CreateSchedule(ctx context.Context, sch *models.Schedule) error {
	s.scheduleID++
	sch.ID = s.scheduleID
	sch.CreatedAt = time.Now()
	s.schedules = append(s.schedules, sch)
	return nil
}

func (s *fakeStore) ListSchedulesByUser(ctx context.Context, userID string) ([]*models.Schedule, error) {
	var out []*models.Schedule
	for _, sch := range s.schedules {
		if sch.UserID == userID {
			out = append(out, sch)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteSchedule(ctx context.Context, id int64, userID string) (bool, error) {
	for i, sch := range s.schedules {
		if sch.ID == id && sch.UserID == userID {
			s.schedules = append(s.schedules[:i], s.schedules[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) lastTask() *models.Task {
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[len(s.tasks)-1]
}

type fakeControl struct {
	live         []string
	cancelled    []string
	cancelResult bool
	cancelErr    error
}

func (c *fakeControl) Cancel(ctx context.Context, id string) (bool, error) {
	c.cancelled = append(c.cancelled, id)
	return c.cancelResult, c.cancelErr
}

func (c *fakeControl) LiveTaskIDs() []string { return c.live }

type fakeResolver struct {
	res      *resolver.Resolution
	err      error
	lastHint string
	lastText string
	calls    int
}

func (r *fakeResolver) Resolve(ctx context.Context, userID, text, hint string) (*resolver.Resolution, error) {
	r.calls++
	r.lastText = text
	r.lastHint = hint
	if r.err != nil {
		return nil, r.err
	}
	if r.res != nil {
		return r.res, nil
	}
	return &resolver.Resolution{Repo: "api"}, nil
}

type repoAdd struct{ name, url, branch string }

type fakeRegistry struct {
	added []repoAdd
	err   error
}

func (r *fakeRegistry) Add(ctx context.Context, name, url, branch string) error {
	if r.err != nil {
		return r.err
	}
	r.added = append(r.added, repoAdd{name, url, branch})
	return nil
}

type fakeGrants struct {
	granted    map[string][]string
	registered []string
}

func (g *fakeGrants) Known(userID string) bool {
	if _, ok := g.granted[userID]; ok {
		return true
	}
	for _, id := range g.registered {
		if id == userID {
			return true
		}
	}
	return false
}

func (g *fakeGrants) Register(userID string) error {
	g.registered = append(g.registered, userID)
	return nil
}

func (g *fakeGrants) Grant(userID, repo string) error {
	if g.granted == nil {
		g.granted = map[string][]string{}
	}
	g.granted[userID] = append(g.granted[userID], repo)
	return nil
}

type fakeCreator struct {
	result *schedule.CreationResult
	err    error
}

func (c *fakeCreator) Parse(ctx context.Context, request string) (*schedule.CreationResult, error) {
	return c.result, c.err
}

type fakeConfigWriter struct {
	repos map[string]config.RepoConfig
}

func (w *fakeConfigWriter) AddRepo(name string, rc config.RepoConfig) error {
	w.repos[name] = rc
	return nil
}

type fakeEventAdapter struct {
	responses map[string]string
}

func (a *fakeEventAdapter) Name() string { return "fake-events" }
func (a *fakeEventAdapter) Start(ctx context.Context, onEvent func(context.Context, *adapters.IncomingEvent)) error {
	return nil
}
func (a *fakeEventAdapter) Stop() error { return nil }
func (a *fakeEventAdapter) RespondToEvent(ctx context.Context, eventID, text string) error {
	if a.responses == nil {
		a.responses = map[string]string{}
	}
	a.responses[eventID] = text
	return nil
}
func (a *fakeEventAdapter) Status() adapters.AdapterStatus {
	return adapters.AdapterStatus{Name: "fake-events"}
}

type fixture struct {
	h        *Handler
	store    *fakeStore
	control  *fakeControl
	resolver *fakeResolver
	registry *fakeRegistry
	grants   *fakeGrants
	creator  *fakeCreator
	cfg      *fakeConfigWriter
	joins    *Joins

	replies []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newTestLogger(t)
	fx := &fixture{
		store:    newFakeStore(),
		control:  &fakeControl{},
		resolver: &fakeResolver{},
		registry: &fakeRegistry{},
		grants:   &fakeGrants{},
		creator:  &fakeCreator{},
		cfg:      &fakeConfigWriter{repos: map[string]config.RepoConfig{}},
		joins:    NewJoins(log),
	}
	fx.h = New(Deps{
		Store:    fx.store,
		Resolver: fx.resolver,
		Control:  fx.control,
		Registry: fx.registry,
		Users:    fx.grants,
		Creator:  fx.creator,
		Joins:    fx.joins,
		Pipeline: reply.NewPipeline(log),
		Recorder: trace.NewRecorder(fx.store, true, log),
		Config:   fx.cfg,
	}, log)
	return fx
}

const testUser = "cli:tester"

func (fx *fixture) send(text string) {
	fx.h.HandleMessage(context.Background(), fx.message(text))
}

func (fx *fixture) message(text string) *adapters.IncomingMessage {
	return &adapters.IncomingMessage{
		UserID:   testUser,
		Platform: "cli",
		Text:     text,
		Reply: func(ctx context.Context, text string) error {
			fx.replies = append(fx.replies, text)
			return nil
		},
	}
}

func (fx *fixture) lastReply(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, fx.replies, "expected a reply")
	return fx.replies[len(fx.replies)-1]
}

func TestHelpCommand(t *testing.T) {
	fx := newFixture(t)
	fx.send("help")

	assert.Contains(t, fx.lastReply(t), "review pr")
	history := fx.store.history[testUser]
	require.Len(t, history, 2)
	assert.Equal(t, models.ChatRoleUser, history[0].Role)
	assert.Equal(t, models.ChatRoleAssistant, history[1].Role)
}

func TestEmptyMessageIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.send("   ")

	assert.Empty(t, fx.replies)
	assert.Empty(t, fx.store.history[testUser])
}

func TestFirstContactRegistersUser(t *testing.T) {
	fx := newFixture(t)
	fx.send("help")
	fx.send("status")

	assert.Equal(t, []string{testUser}, fx.grants.registered,
		"a new user is registered exactly once")
}

func TestStatusCommand(t *testing.T) {
	fx := newFixture(t)
	fx.store.tasks = []*models.Task{
		{ID: "t1", UserID: testUser, Repo: "api", Status: models.TaskStatusPending, CreatedAt: time.Now()},
		{ID: "t2", UserID: testUser, Repo: "web", Status: models.TaskStatusRunning, CreatedAt: time.Now().Add(-time.Minute)},
	}
	fx.send("status")

	got := fx.lastReply(t)
	assert.Contains(t, got, "1 pending, 1 running")
	assert.Contains(t, got, "web")
}

func TestStatusProbeRoutesToStatus(t *testing.T) {
	fx := newFixture(t)
	fx.send("any update?")

	assert.Contains(t, fx.lastReply(t), "Queue:")
	assert.Zero(t, fx.resolver.calls, "a status probe must not start resolution")
}

func TestFreeFormEnqueuesResolvedTask(t *testing.T) {
	fx := newFixture(t)
	fx.send("fix the login redirect loop")

	task := fx.store.lastTask()
	require.NotNil(t, task, "expected an enqueued task")
	assert.Equal(t, "api", task.Repo)
	assert.Equal(t, testUser, task.UserID)
	assert.Empty(t, task.TaskType)
	assert.Contains(t, task.Prompt, "fix the login redirect loop")
	assert.Contains(t, fx.lastReply(t), "Queued task "+shortID(task.ID))

	_, joined := fx.joins.Message(task.ID)
	assert.True(t, joined, "task should be joined to the conversation")

	rows := fx.store.traces[task.ID]
	require.NotEmpty(t, rows)
	assert.Equal(t, "task enqueued", rows[0].Summary)
}

func TestFreeFormPriorityCarriesToTask(t *testing.T) {
	fx := newFixture(t)
	fx.send("urgent: fix the payment webhook")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, router.PriorityUrgent, task.Priority)
	assert.Contains(t, task.Prompt, "fix the payment webhook")
	assert.NotContains(t, task.Prompt, "urgent:")
}

func TestFreeFormAssistantModeDiscusses(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.SetMode(context.Background(), testUser, models.ModeAssistant))
	fx.send("what do you think about the new queue design")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskTypeDiscuss, task.TaskType)
	assert.Empty(t, task.Repo)
	assert.Zero(t, fx.resolver.calls, "assistant mode must skip resolution")
	assert.Contains(t, fx.lastReply(t), "Let me think about that")
}

func TestFreeFormNoReposDegradesToDiscuss(t *testing.T) {
	fx := newFixture(t)
	fx.resolver.err = resolver.ErrNoRepos
	fx.send("how should I structure the billing service")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskTypeDiscuss, task.TaskType)
}

func TestTypedIntentNoReposExplains(t *testing.T) {
	fx := newFixture(t)
	fx.resolver.err = resolver.ErrNoRepos
	fx.send("fix issue 42")

	assert.Nil(t, fx.store.lastTask())
	assert.Contains(t, fx.lastReply(t), "add repo")
}

func TestResolverErrorAnswersGracefully(t *testing.T) {
	fx := newFixture(t)
	fx.resolver.err = errors.New("inference timeout")
	fx.send("fix issue 42 on api")

	assert.Nil(t, fx.store.lastTask())
	assert.Contains(t, fx.lastReply(t), "Something went wrong")
}

func TestAmbiguousResolutionAsksUser(t *testing.T) {
	fx := newFixture(t)
	fx.resolver.res = &resolver.Resolution{Ambiguous: true, Candidates: []string{"api", "api-gateway"}}
	fx.send("bump the api client version")

	assert.Nil(t, fx.store.lastTask())
	got := fx.lastReply(t)
	assert.Contains(t, got, "Which repository do you mean?")
	assert.Contains(t, got, "api-gateway")
}

func TestResolverNoRepoFallsBackToDiscuss(t *testing.T) {
	fx := newFixture(t)
	fx.resolver.res = &resolver.Resolution{NoRepo: true}
	fx.send("remind me how oauth refresh works")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskTypeDiscuss, task.TaskType)
}

func TestRepoHintReachesResolver(t *testing.T) {
	fx := newFixture(t)
	fx.send("tighten the rate limiter on web")

	assert.Equal(t, "web", fx.resolver.lastHint)
}

func TestEnqueueFailureIsReported(t *testing.T) {
	fx := newFixture(t)
	fx.store.enqueueErr = errors.New("disk full")
	fx.send("fix issue 7 on api")

	assert.Contains(t, fx.lastReply(t), "Could not queue the task")
	assert.Empty(t, fx.joins.IDs())
}

func TestDiscussCommand(t *testing.T) {
	fx := newFixture(t)
	fx.send("discuss caching strategy for the feed")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskTypeDiscuss, task.TaskType)
	assert.Contains(t, task.Prompt, "caching strategy for the feed")
	assert.Zero(t, fx.resolver.calls)
}

func TestCreateProjectCommand(t *testing.T) {
	fx := newFixture(t)
	fx.send("create project blog")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskTypeCreateProject, task.TaskType)
	assert.Equal(t, "blog", task.Repo)
	assert.Contains(t, fx.lastReply(t), "Creating project blog")
}

func TestInitRepoOnboardsAndGrants(t *testing.T) {
	fx := newFixture(t)
	fx.send("add repo api https://github.com/acme/api.git main")

	require.Len(t, fx.registry.added, 1)
	assert.Equal(t, repoAdd{"api", "https://github.com/acme/api.git", "main"}, fx.registry.added[0])
	assert.Contains(t, fx.cfg.repos, "api")
	assert.Equal(t, []string{"api"}, fx.grants.granted[testUser])
	assert.Contains(t, fx.lastReply(t), "Added repository api")
}

func TestInitRepoShorthand(t *testing.T) {
	fx := newFixture(t)
	fx.send("clone acme/widgets")

	require.Len(t, fx.registry.added, 1)
	assert.Equal(t, "widgets", fx.registry.added[0].name)
	assert.Equal(t, "https://github.com/acme/widgets.git", fx.registry.added[0].url)
}

func TestInitRepoFailureAnswers(t *testing.T) {
	fx := newFixture(t)
	fx.registry.err = errors.New("clone failed: repository not found")
	fx.send("add repo ghost https://example.com/ghost.git")

	assert.Contains(t, fx.lastReply(t), "Could not add the repository")
	assert.Empty(t, fx.grants.granted)
}

func TestScheduleCreation(t *testing.T) {
	fx := newFixture(t)
	fx.creator.result = &schedule.CreationResult{
		Schedule:    "0 9 * * *",
		Prompt:      "run the full test suite",
		Description: "daily test run",
	}
	fx.send("run the tests every day at 9am on api")

	require.Len(t, fx.store.schedules, 1)
	s := fx.store.schedules[0]
	assert.Equal(t, "api", s.Repo, "trailing repo hint should fill the schedule")
	assert.Equal(t, "0 9 * * *", s.Schedule)
	assert.Equal(t, testUser, s.UserID)
	assert.Contains(t, fx.lastReply(t), "Scheduled #1")
	assert.Contains(t, fx.lastReply(t), "daily test run")
}

func TestScheduleWithoutRepoAsks(t *testing.T) {
	fx := newFixture(t)
	fx.creator.result = &schedule.CreationResult{Schedule: "0 9 * * *", Prompt: "check the error budget"}
	fx.resolver.err = errors.New("no match")
	fx.send("check the error budget every morning")

	assert.Empty(t, fx.store.schedules)
	assert.Contains(t, fx.lastReply(t), "Which repository")
}

func TestScheduleParseFailure(t *testing.T) {
	fx := newFixture(t)
	fx.creator.err = errors.New("no cadence found")
	fx.send("do something every blue moon")

	assert.Empty(t, fx.store.schedules)
	assert.Contains(t, fx.lastReply(t), "could not turn that into a schedule")
}

func TestListAndRemoveSchedules(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.CreateSchedule(context.Background(), &models.Schedule{
		UserID: testUser, Repo: "api", Prompt: "lint everything", Schedule: "0 7 * * 1",
	}))

	fx.send("list schedules")
	assert.Contains(t, fx.lastReply(t), "#1")
	assert.Contains(t, fx.lastReply(t), "lint everything")

	fx.send("remove schedule 1")
	assert.Contains(t, fx.lastReply(t), "Removed schedule #1")
	assert.Empty(t, fx.store.schedules)

	fx.send("remove schedule 9")
	assert.Contains(t, fx.lastReply(t), "No schedule #9")
}

func TestCancelPrefersLiveTasks(t *testing.T) {
	fx := newFixture(t)
	fx.control.live = []string{"11112222-0000-4000-8000-000000000000"}
	fx.control.cancelResult = true
	fx.joins.AddMessage("11112222-0000-4000-8000-000000000000", fx.message("x"))

	fx.send("cancel 1111")

	require.Len(t, fx.control.cancelled, 1)
	assert.Equal(t, "11112222-0000-4000-8000-000000000000", fx.control.cancelled[0])
	assert.Contains(t, fx.lastReply(t), "Cancelled task 11112222")
	assert.Empty(t, fx.joins.IDs(), "cancelled task keeps no join")
}

func TestCancelFindsPendingTask(t *testing.T) {
	fx := newFixture(t)
	fx.store.tasks = []*models.Task{
		{ID: "aaaabbbb-0000-4000-8000-000000000000", UserID: testUser, Status: models.TaskStatusPending, CreatedAt: time.Now()},
	}
	fx.control.cancelResult = true

	fx.send("cancel aaaa")

	require.Len(t, fx.control.cancelled, 1)
	assert.Contains(t, fx.lastReply(t), "Cancelled task aaaabbbb")
}

func TestCancelNoMatch(t *testing.T) {
	fx := newFixture(t)
	fx.send("cancel zzzz")

	assert.Empty(t, fx.control.cancelled)
	assert.Contains(t, fx.lastReply(t), `No running or pending task matches "zzzz"`)
}

func TestCancelAlreadyFinished(t *testing.T) {
	fx := newFixture(t)
	fx.control.live = []string{"deadbeef-0000-4000-8000-000000000000"}
	fx.control.cancelResult = false

	fx.send("cancel dead")

	assert.Contains(t, fx.lastReply(t), "already finished")
}

func TestModeSwitch(t *testing.T) {
	fx := newFixture(t)
	fx.send("mode assistant")
	assert.Equal(t, models.ModeAssistant, fx.store.modes[testUser])
	assert.Contains(t, fx.lastReply(t), "Assistant mode")

	fx.send("back to normal")
	assert.Equal(t, models.ModeStrict, fx.store.modes[testUser])
	assert.Contains(t, fx.lastReply(t), "Strict mode")
}

func TestClearCommand(t *testing.T) {
	fx := newFixture(t)
	fx.send("hello there")
	require.NotEmpty(t, fx.store.history[testUser])

	fx.send("clear")
	assert.Contains(t, fx.lastReply(t), "cleared")
	// Only the rows written while answering "clear" remain.
	for _, m := range fx.store.history[testUser] {
		assert.NotEqual(t, "hello there", m.Content)
	}
}

func TestHistoryCommand(t *testing.T) {
	fx := newFixture(t)
	fx.send("history")
	assert.Contains(t, fx.lastReply(t), "no tasks yet")

	fx.store.tasks = []*models.Task{
		{ID: "t1-abcdef12", UserID: testUser, Repo: "api", Status: models.TaskStatusCompleted, CreatedAt: time.Now().Add(-time.Hour)},
	}
	fx.send("history")
	got := fx.lastReply(t)
	assert.Contains(t, got, "api")
	assert.Contains(t, got, string(models.TaskStatusCompleted))
}

func TestTasksCommand(t *testing.T) {
	fx := newFixture(t)
	fx.send("tasks")
	assert.Contains(t, fx.lastReply(t), "No active tasks")

	fx.store.tasks = []*models.Task{
		{ID: "t1", UserID: testUser, Repo: "api", Status: models.TaskStatusRunning, CreatedAt: time.Now()},
	}
	fx.send("tasks")
	assert.Contains(t, fx.lastReply(t), "api")
}

func TestTraceCommandShowsNewestTask(t *testing.T) {
	fx := newFixture(t)
	fx.send("fix issue 3 on api")
	task := fx.store.lastTask()
	require.NotNil(t, task)

	fx.send("trace")
	got := fx.lastReply(t)
	assert.Contains(t, got, shortID(task.ID))
	assert.Contains(t, got, "task enqueued")
}

func TestTraceCommandUnknownPrefix(t *testing.T) {
	fx := newFixture(t)
	fx.send("fix issue 3 on api")

	fx.send("trace ffff")
	assert.Contains(t, fx.lastReply(t), `No task of yours matches "ffff"`)
}

func TestHandleEventUsesSourceRepoAndEventJoin(t *testing.T) {
	fx := newFixture(t)
	adapter := &fakeEventAdapter{}
	ev := &adapters.IncomingEvent{
		EventID:  "evt-1",
		UserID:   "github:alice",
		Platform: "github",
		Source:   adapters.EventSource{Kind: adapters.SourceIssue, Repo: "api", Number: 12},
		Text:     "please fix the flaky auth test",
	}
	fx.h.HandleEvent(context.Background(), adapter, ev)

	assert.Equal(t, "api", fx.resolver.lastHint, "event source repo should bias resolution")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, "github:alice", task.UserID)
	assert.Contains(t, task.Prompt, "came from issue #12 on api")

	_, msgJoin := fx.joins.Message(task.ID)
	assert.False(t, msgJoin, "event tasks must not register a message join")

	// The confirmation went back through the adapter.
	assert.Contains(t, adapter.responses["evt-1"], "Queued task")

	fx.joins.NotifyEvent(context.Background(), task.ID, "done")
	assert.Equal(t, "done", adapter.responses["evt-1"])
}

func TestEnqueueCronWrapsPrompt(t *testing.T) {
	fx := newFixture(t)
	fx.h.EnqueueCron(context.Background(), models.Schedule{
		ID: 4, UserID: testUser, Repo: "api", Prompt: "rotate the staging secrets",
	})

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Equal(t, models.TaskTypeCron, task.TaskType)
	assert.Equal(t, "api", task.Repo)
	assert.Contains(t, task.Prompt, "rotate the staging secrets")
	assert.NotEqual(t, "rotate the staging secrets", task.Prompt, "cron prompts carry the scheduled preamble")
	assert.Empty(t, fx.joins.IDs(), "cron tasks have no conversation to join")
}

func TestSweepJoinsDropsStaleEntries(t *testing.T) {
	fx := newFixture(t)
	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()
	fx.store.tasks = []*models.Task{
		{ID: "stale-task", Status: models.TaskStatusCompleted, CompletedAt: &old},
		{ID: "fresh-task", Status: models.TaskStatusCompleted, CompletedAt: &fresh},
		{ID: "live-task", Status: models.TaskStatusRunning},
	}
	fx.joins.AddMessage("stale-task", fx.message("a"))
	fx.joins.AddMessage("fresh-task", fx.message("b"))
	fx.joins.AddMessage("live-task", fx.message("c"))

	fx.h.sweepJoins(context.Background())

	ids := fx.joins.IDs()
	assert.NotContains(t, ids, "stale-task")
	assert.Contains(t, ids, "fresh-task")
	assert.Contains(t, ids, "live-task")
}

func TestComposePromptSkipsCurrentMessage(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.AppendMessage(context.Background(), testUser, models.ChatRoleUser, "earlier question"))
	require.NoError(t, fx.store.AppendMessage(context.Background(), testUser, models.ChatRoleAssistant, "earlier answer"))

	fx.send("add retries to the fetcher on api")

	task := fx.store.lastTask()
	require.NotNil(t, task)
	assert.Contains(t, task.Prompt, "earlier question")
	count := strings.Count(task.Prompt, "add retries to the fetcher")
	assert.Equal(t, 1, count, "current message must appear once, not as history too")
}

func TestTraceDisabledMessage(t *testing.T) {
	log := newTestLogger(t)
	st := newFakeStore()
	fx := &fixture{store: st, joins: NewJoins(log)}
	fx.control = &fakeControl{}
	fx.resolver = &fakeResolver{}
	fx.h = New(Deps{
		Store:    st,
		Resolver: fx.resolver,
		Control:  fx.control,
		Registry: &fakeRegistry{},
		Users:    &fakeGrants{},
		Creator:  &fakeCreator{},
		Joins:    fx.joins,
		Pipeline: reply.NewPipeline(log),
		Recorder: trace.NewRecorder(st, false, log),
		Config:   &fakeConfigWriter{repos: map[string]config.RepoConfig{}},
	}, log)

	fx.send("fix issue 9 on api")
	require.NotNil(t, fx.store.lastTask())

	fx.send("trace")
	assert.Contains(t, fx.lastReply(t), "Tracing is disabled")
}
