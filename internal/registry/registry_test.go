package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

type fakeStore struct {
	repos map[string]*models.Repo
}

func newFakeStore() *fakeStore {
	return &fakeStore{repos: make(map[string]*models.Repo)}
}

func (f *fakeStore) UpsertRepo(_ context.Context, repo *models.Repo) error {
	clone := *repo
	f.repos[repo.Name] = &clone
	return nil
}

func (f *fakeStore) GetRepo(_ context.Context, name string) (*models.Repo, error) {
	repo, ok := f.repos[name]
	if !ok {
		return nil, assert.AnError
	}
	return repo, nil
}

func (f *fakeStore) ListRepos(_ context.Context, includeExcluded bool) ([]models.Repo, error) {
	var out []models.Repo
	for _, repo := range f.repos {
		if repo.Excluded && !includeExcluded {
			continue
		}
		out = append(out, *repo)
	}
	return out, nil
}

func (f *fakeStore) DeleteRepo(_ context.Context, name string) error {
	delete(f.repos, name)
	return nil
}

func newTestService(t *testing.T, store Store, cfg Config) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewService(store, cfg, log)
}

func TestSeedDefaultsAndSource(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, Config{})

	err := svc.Seed(context.Background(), []Seed{
		{Name: "api", URL: "https://github.com/acme/api.git", Owner: "acme"},
		{Name: "web", URL: "https://github.com/acme/web.git", DefaultBranch: "develop"},
	})
	require.NoError(t, err)

	require.Len(t, store.repos, 2)
	assert.Equal(t, models.RepoSourceConfig, store.repos["api"].Source)
	assert.Equal(t, "main", store.repos["api"].DefaultBranch)
	assert.Equal(t, "develop", store.repos["web"].DefaultBranch)
}

func TestSeedRejectsIncompleteEntry(t *testing.T) {
	svc := newTestService(t, newFakeStore(), Config{})

	err := svc.Seed(context.Background(), []Seed{{Name: "api"}})
	require.Error(t, err)
}

func TestAddIsManualSource(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, Config{})

	require.NoError(t, svc.Add(context.Background(), "tools", "https://github.com/acme/tools.git", ""))

	repo := store.repos["tools"]
	require.NotNil(t, repo)
	assert.Equal(t, models.RepoSourceManual, repo.Source)
	assert.Equal(t, "main", repo.DefaultBranch)
}

func TestSyncOnceYAML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`repos:
  - name: api
    url: https://github.com/acme/api.git
    owner: acme
  - name: ""
    url: https://github.com/acme/broken.git
  - name: legacy
    url: https://github.com/acme/legacy.git
    excluded: true
`))
	}))
	defer srv.Close()

	store := newFakeStore()
	svc := newTestService(t, store, Config{SyncURL: srv.URL})

	require.NoError(t, svc.SyncOnce(context.Background()))

	require.Len(t, store.repos, 2, "nameless entry must be skipped")
	assert.Equal(t, models.RepoSourceExternalSync, store.repos["api"].Source)
	assert.Equal(t, "acme", store.repos["api"].Owner)
	assert.Equal(t, "main", store.repos["api"].DefaultBranch)
	assert.True(t, store.repos["legacy"].Excluded)
}

func TestSyncOnceJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"repos":[{"name":"api","url":"https://github.com/acme/api.git","defaultBranch":"trunk"}]}`))
	}))
	defer srv.Close()

	store := newFakeStore()
	svc := newTestService(t, store, Config{SyncURL: srv.URL})

	require.NoError(t, svc.SyncOnce(context.Background()))

	require.Contains(t, store.repos, "api")
	assert.Equal(t, "trunk", store.repos["api"].DefaultBranch)
}

func TestSyncOnceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := newTestService(t, newFakeStore(), Config{SyncURL: srv.URL})

	err := svc.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestSyncOnceBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("\t{{not yaml"))
	}))
	defer srv.Close()

	svc := newTestService(t, newFakeStore(), Config{SyncURL: srv.URL})
	require.Error(t, svc.SyncOnce(context.Background()))
}

func TestNamesExcludesHiddenRepos(t *testing.T) {
	store := newFakeStore()
	store.repos["api"] = &models.Repo{Name: "api"}
	store.repos["legacy"] = &models.Repo{Name: "legacy", Excluded: true}

	svc := newTestService(t, store, Config{})
	names, err := svc.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, names)
}

func TestStartSyncWithoutURLIsNoop(t *testing.T) {
	svc := newTestService(t, newFakeStore(), Config{})

	svc.StartSync(context.Background())
	assert.False(t, svc.started)
	svc.Stop()
}
