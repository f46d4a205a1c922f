// Package registry maintains the set of repositories tasks can be
// dispatched to. Rows come from three places: the config file (seeded on
// startup), manual onboarding from chat, and an optional external manifest
// refreshed in the background. Config rows always win over synced ones.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// DefaultSyncInterval applies when the config enables external sync without
// an interval.
const DefaultSyncInterval = 30 * time.Minute

// maxManifestSize caps how much of a manifest response is read.
const maxManifestSize = 1 << 20

// Store is the persistence surface the registry needs.
type Store interface {
	UpsertRepo(ctx context.Context, repo *models.Repo) error
	GetRepo(ctx context.Context, name string) (*models.Repo, error)
	ListRepos(ctx context.Context, includeExcluded bool) ([]models.Repo, error)
	DeleteRepo(ctx context.Context, name string) error
}

// Seed is a repository defined in the config file.
type Seed struct {
	Name          string
	URL           string
	Owner         string
	DefaultBranch string
	Excluded      bool
}

// Config tunes the external-sync loop. An empty SyncURL disables it.
type Config struct {
	SyncURL      string
	SyncInterval time.Duration
}

// Service wraps the repos table with seeding and background sync.
type Service struct {
	store  Store
	cfg    Config
	client *http.Client
	logger *logger.Logger

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(store Store, cfg Config, log *logger.Logger) *Service {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithFields(zap.String("component", "registry")),
	}
}

// Seed upserts the config-defined repositories with source=config.
func (s *Service) Seed(ctx context.Context, seeds []Seed) error {
	for _, seed := range seeds {
		if seed.Name == "" || seed.URL == "" {
			return fmt.Errorf("config repo needs both name and url: %+v", seed)
		}
		repo := &models.Repo{
			Name:          seed.Name,
			URL:           seed.URL,
			Owner:         seed.Owner,
			DefaultBranch: seed.DefaultBranch,
			Source:        models.RepoSourceConfig,
			Excluded:      seed.Excluded,
		}
		if repo.DefaultBranch == "" {
			repo.DefaultBranch = "main"
		}
		if err := s.store.UpsertRepo(ctx, repo); err != nil {
			return fmt.Errorf("failed to seed repo %s: %w", seed.Name, err)
		}
	}
	s.logger.Info("seeded config repositories", zap.Int("count", len(seeds)))
	return nil
}

// Add onboards a repository from chat with source=manual.
func (s *Service) Add(ctx context.Context, name, url, branch string) error {
	if branch == "" {
		branch = "main"
	}
	repo := &models.Repo{
		Name:          name,
		URL:           url,
		DefaultBranch: branch,
		Source:        models.RepoSourceManual,
	}
	return s.store.UpsertRepo(ctx, repo)
}

func (s *Service) Get(ctx context.Context, name string) (*models.Repo, error) {
	return s.store.GetRepo(ctx, name)
}

// List returns the dispatchable (non-excluded) repositories.
func (s *Service) List(ctx context.Context) ([]models.Repo, error) {
	return s.store.ListRepos(ctx, false)
}

// ListRepos satisfies consumers that take the raw store shape.
func (s *Service) ListRepos(ctx context.Context, includeExcluded bool) ([]models.Repo, error) {
	return s.store.ListRepos(ctx, includeExcluded)
}

func (s *Service) Names(ctx context.Context) ([]string, error) {
	repos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(repos))
	for _, repo := range repos {
		names = append(names, repo.Name)
	}
	return names, nil
}

func (s *Service) Remove(ctx context.Context, name string) error {
	return s.store.DeleteRepo(ctx, name)
}

// StartSync launches the background manifest refresh loop. A no-op when no
// sync URL is configured or the loop is already running.
func (s *Service) StartSync(ctx context.Context) {
	if s.cfg.SyncURL == "" || s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncLoop(ctx)

	s.logger.Info("registry sync started",
		zap.String("url", s.cfg.SyncURL),
		zap.Duration("interval", s.cfg.SyncInterval))
}

// Stop cancels the sync loop and waits for it to finish.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.started = false
}

func (s *Service) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	// Refresh immediately so a fresh process starts with current data.
	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("initial registry sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Warn("registry sync failed", zap.Error(err))
			}
		}
	}
}

// manifest is the external repo list. YAML tags also cover JSON manifests
// since yaml.v3 accepts JSON input.
type manifest struct {
	Repos []manifestRepo `yaml:"repos"`
}

type manifestRepo struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	Owner         string `yaml:"owner"`
	DefaultBranch string `yaml:"defaultBranch"`
	Excluded      bool   `yaml:"excluded"`
}

// SyncOnce fetches the manifest and upserts every entry with
// source=external-sync. Config-sourced rows are left untouched by the
// store's precedence rules.
func (s *Service) SyncOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SyncURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build manifest request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch manifest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manifest fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	synced := 0
	for _, entry := range m.Repos {
		if entry.Name == "" || entry.URL == "" {
			s.logger.Warn("skipping manifest entry without name or url",
				zap.String("name", entry.Name))
			continue
		}
		repo := &models.Repo{
			Name:          entry.Name,
			URL:           entry.URL,
			Owner:         entry.Owner,
			DefaultBranch: entry.DefaultBranch,
			Source:        models.RepoSourceExternalSync,
			Excluded:      entry.Excluded,
		}
		if repo.DefaultBranch == "" {
			repo.DefaultBranch = "main"
		}
		if err := s.store.UpsertRepo(ctx, repo); err != nil {
			s.logger.Error("failed to upsert synced repo",
				zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		synced++
	}

	s.logger.Info("registry sync complete",
		zap.Int("synced", synced),
		zap.Int("listed", len(m.Repos)))
	return nil
}
