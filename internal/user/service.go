// Package user tracks chat users and their repository grants.
package user

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Service holds the authorization view: grants seeded from config plus
// runtime additions from repo onboarding. Runtime grants are written
// through to the config file so they survive restarts.
type Service struct {
	mu     sync.RWMutex
	names  map[string]string
	grants map[string][]string
	store  *config.Store
	logger *logger.Logger
}

// NewService builds the grants view from the config users section. store
// may be nil, in which case grants are memory-only.
func NewService(users map[string]config.UserConfig, store *config.Store, log *logger.Logger) *Service {
	s := &Service{
		names:  make(map[string]string, len(users)),
		grants: make(map[string][]string, len(users)),
		store:  store,
		logger: log.WithFields(zap.String("component", "user")),
	}
	for id, u := range users {
		s.names[id] = u.Name
		s.grants[id] = append([]string(nil), u.Repos...)
	}
	return s
}

// Grants returns a copy of the user's raw repo grants. A "*" entry means
// the whole registry; expansion is the resolver's job.
func (s *Service) Grants(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.grants[userID]...)
}

// Name returns the user's display name, falling back to the id.
func (s *Service) Name(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name := s.names[userID]; name != "" {
		return name
	}
	return userID
}

// Known reports whether the user has any configuration at all.
func (s *Service) Known(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[userID]
	return ok
}

// Register records a first-contact user with no grants and persists the
// entry, so operators can grant repositories by editing the config file.
// Known users are left untouched.
func (s *Service) Register(userID string) error {
	s.mu.Lock()
	if _, ok := s.grants[userID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.grants[userID] = []string{}
	if _, ok := s.names[userID]; !ok {
		s.names[userID] = userID
	}
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.AddUser(userID, userID, []string{}); err != nil {
		s.logger.Error("failed to persist new user",
			zap.String("user_id", userID),
			zap.Error(err))
		return err
	}

	s.logger.Info("registered new user", zap.String("user_id", userID))
	return nil
}

// Grant authorizes userID for repo and persists the change. Granting to a
// user who already holds the repo or a wildcard is a no-op.
func (s *Service) Grant(userID, repo string) error {
	s.mu.Lock()
	current := s.grants[userID]
	for _, g := range current {
		if g == "*" || strings.EqualFold(g, repo) {
			s.mu.Unlock()
			return nil
		}
	}
	s.grants[userID] = append(current, repo)
	if _, ok := s.names[userID]; !ok {
		s.names[userID] = userID
	}
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.GrantRepo(userID, repo); err != nil {
		s.logger.Error("failed to persist repo grant",
			zap.String("user_id", userID),
			zap.String("repo", repo),
			zap.Error(err))
		return err
	}

	s.logger.Info("granted repo access",
		zap.String("user_id", userID),
		zap.String("repo", repo))
	return nil
}
