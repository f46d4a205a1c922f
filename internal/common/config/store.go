package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store persists edits back into the JSON config file. Writes go through a
// read-modify-write of the raw document so fields this version does not know
// about survive untouched.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store for the given config file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the config file path backing this store.
func (s *Store) Path() string {
	return s.path
}

// AddRepo merges a repository entry into the config file.
func (s *Store) AddRepo(name string, rc RepoConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	repos, ok := doc["repos"].(map[string]any)
	if !ok {
		repos = make(map[string]any)
		doc["repos"] = repos
	}

	entry := map[string]any{"url": rc.URL}
	if rc.DefaultBranch != "" {
		entry["defaultBranch"] = rc.DefaultBranch
	}
	if rc.Runner != "" {
		entry["runner"] = rc.Runner
	}
	if rc.Excluded {
		entry["excluded"] = true
	}
	repos[name] = entry

	return s.write(doc)
}

// AddUser merges a user entry into the config file. An existing user keeps
// unrecognized fields; name and repos are replaced.
func (s *Store) AddUser(platformID, name string, repos []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	users, ok := doc["users"].(map[string]any)
	if !ok {
		users = make(map[string]any)
		doc["users"] = users
	}

	entry, ok := users[platformID].(map[string]any)
	if !ok {
		entry = make(map[string]any)
	}
	entry["name"] = name
	entry["repos"] = repos
	users[platformID] = entry

	return s.write(doc)
}

// GrantRepo appends a repo grant to an existing user, creating the user row
// if absent. A duplicate grant is a noop.
func (s *Store) GrantRepo(platformID, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	users, ok := doc["users"].(map[string]any)
	if !ok {
		users = make(map[string]any)
		doc["users"] = users
	}

	entry, ok := users[platformID].(map[string]any)
	if !ok {
		entry = map[string]any{"name": platformID}
	}

	var grants []any
	if raw, ok := entry["repos"].([]any); ok {
		grants = raw
	}
	for _, g := range grants {
		if g == repo || g == "*" {
			return nil
		}
	}
	entry["repos"] = append(grants, repo)
	users[platformID] = entry

	return s.write(doc)
}

func (s *Store) read() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	doc := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	return doc, nil
}

func (s *Store) write(doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
