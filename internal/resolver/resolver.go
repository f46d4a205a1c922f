// Package resolver maps a chat request to the repository it targets.
//
// Resolution is layered: an explicit hint from the router wins, then the
// user's grants are consulted (zero grants is an error, a single grant is
// returned directly), and only genuinely ambiguous requests pay for a
// single-turn model call.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/models"
)

// historyTurns bounds the conversation digest carried into the inference
// prompt.
const historyTurns = 6

// recentTaskWindow bounds how far back the last-task repo hint looks.
const recentTaskWindow = 10

// ErrNoRepos means the user has no repository grants at all.
var ErrNoRepos = errors.New("user has no repositories")

// RepoSource lists the registry.
type RepoSource interface {
	ListRepos(ctx context.Context, includeExcluded bool) ([]models.Repo, error)
}

// ConversationSource supplies per-user context for the inference prompt.
type ConversationSource interface {
	History(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]models.Task, error)
}

// GrantSource reports which repositories a user may dispatch to. A single
// "*" grant expands to the whole registry at query time.
type GrantSource interface {
	Grants(userID string) []string
}

// Inferencer produces a single-turn model response for a prompt.
type Inferencer interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// InferencerFunc adapts a function to the Inferencer interface.
type InferencerFunc func(ctx context.Context, prompt string) (string, error)

func (f InferencerFunc) Infer(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Resolution is the outcome of a resolve attempt. Exactly one of Repo,
// NoRepo or Ambiguous is meaningful.
type Resolution struct {
	// Repo is the resolved repository name.
	Repo string
	// NoRepo means the request does not target any specific repository
	// and should be handled conversationally.
	NoRepo bool
	// Ambiguous means the user must pick from Candidates.
	Ambiguous  bool
	Candidates []string
}

// Resolver decides which repository a request belongs to.
type Resolver struct {
	repos  RepoSource
	conv   ConversationSource
	grants GrantSource
	infer  Inferencer
	logger *logger.Logger
}

func New(repos RepoSource, conv ConversationSource, grants GrantSource, infer Inferencer, log *logger.Logger) *Resolver {
	return &Resolver{
		repos:  repos,
		conv:   conv,
		grants: grants,
		infer:  infer,
		logger: log.WithFields(zap.String("component", "resolver")),
	}
}

// Resolve maps userID's request text to a repository. hint, when non-empty,
// is a router-extracted repo token and short-circuits everything else if it
// names a known repository.
func (r *Resolver) Resolve(ctx context.Context, userID, text, hint string) (*Resolution, error) {
	known, err := r.knownNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	if hint != "" {
		if name, ok := matchName(known, hint); ok {
			return &Resolution{Repo: name}, nil
		}
	}

	candidates := r.userRepos(userID, known)
	if len(candidates) == 0 {
		return nil, ErrNoRepos
	}
	if len(candidates) == 1 {
		return &Resolution{Repo: candidates[0]}, nil
	}

	answer, err := r.infer.Infer(ctx, r.buildPrompt(ctx, userID, text, candidates))
	if err != nil {
		// A broken inference path should degrade to asking the user,
		// not kill the conversation.
		r.logger.Warn("repo inference failed", zap.String("user_id", userID), zap.Error(err))
		return &Resolution{Ambiguous: true, Candidates: candidates}, nil
	}

	verdict := parseAnswer(answer)
	switch {
	case strings.EqualFold(verdict, "NONE"):
		return &Resolution{NoRepo: true}, nil
	case strings.EqualFold(verdict, "UNKNOWN"):
		return &Resolution{Ambiguous: true, Candidates: candidates}, nil
	}
	if name, ok := matchName(candidates, verdict); ok {
		return &Resolution{Repo: name}, nil
	}

	r.logger.Debug("repo inference returned unrecognized name",
		zap.String("user_id", userID),
		zap.String("verdict", verdict))
	return &Resolution{Ambiguous: true, Candidates: candidates}, nil
}

func (r *Resolver) knownNames(ctx context.Context) ([]string, error) {
	repos, err := r.repos.ListRepos(ctx, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(repos))
	for _, repo := range repos {
		names = append(names, repo.Name)
	}
	return names, nil
}

// userRepos intersects the user's grants with the registry, expanding a
// wildcard grant to every known name. Registry order is preserved.
func (r *Resolver) userRepos(userID string, known []string) []string {
	grants := r.grants.Grants(userID)
	for _, g := range grants {
		if g == "*" {
			return known
		}
	}

	granted := make(map[string]bool, len(grants))
	for _, g := range grants {
		granted[strings.ToLower(g)] = true
	}
	var names []string
	for _, name := range known {
		if granted[strings.ToLower(name)] {
			names = append(names, name)
		}
	}
	return names
}

func (r *Resolver) buildPrompt(ctx context.Context, userID, text string, candidates []string) string {
	var b strings.Builder
	b.WriteString("You match a chat request to one of the user's repositories.\n\nRepositories:\n")
	for _, name := range candidates {
		b.WriteString("- " + name + "\n")
	}

	if history, err := r.conv.History(ctx, userID, historyTurns); err == nil && len(history) > 0 {
		b.WriteString("\nPrevious conversation:\n")
		for _, msg := range history {
			b.WriteString(string(msg.Role) + ": " + msg.Content + "\n")
		}
	}

	if repo := r.lastTaskRepo(ctx, userID); repo != "" {
		fmt.Fprintf(&b, "\nThe user's most recent task ran on %q.\n", repo)
	}

	b.WriteString("\nCurrent request:\n" + text + "\n\n")
	b.WriteString("Reply with exactly one repository name from the list. " +
		"Reply NONE if the request does not target a specific repository. " +
		"Reply UNKNOWN if you cannot tell.")
	return b.String()
}

func (r *Resolver) lastTaskRepo(ctx context.Context, userID string) string {
	tasks, err := r.conv.ListTasksByUser(ctx, userID, recentTaskWindow)
	if err != nil {
		return ""
	}
	for _, t := range tasks {
		if t.Terminal() && t.Repo != "" {
			return t.Repo
		}
	}
	return ""
}

// parseAnswer pulls the model's verdict out of a possibly chatty reply:
// the last non-empty line, stripped of quoting.
func parseAnswer(answer string) string {
	lines := strings.Split(strings.TrimSpace(answer), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.Trim(strings.TrimSpace(lines[i]), "`\"'.")
		if line != "" {
			return line
		}
	}
	return ""
}

func matchName(names []string, candidate string) (string, bool) {
	for _, name := range names {
		if strings.EqualFold(name, candidate) {
			return name, true
		}
	}
	return "", false
}
