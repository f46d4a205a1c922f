package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dispatchd/dispatchd/internal/task/models"
)

// UpsertRepo inserts or refreshes a registry entry. Config-sourced entries
// take precedence: an external sync never overwrites one, it only bumps the
// sync timestamp.
func (r *Repository) UpsertRepo(ctx context.Context, repo *models.Repo) error {
	existing, err := r.GetRepo(ctx, repo.Name)
	if err != nil && !IsRepoNotFound(err) {
		return err
	}

	if existing != nil && existing.Source == models.RepoSourceConfig && repo.Source == models.RepoSourceExternalSync {
		_, err := r.db.ExecContext(ctx, `UPDATE repos SET last_synced_at = ? WHERE name = ?`, time.Now().UTC(), repo.Name)
		return err
	}

	var syncedAt interface{}
	if repo.Source == models.RepoSourceExternalSync {
		now := time.Now().UTC()
		repo.LastSyncedAt = &now
		syncedAt = now
	} else if repo.LastSyncedAt != nil {
		syncedAt = *repo.LastSyncedAt
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO repos (name, url, owner, default_branch, source, excluded, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			owner = excluded.owner,
			default_branch = excluded.default_branch,
			source = excluded.source,
			excluded = excluded.excluded,
			last_synced_at = excluded.last_synced_at
	`, repo.Name, repo.URL, repo.Owner, repo.DefaultBranch, repo.Source, boolToInt(repo.Excluded), syncedAt)
	return err
}

// notFoundError distinguishes a missing registry row from storage failures.
type notFoundError struct{ name string }

func (e *notFoundError) Error() string { return fmt.Sprintf("repo not found: %s", e.name) }

// IsRepoNotFound reports whether err means the named repo has no registry entry.
func IsRepoNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}

// GetRepo retrieves a registry entry by name.
func (r *Repository) GetRepo(ctx context.Context, name string) (*models.Repo, error) {
	row := r.ro.QueryRowContext(ctx, `
		SELECT name, url, owner, default_branch, source, excluded, last_synced_at
		FROM repos
		WHERE name = ?
	`, name)
	repo, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, &notFoundError{name: name}
	}
	return repo, err
}

// ListRepos returns registry entries ordered by name. Excluded entries are
// omitted unless includeExcluded is set.
func (r *Repository) ListRepos(ctx context.Context, includeExcluded bool) ([]models.Repo, error) {
	query := `
		SELECT name, url, owner, default_branch, source, excluded, last_synced_at
		FROM repos
	`
	if !includeExcluded {
		query += ` WHERE excluded = 0`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.ro.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var repos []models.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, *repo)
	}
	return repos, rows.Err()
}

// DeleteRepo removes a registry entry by name.
func (r *Repository) DeleteRepo(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM repos WHERE name = ?`, name)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &notFoundError{name: name}
	}
	return nil
}

func scanRepo(row rowScanner) (*models.Repo, error) {
	repo := &models.Repo{}
	var owner sql.NullString
	var excluded int
	var syncedAt sql.NullTime
	err := row.Scan(&repo.Name, &repo.URL, &owner, &repo.DefaultBranch, &repo.Source, &excluded, &syncedAt)
	if err != nil {
		return nil, err
	}
	repo.Owner = owner.String
	repo.Excluded = excluded != 0
	if syncedAt.Valid {
		t := syncedAt.Time
		repo.LastSyncedAt = &t
	}
	return repo, nil
}
