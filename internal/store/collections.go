package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"parkbeat/pkg/models"
)

// Images returns the images attached to a project, newest last.
func (s *ProjectStore) Images(ctx context.Context, projectID string) ([]models.ProjectImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, url, analysis, created_at
		 FROM project_images WHERE project_id = $1 ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query images for %s: %w", projectID, err)
	}
	defer rows.Close()

	images := []models.ProjectImage{}
	for rows.Next() {
		var img models.ProjectImage
		var analysis []byte
		if err := rows.Scan(&img.ID, &img.ProjectID, &img.URL, &analysis, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		if len(analysis) > 0 {
			img.Analysis = analysis
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// Suggestions returns the suggestions attached to a project, newest last.
func (s *ProjectStore) Suggestions(ctx context.Context, projectID string) ([]models.ProjectSuggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, body, created_at
		 FROM project_suggestions WHERE project_id = $1 ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query suggestions for %s: %w", projectID, err)
	}
	defer rows.Close()

	suggestions := []models.ProjectSuggestion{}
	for rows.Next() {
		var sg models.ProjectSuggestion
		if err := rows.Scan(&sg.ID, &sg.ProjectID, &sg.Title, &sg.Body, &sg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion row: %w", err)
		}
		suggestions = append(suggestions, sg)
	}
	return suggestions, rows.Err()
}

// Contributions returns the full append-only contribution log, oldest first.
func (s *ProjectStore) Contributions(ctx context.Context, projectID string) ([]models.ProjectContribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, kind, amount_cents, message, created_at
		 FROM project_contributions WHERE project_id = $1 ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("query contributions for %s: %w", projectID, err)
	}
	defer rows.Close()

	contributions := []models.ProjectContribution{}
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, c)
	}
	return contributions, rows.Err()
}

func scanContribution(row interface{ Scan(...any) error }) (models.ProjectContribution, error) {
	var c models.ProjectContribution
	var amount sql.NullInt64
	var message sql.NullString
	if err := row.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Kind, &amount, &message, &c.CreatedAt); err != nil {
		return models.ProjectContribution{}, fmt.Errorf("scan contribution row: %w", err)
	}
	if amount.Valid {
		c.AmountCents = &amount.Int64
	}
	if message.Valid {
		c.Message = &message.String
	}
	return c, nil
}

// AddContribution appends a contribution, deduplicated by id: when a row
// with the same id already exists it is returned unchanged.
func (s *ProjectStore) AddContribution(ctx context.Context, c models.ProjectContribution) (models.ProjectContribution, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_contributions (id, project_id, user_id, kind, amount_cents, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.ProjectID, c.UserID, c.Kind, c.AmountCents, c.Message)
	if err != nil {
		return models.ProjectContribution{}, fmt.Errorf("insert contribution %s: %w", c.ID, err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, kind, amount_cents, message, created_at
		 FROM project_contributions WHERE id = $1`, c.ID)
	stored, err := scanContribution(row)
	if err != nil {
		return models.ProjectContribution{}, err
	}
	return stored, nil
}

// GetUser returns one profile from the avatar/name cache.
func (s *ProjectStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	var avatar sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar_url FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	if avatar.Valid {
		u.AvatarURL = &avatar.String
	}
	return u, nil
}
