// Package store is the relay's read/write interface to the relational
// project store. The relay holds no authoritative copy; every snapshot is
// read back from here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"parkbeat/pkg/geo"
	"parkbeat/pkg/logging"
	"parkbeat/pkg/models"
)

// Business errors surfaced to the originating socket only.
var (
	ErrNotFound      = errors.New("project-not-found")
	ErrNotAuthorized = errors.New("not-authorized")
	ErrActiveProject = errors.New("cannot-delete-active")
)

// ProjectStore wraps the Postgres connection with project operations.
// Operations on distinct project ids are independent.
type ProjectStore struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a ProjectStore.
func New(db *sql.DB, logger logging.Logger) *ProjectStore {
	return &ProjectStore{db: db, logger: logger}
}

const projectColumns = `id, name, description, status, lat, lng, geohash,
	heading, pitch, zoom, created_by, updated_by, created_at, updated_at, cost_breakdown`

func scanProject(row interface{ Scan(...any) error }) (models.Project, error) {
	var p models.Project
	var description sql.NullString
	var heading, pitch, zoom sql.NullFloat64
	var cost []byte

	err := row.Scan(&p.ID, &p.Name, &description, &p.Status, &p.Lat, &p.Lng, &p.Geohash,
		&heading, &pitch, &zoom, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt, &cost)
	if err != nil {
		return models.Project{}, err
	}

	if description.Valid {
		p.Description = &description.String
	}
	if heading.Valid {
		p.Heading = &heading.Float64
	}
	if pitch.Valid {
		p.Pitch = &pitch.Float64
	}
	if zoom.Valid {
		p.Zoom = &zoom.Float64
	}
	if len(cost) > 0 {
		var cb models.CostBreakdown
		if err := json.Unmarshal(cost, &cb); err == nil {
			p.Cost = &cb
		}
	}
	return p, nil
}

// GetProject returns a single project record.
func (s *ProjectStore) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// UpsertProject inserts or updates a project on behalf of userID. The
// geohash is recomputed from (lat, lng) before the write; updates are
// permitted only to the creator. The authoritative record, including
// server-owned timestamps, is read back via RETURNING.
func (s *ProjectStore) UpsertProject(ctx context.Context, p models.Project, userID string) (models.Project, error) {
	if !models.ValidStatus(p.Status) {
		p.Status = models.StatusDraft
	}
	p.Geohash = geo.Encode(p.Lat, p.Lng)

	var creator string
	err := s.db.QueryRowContext(ctx, `SELECT created_by FROM projects WHERE id = $1`, p.ID).Scan(&creator)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New project; the caller becomes the creator.
	case err != nil:
		return models.Project{}, fmt.Errorf("check project %s owner: %w", p.ID, err)
	case creator != userID:
		return models.Project{}, ErrNotAuthorized
	}

	var cost []byte
	if p.Cost != nil {
		if cost, err = json.Marshal(p.Cost); err != nil {
			return models.Project{}, fmt.Errorf("encode cost breakdown: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, description, status, lat, lng, geohash,
			heading, pitch, zoom, created_by, updated_by, created_at, updated_at, cost_breakdown)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, NOW(), NOW(), $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			geohash = EXCLUDED.geohash,
			heading = EXCLUDED.heading,
			pitch = EXCLUDED.pitch,
			zoom = EXCLUDED.zoom,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW(),
			cost_breakdown = EXCLUDED.cost_breakdown
		RETURNING `+projectColumns,
		p.ID, p.Name, p.Description, p.Status, p.Lat, p.Lng, p.Geohash,
		p.Heading, p.Pitch, p.Zoom, userID, cost)

	stored, err := scanProject(row)
	if err != nil {
		return models.Project{}, fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return stored, nil
}

// DeleteProject removes a project and returns the previous record so the
// caller can walk its stored geohash for the delete fan-out. Projects in
// status active may not be deleted.
func (s *ProjectStore) DeleteProject(ctx context.Context, id, userID string) (models.Project, error) {
	previous, err := s.GetProject(ctx, id)
	if err != nil {
		return models.Project{}, err
	}
	if previous.Status == models.StatusActive {
		return models.Project{}, ErrActiveProject
	}
	if previous.CreatedBy != userID {
		return models.Project{}, ErrNotAuthorized
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return models.Project{}, fmt.Errorf("delete project %s: %w", id, err)
	}
	return previous, nil
}

// QueryByGeohashPrefix returns every project whose geohash starts with the
// prefix, oldest first.
func (s *ProjectStore) QueryByGeohashPrefix(ctx context.Context, prefix string) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE geohash LIKE $1 || '%' ORDER BY created_at`,
		prefix)
	if err != nil {
		return nil, fmt.Errorf("query projects by prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Snapshot assembles the full current state of one project.
func (s *ProjectStore) Snapshot(ctx context.Context, projectID string) (models.ProjectSnapshot, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return models.ProjectSnapshot{}, err
	}
	return s.snapshotOf(ctx, project)
}

// Snapshots assembles snapshots for a list of already-fetched projects.
func (s *ProjectStore) Snapshots(ctx context.Context, projects []models.Project) ([]models.ProjectSnapshot, error) {
	snapshots := make([]models.ProjectSnapshot, 0, len(projects))
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := s.snapshotOf(ctx, p)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

func (s *ProjectStore) snapshotOf(ctx context.Context, project models.Project) (models.ProjectSnapshot, error) {
	images, err := s.Images(ctx, project.ID)
	if err != nil {
		return models.ProjectSnapshot{}, err
	}
	suggestions, err := s.Suggestions(ctx, project.ID)
	if err != nil {
		return models.ProjectSnapshot{}, err
	}
	contributions, err := s.Contributions(ctx, project.ID)
	if err != nil {
		return models.ProjectSnapshot{}, err
	}
	return models.ProjectSnapshot{
		Project:       project,
		Images:        images,
		Suggestions:   suggestions,
		Contributions: Summarize(contributions),
	}, nil
}
