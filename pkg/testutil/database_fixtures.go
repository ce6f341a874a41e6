package testutil

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"parkbeat/pkg/models"
)

// ProjectColumns mirrors the column order of the store's project queries.
var ProjectColumns = []string{
	"id", "name", "description", "status", "lat", "lng", "geohash",
	"heading", "pitch", "zoom", "created_by", "updated_by", "created_at", "updated_at", "cost_breakdown",
}

// ContributionColumns mirrors the contribution query column order.
var ContributionColumns = []string{
	"id", "project_id", "user_id", "kind", "amount_cents", "message", "created_at",
}

// DatabaseFixtures provides test data fixtures for store testing.
type DatabaseFixtures struct{}

// NewDatabaseFixtures creates a new database fixtures helper.
func NewDatabaseFixtures() *DatabaseFixtures {
	return &DatabaseFixtures{}
}

// ProjectValid creates a fully populated project.
func (f *DatabaseFixtures) ProjectValid() models.Project {
	description := "Native pollinator garden on the 9th street median"
	heading := 120.0
	pitch := -5.0
	zoom := 18.5
	createdAt := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	return models.Project{
		ID:          "project-valid-test",
		Name:        "9th Street Pollinator Garden",
		Description: &description,
		Status:      models.StatusActive,
		Lat:         40.7128,
		Lng:         -74.0060,
		Geohash:     "dr5regw3p",
		Heading:     &heading,
		Pitch:       &pitch,
		Zoom:        &zoom,
		CreatedBy:   "user-123",
		UpdatedBy:   "user-123",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt.Add(time.Hour),
		Cost: &models.CostBreakdown{
			MaterialsCents: 120000,
			LaborCents:     80000,
			OtherCents:     15000,
			TotalCents:     215000,
		},
	}
}

// ProjectWithNulls creates a project with every optional field absent.
func (f *DatabaseFixtures) ProjectWithNulls() models.Project {
	createdAt := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	return models.Project{
		ID:        "project-null-test",
		Name:      "Bare Project",
		Status:    models.StatusDraft,
		Lat:       40.7128,
		Lng:       -74.0060,
		Geohash:   "dr5regw3p",
		CreatedBy: "user-123",
		UpdatedBy: "user-123",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// ProjectRow renders a project in the store's column order for sqlmock.
func (f *DatabaseFixtures) ProjectRow(p models.Project) []driver.Value {
	var description, cost driver.Value
	if p.Description != nil {
		description = *p.Description
	}
	if p.Cost != nil {
		encoded, _ := json.Marshal(p.Cost)
		cost = encoded
	}
	var heading, pitch, zoom driver.Value
	if p.Heading != nil {
		heading = *p.Heading
	}
	if p.Pitch != nil {
		pitch = *p.Pitch
	}
	if p.Zoom != nil {
		zoom = *p.Zoom
	}
	return []driver.Value{
		p.ID, p.Name, description, string(p.Status), p.Lat, p.Lng, p.Geohash,
		heading, pitch, zoom, p.CreatedBy, p.UpdatedBy, p.CreatedAt, p.UpdatedAt, cost,
	}
}

// FundingContribution creates a funding contribution.
func (f *DatabaseFixtures) FundingContribution(id, projectID, userID string, amountCents int64, at time.Time) models.ProjectContribution {
	return models.ProjectContribution{
		ID:          id,
		ProjectID:   projectID,
		UserID:      userID,
		Kind:        models.ContributionFunding,
		AmountCents: &amountCents,
		CreatedAt:   at,
	}
}

// SocialContribution creates a social contribution with a message.
func (f *DatabaseFixtures) SocialContribution(id, projectID, userID, message string, at time.Time) models.ProjectContribution {
	return models.ProjectContribution{
		ID:        id,
		ProjectID: projectID,
		UserID:    userID,
		Kind:      models.ContributionSocial,
		Message:   &message,
		CreatedAt: at,
	}
}

// ContributionRow renders a contribution in the store's column order.
func (f *DatabaseFixtures) ContributionRow(c models.ProjectContribution) []driver.Value {
	var amount, message driver.Value
	if c.AmountCents != nil {
		amount = *c.AmountCents
	}
	if c.Message != nil {
		message = *c.Message
	}
	return []driver.Value{c.ID, c.ProjectID, c.UserID, string(c.Kind), amount, message, c.CreatedAt}
}
