package models

import (
	"encoding/json"
	"time"
)

// ProjectStatus enumerates the lifecycle states of a project.
type ProjectStatus string

const (
	StatusDraft     ProjectStatus = "draft"
	StatusActive    ProjectStatus = "active"
	StatusFunded    ProjectStatus = "funded"
	StatusCompleted ProjectStatus = "completed"
	StatusArchived  ProjectStatus = "archived"
)

// ValidStatus reports whether s is a known project status.
func ValidStatus(s ProjectStatus) bool {
	switch s {
	case StatusDraft, StatusActive, StatusFunded, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// CostBreakdown is the optional structured cost estimate attached to a project.
type CostBreakdown struct {
	MaterialsCents int64 `json:"materials_cents"`
	LaborCents     int64 `json:"labor_cents"`
	OtherCents     int64 `json:"other_cents"`
	TotalCents     int64 `json:"total_cents"`
}

// Project is a map-anchored community project. Geohash is derived from
// (Lat, Lng); any location update recomputes it.
type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description *string        `json:"description,omitempty"`
	Status      ProjectStatus  `json:"status"`
	Lat         float64        `json:"lat"`
	Lng         float64        `json:"lng"`
	Geohash     string         `json:"geohash"`
	Heading     *float64       `json:"heading,omitempty"`
	Pitch       *float64       `json:"pitch,omitempty"`
	Zoom        *float64       `json:"zoom,omitempty"`
	CreatedBy   string         `json:"created_by"`
	UpdatedBy   string         `json:"updated_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Cost        *CostBreakdown `json:"cost_breakdown,omitempty"`
}

// ProjectImage is an image attached to a project, optionally AI-analyzed.
type ProjectImage struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	URL       string          `json:"url"`
	Analysis  json.RawMessage `json:"analysis,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProjectSuggestion is an AI-generated improvement suggestion for a project.
type ProjectSuggestion struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ContributionKind distinguishes funding from social contributions.
type ContributionKind string

const (
	ContributionFunding ContributionKind = "funding"
	ContributionSocial  ContributionKind = "social"
)

// ProjectContribution is an append-only contribution record, deduplicated by ID.
type ProjectContribution struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	UserID      string           `json:"user_id"`
	Kind        ContributionKind `json:"kind"`
	AmountCents *int64           `json:"amount_cents,omitempty"`
	Message     *string          `json:"message,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// TopContributor is a grouped funding total for one user.
type TopContributor struct {
	UserID      string    `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	FirstAt     time.Time `json:"first_at"`
}

// ContributionSummary is the deterministic rollup embedded in every
// projectData fan-out. Recomputed on read; never cached.
type ContributionSummary struct {
	TotalAmountCents    int64                 `json:"total_amount_cents"`
	ContributorCount    int                   `json:"contributor_count"`
	TopContributors     []TopContributor      `json:"top_contributors"`
	RecentContributions []ProjectContribution `json:"recent_contributions"`
}

// ProjectSnapshot is the full current state of a project as delivered to
// subscribers on any mutation and at subscription time.
type ProjectSnapshot struct {
	Project       Project             `json:"project"`
	Images        []ProjectImage      `json:"images"`
	Suggestions   []ProjectSuggestion `json:"suggestions"`
	Contributions ContributionSummary `json:"contributions"`
}

// Cluster aggregates distant projects into a single map marker. Geohash is
// the shared prefix of the clustered projects, Lat/Lng their centroid.
type Cluster struct {
	Geohash string  `json:"geohash"`
	Count   int     `json:"count"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// User is the minimal profile served by the avatar/name cache proxy.
type User struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}
