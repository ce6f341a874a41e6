package events

import (
	"encoding/json"
	"fmt"

	"parkbeat/pkg/models"
)

// Client → server payloads.

// SubscribePayload toggles a geohash-prefix room subscription.
type SubscribePayload struct {
	Geohash         string `json:"geohash"`
	ShouldSubscribe bool   `json:"shouldSubscribe"`
}

// SubscribeProjectPayload toggles a single-project room subscription.
type SubscribeProjectPayload struct {
	ProjectID       string `json:"projectId"`
	ShouldSubscribe bool   `json:"shouldSubscribe"`
}

// SetProjectPayload is a project upsert without server-owned fields; the
// relay recomputes geohash and timestamps.
type SetProjectPayload struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description *string               `json:"description,omitempty"`
	Status      models.ProjectStatus  `json:"status"`
	Lat         float64               `json:"lat"`
	Lng         float64               `json:"lng"`
	Heading     *float64              `json:"heading,omitempty"`
	Pitch       *float64              `json:"pitch,omitempty"`
	Zoom        *float64              `json:"zoom,omitempty"`
	Cost        *models.CostBreakdown `json:"cost_breakdown,omitempty"`
}

// DeleteProjectPayload identifies a project in delete requests and the
// deleteProject fan-out.
type DeleteProjectPayload struct {
	ID string `json:"id"`
}

// AddContributionPayload appends a contribution, deduplicated by ID.
type AddContributionPayload struct {
	ID          string                  `json:"id"`
	ProjectID   string                  `json:"project_id"`
	UserID      string                  `json:"user_id"`
	Kind        models.ContributionKind `json:"kind"`
	AmountCents *int64                  `json:"amount_cents,omitempty"`
	Message     *string                 `json:"message,omitempty"`
}

// ValidateImagePayload enqueues an asynchronous image validation job.
type ValidateImagePayload struct {
	ProjectID    string `json:"projectId"`
	FundraiserID string `json:"fundraiserId"`
	RequestID    string `json:"requestId"`
	ImageSource  string `json:"imageSource"`
}

// Server → client payloads.

// ProvideSocketIDPayload carries the server-assigned socket id.
type ProvideSocketIDPayload struct {
	ID string `json:"id"`
}

// HeartbeatPayload asserts liveness for one subscribed room.
type HeartbeatPayload struct {
	Room         string `json:"room"`
	LastPingTime int64  `json:"lastPingTime"`
}

// ProjectDataPayload is the full snapshot emitted on any project mutation.
// Clients treat it as idempotent last-write-wins keyed by project id and
// updated_at.
type ProjectDataPayload struct {
	ProjectID string                 `json:"projectId"`
	Data      models.ProjectSnapshot `json:"data"`
}

// ErrorPayload surfaces a business or storage failure to the originating
// socket only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImageValidationPayload is the result of a validateImage job.
type ImageValidationPayload struct {
	ProjectID    string `json:"projectId"`
	FundraiserID string `json:"fundraiserId"`
	RequestID    string `json:"requestId"`
	Valid        bool   `json:"valid"`
	Reason       string `json:"reason,omitempty"`
}

// ImageAnalysisPayload carries an asynchronous AI image analysis result.
type ImageAnalysisPayload struct {
	ProjectID string          `json:"projectId"`
	RequestID string          `json:"requestId"`
	Analysis  json.RawMessage `json:"analysis"`
}

// ProjectVisionPayload carries a generated vision image for a project.
type ProjectVisionPayload struct {
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
	VisionURL string `json:"visionUrl"`
}

// CostEstimatePayload carries an asynchronous cost estimation result.
type CostEstimatePayload struct {
	ProjectID string               `json:"projectId"`
	RequestID string               `json:"requestId"`
	Cost      models.CostBreakdown `json:"cost"`
}

// SnapshotTuple is the initial snapshot answering a subscribe request. On
// the wire it is the three-element array [{geohash}, projects, groups].
type SnapshotTuple struct {
	Geohash  string                   `json:"-"`
	Projects []models.ProjectSnapshot `json:"-"`
	Groups   []models.Cluster         `json:"-"`
}

type snapshotHead struct {
	Geohash string `json:"geohash"`
}

// MarshalJSON renders the wire tuple form.
func (s SnapshotTuple) MarshalJSON() ([]byte, error) {
	projects := s.Projects
	if projects == nil {
		projects = []models.ProjectSnapshot{}
	}
	groups := s.Groups
	if groups == nil {
		groups = []models.Cluster{}
	}
	return json.Marshal([]any{snapshotHead{Geohash: s.Geohash}, projects, groups})
}

// UnmarshalJSON parses the wire tuple form.
func (s *SnapshotTuple) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("snapshot tuple must have 3 elements, got %d", len(parts))
	}
	var head snapshotHead
	if err := json.Unmarshal(parts[0], &head); err != nil {
		return err
	}
	s.Geohash = head.Geohash
	if err := json.Unmarshal(parts[1], &s.Projects); err != nil {
		return err
	}
	return json.Unmarshal(parts[2], &s.Groups)
}
