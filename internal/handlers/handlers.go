// Package handlers dispatches inbound socket events to the registry, the
// project store and the fan-out engine, and serves the relay's HTTP API.
package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"parkbeat/internal/cleanup"
	"parkbeat/internal/events"
	"parkbeat/internal/fanout"
	"parkbeat/internal/jobs"
	"parkbeat/internal/registry"
	"parkbeat/internal/rooms"
	"parkbeat/internal/socket"
	"parkbeat/internal/store"
	"parkbeat/pkg/geo"
	"parkbeat/pkg/logging"
	"parkbeat/pkg/models"
)

const snapshotTimeout = 5 * time.Second

// RelayHandlers glues the socket hub to the shared state. One instance
// serves every connection; all state lives in the registry and the store.
type RelayHandlers struct {
	hub      *socket.Hub
	registry *registry.Registry
	store    *store.ProjectStore
	engine   *fanout.Engine
	cleanup  *cleanup.Pipeline
	jobs     *jobs.Runner
	logger   logging.Logger
}

// New creates the relay handlers.
func New(hub *socket.Hub, reg *registry.Registry, st *store.ProjectStore, engine *fanout.Engine, pipeline *cleanup.Pipeline, runner *jobs.Runner, logger logging.Logger) *RelayHandlers {
	return &RelayHandlers{
		hub:      hub,
		registry: reg,
		store:    st,
		engine:   engine,
		cleanup:  pipeline,
		jobs:     runner,
		logger:   logger,
	}
}

// HandleEvent dispatches one decoded inbound event. Runs in the
// connection's read task, so events from one socket are handled in order.
func (h *RelayHandlers) HandleEvent(ctx context.Context, conn *socket.Conn, env events.Envelope) {
	switch env.Event {
	case events.Ping:
		h.handlePing(ctx, conn)
	case events.Subscribe:
		h.handleSubscribe(ctx, conn, env)
	case events.SubscribeProject:
		h.handleSubscribeProject(ctx, conn, env)
	case events.SetProject:
		h.handleSetProject(ctx, conn, env)
	case events.DeleteProject:
		h.handleDeleteProject(ctx, conn, env)
	case events.AddContribution:
		h.handleAddContribution(ctx, conn, env)
	case events.ValidateImage:
		h.handleValidateImage(conn, env)
	}
}

// handlePing refreshes last_seen for every subscribed room and answers
// with pong. The per-room heartbeat ticker picks up the new ping time.
func (h *RelayHandlers) handlePing(ctx context.Context, conn *socket.Conn) {
	now := time.Now()
	if _, err := h.registry.Touch(ctx, conn.ID()); err != nil {
		h.logger.WithError(err).WithField("socket_id", conn.ID()).Warn("Failed to refresh subscriptions on ping")
	}
	conn.MarkPing(now)
	if err := conn.SendEvent(events.Envelope{Event: events.Pong}); err != nil {
		h.logger.WithError(err).WithField("socket_id", conn.ID()).Debug("Failed to answer ping")
	}
}

func (h *RelayHandlers) handleSubscribe(ctx context.Context, conn *socket.Conn, env events.Envelope) {
	var req events.SubscribePayload
	if err := env.DecodeInto(&req); err != nil {
		h.dropMalformed(conn, env, err)
		return
	}
	prefix := strings.ToLower(strings.TrimSpace(req.Geohash))
	if !geo.Valid(prefix) {
		h.emitError(conn, "invalid-geohash", "geohash must be non-empty base32")
		return
	}
	room := rooms.Geohash(prefix)

	if !req.ShouldSubscribe {
		conn.LeaveRoom(room.String())
		if err := h.registry.Unsubscribe(ctx, conn.ID(), room); err != nil {
			h.logger.WithError(err).WithField("socket_id", conn.ID()).Warn("Unsubscribe failed")
		}
		return
	}

	conn.JoinRoom(room.String())
	if err := h.registry.Subscribe(ctx, conn.ID(), room); err != nil {
		conn.LeaveRoom(room.String())
		h.emitError(conn, "storage", "subscription could not be recorded")
		return
	}

	// The snapshot answers on the same socket; abort if it closes mid-query.
	snapCtx, cancel := context.WithTimeout(conn.Context(), snapshotTimeout)
	defer cancel()

	tuple, err := h.geohashSnapshot(snapCtx, prefix)
	if err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"socket_id": conn.ID(),
			"geohash":   prefix,
		}).Error("Snapshot query failed")
		h.emitError(conn, "storage", "snapshot unavailable")
		return
	}
	snapEnv, err := events.New(events.Subscribe, tuple)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode snapshot")
		return
	}
	if err := conn.SendEvent(snapEnv); err != nil {
		h.logger.WithError(err).WithField("socket_id", conn.ID()).Debug("Failed to deliver snapshot")
	}
}

func (h *RelayHandlers) geohashSnapshot(ctx context.Context, prefix string) (events.SnapshotTuple, error) {
	var (
		projects []models.Project
		err      error
	)
	if err = h.withRetry(func() error {
		projects, err = h.store.QueryByGeohashPrefix(ctx, prefix)
		return err
	}); err != nil {
		return events.SnapshotTuple{}, err
	}
	snapshots, err := h.store.Snapshots(ctx, projects)
	if err != nil {
		return events.SnapshotTuple{}, err
	}
	return events.SnapshotTuple{
		Geohash:  prefix,
		Projects: snapshots,
		Groups:   store.Clusters(prefix, projects),
	}, nil
}

func (h *RelayHandlers) handleSubscribeProject(ctx context.Context, conn *socket.Conn, env events.Envelope) {
	var req events.SubscribeProjectPayload
	if err := env.DecodeInto(&req); err != nil {
		h.dropMalformed(conn, env, err)
		return
	}
	if req.ProjectID == "" {
		h.emitError(conn, "invalid-project", "projectId is required")
		return
	}
	room := rooms.Project(req.ProjectID)

	if !req.ShouldSubscribe {
		conn.LeaveRoom(room.String())
		if err := h.registry.Unsubscribe(ctx, conn.ID(), room); err != nil {
			h.logger.WithError(err).WithField("socket_id", conn.ID()).Warn("Unsubscribe failed")
		}
		return
	}

	conn.JoinRoom(room.String())
	if err := h.registry.Subscribe(ctx, conn.ID(), room); err != nil {
		conn.LeaveRoom(room.String())
		h.emitError(conn, "storage", "subscription could not be recorded")
		return
	}

	snapCtx, cancel := context.WithTimeout(conn.Context(), snapshotTimeout)
	defer cancel()
	h.sendProjectData(snapCtx, conn, req.ProjectID)
}

func (h *RelayHandlers) sendProjectData(ctx context.Context, conn *socket.Conn, projectID string) {
	var snap models.ProjectSnapshot
	err := h.withRetry(func() error {
		var serr error
		snap, serr = h.store.Snapshot(ctx, projectID)
		return serr
	})
	if errors.Is(err, store.ErrNotFound) {
		// A subscription may precede the project's first write; the
		// projectData fan-out catches the socket up when it lands.
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("project_id", projectID).Error("Project snapshot failed")
		h.emitError(conn, "storage", "snapshot unavailable")
		return
	}
	env, err := events.New(events.ProjectData, events.ProjectDataPayload{ProjectID: projectID, Data: snap})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode project data")
		return
	}
	if err := conn.SendEvent(env); err != nil {
		h.logger.WithError(err).WithField("socket_id", conn.ID()).Debug("Failed to deliver project data")
	}
}

func (h *RelayHandlers) handleSetProject(ctx context.Context, conn *socket.Conn, env events.Envelope) {
	var req events.SetProjectPayload
	if err := env.DecodeInto(&req); err != nil {
		h.dropMalformed(conn, env, err)
		return
	}
	if req.ID == "" || req.Name == "" {
		h.emitError(conn, "invalid-project", "id and name are required")
		return
	}

	project := models.Project{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
		Lat:         req.Lat,
		Lng:         req.Lng,
		Heading:     req.Heading,
		Pitch:       req.Pitch,
		Zoom:        req.Zoom,
		Cost:        req.Cost,
	}

	var stored models.Project
	err := h.withRetry(func() error {
		var serr error
		stored, serr = h.store.UpsertProject(ctx, project, conn.UserID())
		return serr
	})
	if err != nil {
		h.emitStoreError(conn, err)
		return
	}

	snap, err := h.store.Snapshot(ctx, stored.ID)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", stored.ID).Error("Post-write snapshot failed")
		h.emitError(conn, "storage", "snapshot unavailable")
		return
	}
	payload := events.ProjectDataPayload{ProjectID: stored.ID, Data: snap}

	// Map viewers learn about the project through the prefix walk; the
	// writer already holds the state and is excluded.
	newEnv, err := events.New(events.NewProject, payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode newProject")
		return
	}
	if _, err := h.engine.FanOutGeohash(ctx, stored.Geohash, newEnv, conn.ID()); err != nil {
		h.logger.WithError(err).WithField("project_id", stored.ID).Error("newProject fan-out failed")
	}

	dataEnv, err := events.New(events.ProjectData, payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode projectData")
		return
	}
	if _, err := h.engine.FanOutProject(ctx, stored.ID, dataEnv); err != nil {
		h.logger.WithError(err).WithField("project_id", stored.ID).Error("projectData fan-out failed")
	}
}

func (h *RelayHandlers) handleDeleteProject(ctx context.Context, conn *socket.Conn, env events.Envelope) {
	var req events.DeleteProjectPayload
	if err := env.DecodeInto(&req); err != nil {
		h.dropMalformed(conn, env, err)
		return
	}
	if req.ID == "" {
		h.emitError(conn, "invalid-project", "id is required")
		return
	}

	var previous models.Project
	err := h.withRetry(func() error {
		var serr error
		previous, serr = h.store.DeleteProject(ctx, req.ID, conn.UserID())
		return serr
	})
	if err != nil {
		h.emitStoreError(conn, err)
		return
	}

	// The walk uses the geohash stored before deletion; the new position of
	// a moved project never matters here.
	delEnv, err := events.New(events.DeleteProject, events.DeleteProjectPayload{ID: req.ID})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode deleteProject")
		return
	}
	if _, err := h.engine.FanOutGeohash(ctx, previous.Geohash, delEnv, conn.ID()); err != nil {
		h.logger.WithError(err).WithField("project_id", req.ID).Error("deleteProject fan-out failed")
	}
	if _, err := h.engine.FanOutProject(ctx, req.ID, delEnv, conn.ID()); err != nil {
		h.logger.WithError(err).WithField("project_id", req.ID).Error("deleteProject project-room fan-out failed")
	}
}

func (h *RelayHandlers) handleAddContribution(ctx context.Context, conn *socket.Conn, env events.Envelope) {
	var req events.AddContributionPayload
	if err := env.DecodeInto(&req); err != nil {
		h.dropMalformed(conn, env, err)
		return
	}
	if req.ID == "" || req.ProjectID == "" || req.UserID == "" {
		h.emitError(conn, "invalid-contribution", "id, project_id and user_id are required")
		return
	}

	contribution := models.ProjectContribution{
		ID:          req.ID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		AmountCents: req.AmountCents,
		Message:     req.Message,
	}
	err := h.withRetry(func() error {
		_, serr := h.store.AddContribution(ctx, contribution)
		return serr
	})
	if err != nil {
		h.emitStoreError(conn, err)
		return
	}

	project, err := h.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		h.emitStoreError(conn, err)
		return
	}
	snap, err := h.store.Snapshot(ctx, project.ID)
	if err != nil {
		h.logger.WithError(err).WithField("project_id", project.ID).Error("Post-contribution snapshot failed")
		h.emitError(conn, "storage", "snapshot unavailable")
		return
	}
	dataEnv, err := events.New(events.ProjectData, events.ProjectDataPayload{ProjectID: project.ID, Data: snap})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode projectData")
		return
	}
	// Both map viewers and project watchers see the new totals; the union
	// guarantees a socket in both audiences gets one frame.
	if _, err := h.engine.FanOutUnion(ctx, project.Geohash, project.ID, dataEnv); err != nil {
		h.logger.WithError(err).WithField("project_id", project.ID).Error("Contribution fan-out failed")
	}
}

func (h *RelayHandlers) handleValidateImage(conn *socket.Conn, env events.Envelope) {
	var req events.ValidateImagePayload
	if err := env.DecodeInto(&req); err != nil {
		h.dropMalformed(conn, env, err)
		return
	}
	if req.ProjectID == "" {
		h.emitError(conn, "invalid-request", "projectId is required")
		return
	}
	if err := h.jobs.EnqueueValidateImage(req); err != nil {
		h.logger.WithError(err).WithField("project_id", req.ProjectID).Warn("Rejecting validation request")
		h.emitError(conn, "overloaded", "validation queue full, try again")
	}
}

// withRetry runs op, retrying once on transient failure. Business errors
// are never retried.
func (h *RelayHandlers) withRetry(op func() error) error {
	err := op()
	if err == nil || isBusinessError(err) {
		return err
	}
	return op()
}

func isBusinessError(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrNotAuthorized) ||
		errors.Is(err, store.ErrActiveProject)
}

// emitStoreError maps a store failure to the error event. Business errors
// carry their own code; everything else reports as storage.
func (h *RelayHandlers) emitStoreError(conn *socket.Conn, err error) {
	switch {
	case isBusinessError(err):
		h.emitError(conn, err.Error(), err.Error())
	default:
		h.logger.WithError(err).WithField("socket_id", conn.ID()).Error("Store operation failed")
		h.emitError(conn, "storage", "operation failed")
	}
}

func (h *RelayHandlers) emitError(conn *socket.Conn, code, message string) {
	env := events.MustNew(events.Error, events.ErrorPayload{Code: code, Message: message})
	if err := conn.SendEvent(env); err != nil {
		h.logger.WithError(err).WithField("socket_id", conn.ID()).Debug("Failed to deliver error event")
	}
}

func (h *RelayHandlers) dropMalformed(conn *socket.Conn, env events.Envelope, err error) {
	h.logger.WithError(err).WithFields(logging.Fields{
		"socket_id": conn.ID(),
		"event":     env.Event,
	}).Warn("Dropping event with malformed payload")
}
