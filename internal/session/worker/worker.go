package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"machines/internal/controlplane"
	"machines/internal/eventbus"
	"machines/internal/monitor"
	"machines/internal/session"

	"github.com/hibiken/asynq"
)

var _ ConfirmWorker = (*ConfirmTaskWorker)(nil)

// ConfirmTaskWorker handles the deferred post-provision aliveness check. It
// is deliberately conservative: only an explicit "not alive" answer fails
// the session. A check that itself errors changes nothing and is retried by
// the queue; if retries run out the session stays Provisioning and the query
// reconciler picks it up later.
type ConfirmTaskWorker struct {
	plane  controlplane.ControlPlane
	repo   session.SessionRepository
	bus    eventbus.EventBus
	logger *slog.Logger
}

func NewConfirmTaskWorker(plane controlplane.ControlPlane, repo session.SessionRepository,
	bus eventbus.EventBus, logger *slog.Logger) *ConfirmTaskWorker {
	return &ConfirmTaskWorker{
		plane:  plane,
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "confirm-worker"),
	}
}

func (w *ConfirmTaskWorker) HandleMachineConfirm(ctx context.Context, task *asynq.Task) error {
	var payload session.ConfirmPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal confirm payload", "error", err)
		return fmt.Errorf("json unmarshal error: %w", asynq.SkipRetry)
	}

	sess, err := w.repo.GetByID(ctx, payload.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		// Terminated and archived before the check fired.
		return nil
	}
	if err != nil {
		return err
	}

	// Terminated while the task sat in the queue, or already promoted by
	// a list reconcile. Nothing to confirm.
	if sess.Status.Terminal() || sess.Status == session.StatusRunning {
		return nil
	}

	if sess.Placeholder() {
		w.logger.Warn("Confirm task for placeholder session, skipping",
			"session_id", sess.ID)
		return nil
	}

	st, err := w.plane.GetStatus(ctx, sess.ExternalID)
	if err != nil {
		// Ambiguous. Leave the session as Provisioning and let the
		// queue retry.
		w.logger.Warn("Confirm status check failed",
			"session_id", sess.ID,
			"external_id", sess.ExternalID,
			"error", err)
		return err
	}

	if !st.Alive {
		reason := "control plane reported machine not alive after provisioning"
		if err := w.repo.MarkFailed(ctx, sess.ID, reason); err != nil {
			return err
		}
		monitor.SessionsFailed.Inc()
		monitor.SessionsActive.Dec()
		w.publish(ctx, sess.ID, eventbus.EventMachineFailed, reason)
		w.logger.Warn("Session failed on confirm", "session_id", sess.ID)
		return nil
	}

	running := session.StatusRunning
	patch := session.DetailsPatch{
		Status:          &running,
		Services:        st.Services,
		Vulnerabilities: st.Vulnerabilities,
	}
	if _, err := w.repo.MergeDetails(ctx, sess.ID, patch); err != nil {
		return err
	}

	w.publish(ctx, sess.ID, eventbus.EventMachineRunning, nil)
	w.logger.Info("Session confirmed running",
		"session_id", sess.ID,
		"external_id", sess.ExternalID,
		"services", len(st.Services),
		"vulnerabilities", len(st.Vulnerabilities))
	return nil
}

func (w *ConfirmTaskWorker) publish(ctx context.Context, sessionID string, typ eventbus.EventType, payload any) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, sessionID, eventbus.Event{Type: typ, Payload: payload}); err != nil {
		w.logger.Debug("Event publish failed", "session_id", sessionID, "error", err)
	}
}
