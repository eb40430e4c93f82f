package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"machines/internal/controlplane"
	"machines/internal/eventbus"
	"machines/internal/monitor"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type ManagerConfig struct {
	// DefaultLease is assumed for the placeholder record until the
	// control plane confirms the real lease duration.
	DefaultLease time.Duration
	// ConfirmGrace is how long after a successful provision the deferred
	// aliveness check fires. Provisioning is not instantaneous.
	ConfirmGrace time.Duration
}

// Manager drives the session state machine: Requested -> Provisioning ->
// Running -> Terminated, with Failed reachable from the first two on any
// control-plane error. Every transition is persisted before it is reported;
// no transition lives only in memory.
type Manager struct {
	plane     controlplane.ControlPlane
	repo      SessionRepository
	bus       eventbus.EventBus
	queue     *asynq.Client
	inspector *asynq.Inspector
	cfg       ManagerConfig
	logger    *slog.Logger
}

func NewManager(plane controlplane.ControlPlane, repo SessionRepository, bus eventbus.EventBus,
	queue *asynq.Client, inspector *asynq.Inspector, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = 2 * time.Hour
	}
	if cfg.ConfirmGrace <= 0 {
		cfg.ConfirmGrace = 5 * time.Second
	}

	return &Manager{
		plane:     plane,
		repo:      repo,
		bus:       bus,
		queue:     queue,
		inspector: inspector,
		cfg:       cfg,
		logger:    logger.With("component", "session-manager"),
	}
}

// RequestMachine creates the durable placeholder record first, then asks the
// control plane for an instance. The caller always gets a persisted session
// back, even when provisioning fails outright; in that case its status is
// Failed and FailureReason says why.
func (m *Manager) RequestMachine(ctx context.Context, ownerID, machineTypeID string) (*Session, error) {
	if ownerID == "" || machineTypeID == "" {
		return nil, errors.New("owner id and machine type id required")
	}

	monitor.SessionsRequested.Inc()
	now := time.Now()

	sess := &Session{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		MachineTypeID: machineTypeID,
		ExternalID:    NewPlaceholderExternalID(),
		Status:        StatusRequested,
		StartedAt:     now,
		ExpiresAt:     now.Add(m.cfg.DefaultLease),
	}

	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	m.logger.Info("Placeholder session created",
		"session_id", sess.ID,
		"owner_id", ownerID,
		"machine_type_id", machineTypeID)

	grant, err := m.plane.RequestMachine(ctx, ownerID, machineTypeID)
	if err != nil {
		reason := failureReason(err)
		if mfErr := m.repo.MarkFailed(ctx, sess.ID, reason); mfErr != nil {
			return nil, fmt.Errorf("mark session failed: %w", mfErr)
		}

		sess.Status = StatusFailed
		sess.FailureReason = reason
		monitor.SessionsFailed.Inc()
		m.publish(sess.ID, eventbus.EventMachineFailed, reason)

		m.logger.Warn("Provisioning failed", "session_id", sess.ID, "reason", reason)
		return sess, nil
	}

	leaseInfo := LeaseInfo{
		Address:    grant.Address,
		SSHPort:    grant.SSHPort,
		Username:   grant.Credentials.Username,
		Password:   grant.Credentials.Password,
		SSHCommand: fmt.Sprintf("ssh %s@%s -p %d", grant.Credentials.Username, grant.Address, grant.SSHPort),
	}
	expiresAt := now.Add(time.Duration(grant.LeaseSeconds) * time.Second)

	if err := m.repo.UpdateProvisioned(ctx, sess.ID, grant.SessionID, leaseInfo, expiresAt); err != nil {
		// The instance exists upstream but the upgrade did not persist;
		// the record stays Requested and the cleaner reclaims it on
		// expiry.
		return nil, fmt.Errorf("persist provisioned session: %w", err)
	}

	sess.ExternalID = grant.SessionID
	sess.Status = StatusProvisioning
	sess.Lease = leaseInfo
	sess.ExpiresAt = expiresAt

	monitor.SessionsActive.Inc()
	m.publish(sess.ID, eventbus.EventMachineProvisioning, map[string]string{
		"external_id": grant.SessionID,
		"address":     grant.Address,
	})

	m.scheduleConfirm(sess)

	m.logger.Info("Session provisioning",
		"session_id", sess.ID,
		"external_id", grant.SessionID,
		"expires_at", expiresAt)

	return sess, nil
}

// scheduleConfirm enqueues the deferred aliveness check, keyed by internal
// session id so Terminate can cancel it. Enqueue failure is tolerated: the
// query reconciler promotes the session on its next pass instead.
func (m *Manager) scheduleConfirm(sess *Session) {
	payload, _ := json.Marshal(ConfirmPayload{
		SessionID:  sess.ID,
		ExternalID: sess.ExternalID,
	})

	task := asynq.NewTask(TaskMachineConfirm, payload)
	_, err := m.queue.Enqueue(task,
		asynq.ProcessIn(m.cfg.ConfirmGrace),
		asynq.TaskID(ConfirmTaskID(sess.ID)),
		asynq.MaxRetry(3),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		m.logger.Warn("Failed to schedule confirm check", "session_id", sess.ID, "error", err)
	}
}

// Terminate releases the machine upstream (best-effort), persists the
// terminal transition, and archives the record to history. The lease's
// authoritative end is "we stop treating it as usable", not "the remote side
// definitely tore it down", so a failed release call never blocks
// termination.
func (m *Manager) Terminate(ctx context.Context, id string) error {
	sess, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	// Cancel the pending confirm check if it has not fired yet. The
	// worker's own terminal-state check covers the race where it already
	// has.
	if m.inspector != nil {
		if err := m.inspector.DeleteTask("default", ConfirmTaskID(id)); err != nil &&
			!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			m.logger.Debug("Confirm task cancel", "session_id", id, "error", err)
		}
	}

	if !sess.Placeholder() && sess.Status != StatusFailed {
		if err := m.plane.Release(ctx, sess.ExternalID); err != nil {
			m.logger.Warn("Release call failed, terminating anyway",
				"session_id", id,
				"external_id", sess.ExternalID,
				"error", err)
		}
	}

	if err := m.repo.MarkTerminated(ctx, id, time.Now()); err != nil {
		return fmt.Errorf("persist termination: %w", err)
	}

	if err := m.repo.Archive(ctx, id); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}

	monitor.SessionsTerminated.Inc()
	if sess.Status.Provisioned() {
		monitor.SessionsActive.Dec()
	}
	m.publish(id, eventbus.EventMachineTerminated, nil)

	m.logger.Info("Session terminated", "session_id", id, "external_id", sess.ExternalID)
	return nil
}

// ExecuteCommand runs a command on the machine. Remote failure comes back
// through the result, never through the error return.
func (m *Manager) ExecuteCommand(ctx context.Context, externalID, command string) (*controlplane.ExecResult, error) {
	if externalID == "" || command == "" {
		return nil, errors.New("session id and command required")
	}
	if strings.HasPrefix(externalID, PlaceholderPrefix) {
		return &controlplane.ExecResult{Success: false, Output: "machine is still provisioning"}, nil
	}

	res, err := m.plane.ExecuteCommand(ctx, externalID, command)
	if err != nil {
		return &controlplane.ExecResult{Success: false, Output: failureReason(err)}, nil
	}
	return res, nil
}

// FetchVPNProfile returns the OpenVPN profile for the machine, caching it on
// the session's lease info after the first successful fetch.
func (m *Manager) FetchVPNProfile(ctx context.Context, externalID string) (string, error) {
	if externalID == "" || strings.HasPrefix(externalID, PlaceholderPrefix) {
		return "", controlplane.ErrVPNUnavailable
	}

	sess, getErr := m.repo.GetByExternalID(ctx, externalID)
	if getErr == nil && sess.Lease.VPNConfig != "" {
		return sess.Lease.VPNConfig, nil
	}

	profile, err := m.plane.FetchVPNConfig(ctx, externalID)
	if err != nil {
		return "", err
	}

	if getErr == nil {
		patch := DetailsPatch{Lease: &LeaseInfo{VPNConfig: profile, VPNAvailable: true}}
		if _, err := m.repo.MergeDetails(ctx, sess.ID, patch); err != nil {
			m.logger.Warn("Failed to cache vpn profile", "session_id", sess.ID, "error", err)
		}
	}

	return profile, nil
}

func (m *Manager) publish(sessionID string, typ eventbus.EventType, payload any) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, sessionID, eventbus.Event{Type: typ, Payload: payload}); err != nil {
		m.logger.Debug("Event publish failed", "session_id", sessionID, "type", typ, "error", err)
	}
}

// failureReason reduces a lower-layer error to the short classified string
// users see. Raw transport detail stays in the logs.
func failureReason(err error) string {
	switch {
	case errors.Is(err, controlplane.ErrProvisionFailed),
		errors.Is(err, controlplane.ErrStatusUnknown),
		errors.Is(err, controlplane.ErrReleaseFailed),
		errors.Is(err, controlplane.ErrVPNUnavailable),
		errors.Is(err, controlplane.ErrInvalidArgument):
		return err.Error()
	default:
		return "control plane unavailable"
	}
}
