package session

import (
	"context"
	"log/slog"
	"time"

	"machines/internal/controlplane"
	"machines/internal/lease"
	"machines/internal/monitor"
)

// QueryService is the read path for "my active machines". Listing is a
// write-through read: each stored session is reconciled against a fresh
// control-plane status check, and drift is corrected in the store before the
// caller sees anything. Callers never get stale cached status, at the cost
// of one control-plane round trip per active session.
type QueryService struct {
	plane  controlplane.ControlPlane
	repo   SessionRepository
	logger *slog.Logger
}

func NewQueryService(plane controlplane.ControlPlane, repo SessionRepository, logger *slog.Logger) *QueryService {
	return &QueryService{
		plane:  plane,
		repo:   repo,
		logger: logger.With("component", "session-query"),
	}
}

// ListActive returns the owner's non-terminated sessions, current as of now.
//
// Reconciliation rules, per session:
//   - expired lease: treated as Terminated, persisted, excluded
//   - placeholder or Failed: returned as stored, no control-plane call
//   - status check errors: stored state left untouched (unknown is not dead)
//   - explicit not-alive: store corrected to Terminated, excluded
//   - alive: diagnostics merged, Provisioning promoted to Running
func (q *QueryService) ListActive(ctx context.Context, ownerID string) ([]*Session, error) {
	stored, err := q.repo.ListActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*Session, 0, len(stored))

	for _, sess := range stored {
		if sess.Status.Terminal() {
			if sess.Status == StatusFailed {
				out = append(out, sess)
			}
			continue
		}

		if lease.Expired(sess.ExpiresAt, now) {
			q.expire(ctx, sess)
			continue
		}

		if sess.Placeholder() {
			// No status check may be issued against a placeholder.
			out = append(out, sess)
			continue
		}

		st, err := q.plane.GetStatus(ctx, sess.ExternalID)
		if err != nil {
			// Ambiguous: the check failed, the machine may well be
			// fine. Report what we know and let the next pass retry.
			q.logger.Debug("Status check failed, leaving session unchanged",
				"session_id", sess.ID, "error", err)
			out = append(out, sess)
			continue
		}

		if !st.Alive {
			q.logger.Info("Control plane reports machine gone, correcting store",
				"session_id", sess.ID, "external_id", sess.ExternalID)
			if err := q.repo.MarkTerminated(ctx, sess.ID, now); err != nil {
				q.logger.Error("Failed to persist drift correction",
					"session_id", sess.ID, "error", err)
				out = append(out, sess)
				continue
			}
			monitor.ReconcileCorrections.Inc()
			monitor.SessionsActive.Dec()
			continue
		}

		patch := DetailsPatch{
			Services:        st.Services,
			Vulnerabilities: st.Vulnerabilities,
		}
		if sess.Status == StatusProvisioning {
			running := StatusRunning
			patch.Status = &running
		}

		merged, err := q.repo.MergeDetails(ctx, sess.ID, patch)
		if err != nil {
			q.logger.Warn("Failed to merge status details",
				"session_id", sess.ID, "error", err)
			out = append(out, sess)
			continue
		}
		out = append(out, merged)
	}

	return out, nil
}

// Get returns a single session with the lease-expiry rule applied: a
// non-terminal session whose lease has run out reads as Terminated even
// before the write lands.
func (q *QueryService) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !sess.Status.Terminal() && lease.Expired(sess.ExpiresAt, time.Now()) {
		q.expire(ctx, sess)
	}
	return sess, nil
}

// History returns the owner's archived sessions.
func (q *QueryService) History(ctx context.Context, ownerID string) ([]*History, error) {
	return q.repo.ListHistoryByOwner(ctx, ownerID)
}

// expire applies the on-access expiry transition: reads already treat the
// session as Terminated; persisting it here keeps the store honest even if
// the background sweeper has not come around yet. The upstream release has
// to happen here too: once the row is terminal the sweeper only archives it,
// so a read-path expiry that skipped the release would strand the machine
// forever.
func (q *QueryService) expire(ctx context.Context, sess *Session) {
	if !sess.Placeholder() {
		if err := q.plane.Release(ctx, sess.ExternalID); err != nil {
			q.logger.Warn("Release of expired session failed",
				"session_id", sess.ID, "external_id", sess.ExternalID, "error", err)
		}
	}

	wasProvisioned := sess.Status.Provisioned()
	sess.Status = StatusTerminated
	sess.TerminatedAt = sess.ExpiresAt

	if err := q.repo.MarkTerminated(ctx, sess.ID, sess.ExpiresAt); err != nil {
		q.logger.Warn("Failed to persist lease expiry", "session_id", sess.ID, "error", err)
		return
	}
	if wasProvisioned {
		monitor.SessionsActive.Dec()
	}
	monitor.SessionsTerminated.Inc()
}
