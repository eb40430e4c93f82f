package session

import (
	"context"
	"log/slog"
	"time"

	"machines/internal/controlplane"
	"machines/internal/lease"
	"machines/internal/monitor"
)

type CleanupConfig struct {
	Interval time.Duration
}

// Cleaner is the background reconciler for wall-clock expiry. Reads already
// treat an expired session as Terminated; the cleaner makes that durable,
// releases the machine upstream best-effort, and archives terminated rows
// that are still sitting in the active table (for example after a query-path
// drift correction).
type Cleaner struct {
	repo   SessionRepository
	plane  controlplane.ControlPlane
	logger *slog.Logger
	config CleanupConfig
	stopCh chan struct{}
}

func NewCleaner(repo SessionRepository, plane controlplane.ControlPlane, config CleanupConfig, logger *slog.Logger) *Cleaner {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Cleaner{
		repo:   repo,
		plane:  plane,
		logger: logger.With("component", "session-cleaner"),
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep loop. Blocking; call in a goroutine.
func (c *Cleaner) Start() {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.logger.Info("Session cleaner started", "interval", c.config.Interval)

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("Session cleaner stopped")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cleaner) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Sweep performs one reconciliation pass.
func (c *Cleaner) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions, err := c.repo.ListByStatus(ctx, []Status{
		StatusRequested,
		StatusProvisioning,
		StatusRunning,
		StatusTerminated,
		StatusFailed,
	})
	if err != nil {
		c.logger.Error("Failed to list sessions for sweep", "error", err)
		return
	}

	now := time.Now()
	expired, archived := 0, 0

	for _, sess := range sessions {
		if sess.Status.Terminal() {
			if err := c.repo.Archive(ctx, sess.ID); err != nil {
				c.logger.Error("Failed to archive session", "session_id", sess.ID, "error", err)
				continue
			}
			archived++
			continue
		}

		if !lease.Expired(sess.ExpiresAt, now) {
			continue
		}

		c.logger.Info("Lease expired, reclaiming session",
			"session_id", sess.ID,
			"status", sess.Status,
			"expired_at", sess.ExpiresAt)

		if !sess.Placeholder() {
			if err := c.plane.Release(ctx, sess.ExternalID); err != nil {
				c.logger.Warn("Release of expired session failed",
					"session_id", sess.ID, "error", err)
			}
		}

		if err := c.repo.MarkTerminated(ctx, sess.ID, sess.ExpiresAt); err != nil {
			c.logger.Error("Failed to persist expiry", "session_id", sess.ID, "error", err)
			continue
		}
		if sess.Status.Provisioned() {
			monitor.SessionsActive.Dec()
		}
		monitor.SessionsTerminated.Inc()
		if err := c.repo.Archive(ctx, sess.ID); err != nil {
			c.logger.Error("Failed to archive expired session", "session_id", sess.ID, "error", err)
			continue
		}
		expired++
	}

	if expired > 0 || archived > 0 {
		c.logger.Info("Sweep completed", "expired", expired, "archived", archived)
	}
}
