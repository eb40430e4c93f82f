package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"machines/internal/controlplane"
	"machines/internal/session"
)

func TestCleanerSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("ReclaimsExpiredSessions", func(t *testing.T) {
		repo := newMemRepo()
		fake := controlplane.NewFake()
		c := session.NewCleaner(repo, fake, session.CleanupConfig{Interval: time.Minute}, testLogger())

		expired := seedSession(t, repo, session.StatusRunning, "cp-01-1", time.Now().Add(-time.Minute))
		live := seedSession(t, repo, session.StatusRunning, "cp-01-2", time.Now().Add(time.Hour))

		c.Sweep()

		if _, err := repo.GetByID(ctx, expired.ID); !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("Expired session should be archived, got %v", err)
		}
		h := repo.historyFor(expired.ID)
		if h == nil {
			t.Fatal("Expected history row for expired session")
		}
		if h.FinalStatus != session.StatusTerminated {
			t.Errorf("Expected final status terminated, got %s", h.FinalStatus)
		}
		if !h.TerminatedAt.Equal(expired.ExpiresAt) {
			t.Errorf("Termination time should be the lease expiry, got %v", h.TerminatedAt)
		}

		releases := fake.Releases()
		if len(releases) != 1 || releases[0] != "cp-01-1" {
			t.Errorf("Expected upstream release of the expired machine, got %v", releases)
		}

		if _, err := repo.GetByID(ctx, live.ID); err != nil {
			t.Errorf("Live session must survive the sweep: %v", err)
		}
	})

	t.Run("ExpiredPlaceholderNotReleased", func(t *testing.T) {
		repo := newMemRepo()
		fake := controlplane.NewFake()
		c := session.NewCleaner(repo, fake, session.CleanupConfig{}, testLogger())

		sess := seedSession(t, repo, session.StatusRequested, session.NewPlaceholderExternalID(), time.Now().Add(-time.Minute))

		c.Sweep()

		if len(fake.Releases()) != 0 {
			t.Errorf("Placeholder must never be released upstream, got %v", fake.Releases())
		}
		if repo.historyFor(sess.ID) == nil {
			t.Error("Expected expired placeholder to be archived")
		}
	})

	t.Run("ArchivesStrandedTerminalRows", func(t *testing.T) {
		repo := newMemRepo()
		c := session.NewCleaner(repo, controlplane.NewFake(), session.CleanupConfig{}, testLogger())

		// A drift correction marks Terminated but archiving is left to
		// the sweeper.
		sess := seedSession(t, repo, session.StatusTerminated, "cp-01-1", time.Now().Add(time.Hour))
		failed := seedSession(t, repo, session.StatusFailed, "cp-01-2", time.Now().Add(time.Hour))

		c.Sweep()

		if repo.historyFor(sess.ID) == nil {
			t.Error("Expected terminated row to be archived")
		}
		if repo.historyFor(failed.ID) == nil {
			t.Error("Expected failed row to be archived")
		}
	})

	t.Run("ReleaseFailureStillReclaims", func(t *testing.T) {
		repo := newMemRepo()
		fake := controlplane.NewFake()
		fake.ReleaseFunc = func(ctx context.Context, sessionID string) error {
			return controlplane.ErrReleaseFailed
		}
		c := session.NewCleaner(repo, fake, session.CleanupConfig{}, testLogger())

		sess := seedSession(t, repo, session.StatusRunning, "cp-01-1", time.Now().Add(-time.Minute))

		c.Sweep()

		if repo.historyFor(sess.ID) == nil {
			t.Error("Expected reclamation despite release failure")
		}
	})
}
