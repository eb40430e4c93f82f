package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"machines/internal/controlplane"
	"machines/internal/eventbus"
	"machines/internal/session"
	"machines/internal/session/worker"

	"github.com/hibiken/asynq"
)

func confirmTask(t *testing.T, sess *session.Session) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(session.ConfirmPayload{
		SessionID:  sess.ID,
		ExternalID: sess.ExternalID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(session.TaskMachineConfirm, payload)
}

func TestConfirmWorker(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	t.Run("PromotesToRunning", func(t *testing.T) {
		repo := newMemRepo()
		bus := newMemBus()
		fake := controlplane.NewFake()
		fake.GetStatusFunc = func(ctx context.Context, sessionID string) (*controlplane.Status, error) {
			return &controlplane.Status{
				Alive:    true,
				Services: []controlplane.ServiceInfo{{Name: "ssh", Port: 22, State: "open"}},
			}, nil
		}
		w := worker.NewConfirmTaskWorker(fake, repo, bus, testLogger())

		sess := seedSession(t, repo, session.StatusProvisioning, "cp-01-1", future)

		if err := w.HandleMachineConfirm(ctx, confirmTask(t, sess)); err != nil {
			t.Fatalf("HandleMachineConfirm failed: %v", err)
		}

		stored, _ := repo.GetByID(ctx, sess.ID)
		if stored.Status != session.StatusRunning {
			t.Errorf("Expected Running, got %s", stored.Status)
		}
		if len(stored.Diagnostics.Services) != 1 {
			t.Errorf("Expected merged diagnostics: %+v", stored.Diagnostics)
		}

		types := bus.typesFor(sess.ID)
		if len(types) != 1 || types[0] != eventbus.EventMachineRunning {
			t.Errorf("Expected running event, got %v", types)
		}
	})

	t.Run("NotAliveFailsSession", func(t *testing.T) {
		repo := newMemRepo()
		bus := newMemBus()
		fake := controlplane.NewFake()
		fake.GetStatusFunc = func(ctx context.Context, sessionID string) (*controlplane.Status, error) {
			return &controlplane.Status{Alive: false}, nil
		}
		w := worker.NewConfirmTaskWorker(fake, repo, bus, testLogger())

		sess := seedSession(t, repo, session.StatusProvisioning, "cp-01-1", future)

		if err := w.HandleMachineConfirm(ctx, confirmTask(t, sess)); err != nil {
			t.Fatalf("HandleMachineConfirm failed: %v", err)
		}

		stored, _ := repo.GetByID(ctx, sess.ID)
		if stored.Status != session.StatusFailed {
			t.Errorf("Expected Failed, got %s", stored.Status)
		}
		if stored.FailureReason == "" {
			t.Error("Expected a failure reason")
		}

		types := bus.typesFor(sess.ID)
		if len(types) != 1 || types[0] != eventbus.EventMachineFailed {
			t.Errorf("Expected failed event, got %v", types)
		}
	})

	t.Run("AmbiguousErrorRetries", func(t *testing.T) {
		repo := newMemRepo()
		fake := controlplane.NewFake()
		fake.GetStatusFunc = func(ctx context.Context, sessionID string) (*controlplane.Status, error) {
			return nil, controlplane.ErrStatusUnknown
		}
		w := worker.NewConfirmTaskWorker(fake, repo, newMemBus(), testLogger())

		sess := seedSession(t, repo, session.StatusProvisioning, "cp-01-1", future)

		err := w.HandleMachineConfirm(ctx, confirmTask(t, sess))
		if err == nil {
			t.Fatal("Expected error so the queue retries")
		}
		if errors.Is(err, asynq.SkipRetry) {
			t.Fatal("Ambiguous check must remain retryable")
		}

		stored, _ := repo.GetByID(ctx, sess.ID)
		if stored.Status != session.StatusProvisioning {
			t.Errorf("Ambiguous check must not change state, got %s", stored.Status)
		}
	})

	t.Run("TerminatedSessionSkipped", func(t *testing.T) {
		repo := newMemRepo()
		fake := controlplane.NewFake()
		w := worker.NewConfirmTaskWorker(fake, repo, newMemBus(), testLogger())

		sess := seedSession(t, repo, session.StatusTerminated, "cp-01-1", future)

		if err := w.HandleMachineConfirm(ctx, confirmTask(t, sess)); err != nil {
			t.Fatalf("Expected nil for terminated session, got %v", err)
		}
		if len(fake.StatusChecks()) != 0 {
			t.Errorf("No status check for a terminated session, got %v", fake.StatusChecks())
		}
	})

	t.Run("ArchivedSessionSkipped", func(t *testing.T) {
		repo := newMemRepo()
		w := worker.NewConfirmTaskWorker(controlplane.NewFake(), repo, newMemBus(), testLogger())

		ghost := &session.Session{ID: "gone", ExternalID: "cp-01-1"}
		if err := w.HandleMachineConfirm(ctx, confirmTask(t, ghost)); err != nil {
			t.Fatalf("Expected nil for archived session, got %v", err)
		}
	})

	t.Run("BadPayloadNotRetried", func(t *testing.T) {
		w := worker.NewConfirmTaskWorker(controlplane.NewFake(), newMemRepo(), newMemBus(), testLogger())

		task := asynq.NewTask(session.TaskMachineConfirm, []byte("{not json"))
		err := w.HandleMachineConfirm(ctx, task)
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("Expected SkipRetry, got %v", err)
		}
	})
}
