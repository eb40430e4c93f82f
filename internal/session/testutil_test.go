package session_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"machines/internal/controlplane"
	"machines/internal/eventbus"
	"machines/internal/session"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo is an in-memory SessionRepository with the same merge and
// terminal-guard semantics as the postgres implementation.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	history  []*session.History
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*session.Session)}
}

func cloneSession(s *session.Session) *session.Session {
	c := *s
	c.Diagnostics.Services = append([]controlplane.ServiceInfo(nil), s.Diagnostics.Services...)
	c.Diagnostics.Vulnerabilities = append([]controlplane.VulnerabilityInfo(nil), s.Diagnostics.Vulnerabilities...)
	return &c
}

func (r *memRepo) Create(ctx context.Context, sess *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (r *memRepo) GetByExternalID(ctx context.Context, externalID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.ExternalID == externalID {
			return cloneSession(sess), nil
		}
	}
	return nil, session.ErrSessionNotFound
}

func (r *memRepo) UpdateProvisioned(ctx context.Context, id, externalID string, leaseInfo session.LeaseInfo, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	sess.ExternalID = externalID
	sess.Lease = leaseInfo
	sess.ExpiresAt = expiresAt
	sess.Status = session.StatusProvisioning
	return nil
}

func (r *memRepo) MergeDetails(ctx context.Context, id string, patch session.DetailsPatch) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	sess.ApplyPatch(patch)
	return cloneSession(sess), nil
}

func (r *memRepo) MarkFailed(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = session.StatusFailed
	sess.FailureReason = reason
	return nil
}

func (r *memRepo) MarkTerminated(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = session.StatusTerminated
	sess.TerminatedAt = at
	return nil
}

func (r *memRepo) Archive(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	r.history = append(r.history, &session.History{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		OwnerID:       sess.OwnerID,
		MachineTypeID: sess.MachineTypeID,
		ExternalID:    sess.ExternalID,
		FinalStatus:   sess.Status,
		Diagnostics:   cloneSession(sess).Diagnostics,
		StartedAt:     sess.StartedAt,
		ExpiresAt:     sess.ExpiresAt,
		TerminatedAt:  sess.TerminatedAt,
	})
	delete(r.sessions, id)
	return nil
}

func (r *memRepo) ListActiveByOwner(ctx context.Context, ownerID string) ([]*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, sess := range r.sessions {
		if sess.OwnerID == ownerID && sess.Status != session.StatusTerminated {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (r *memRepo) ListByStatus(ctx context.Context, statuses []session.Status) ([]*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, sess := range r.sessions {
		for _, st := range statuses {
			if sess.Status == st {
				out = append(out, cloneSession(sess))
				break
			}
		}
	}
	return out, nil
}

func (r *memRepo) ListHistoryByOwner(ctx context.Context, ownerID string) ([]*session.History, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.History
	for _, h := range r.history {
		if h.OwnerID == ownerID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *memRepo) historyFor(sessionID string) *session.History {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.history {
		if h.SessionID == sessionID {
			return h
		}
	}
	return nil
}

// memBus records published events.
type memBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func newMemBus() *memBus {
	return &memBus{}
}

func (b *memBus) Publish(ctx context.Context, sessionID string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	b.events = append(b.events, event)
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, sessionID string) (<-chan eventbus.Event, error) {
	ch := make(chan eventbus.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *memBus) typesFor(sessionID string) []eventbus.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []eventbus.EventType
	for _, e := range b.events {
		if e.SessionID == sessionID {
			out = append(out, e.Type)
		}
	}
	return out
}

// newTestManager wires a manager against in-memory collaborators. The asynq
// client points at an unreachable address; enqueue failure is tolerated by
// the manager, so the deferred confirm check simply never fires in unit
// tests.
func newTestManager(t *testing.T, plane controlplane.ControlPlane) (*session.Manager, *memRepo, *memBus) {
	t.Helper()

	repo := newMemRepo()
	bus := newMemBus()
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { queue.Close() })

	mgr := session.NewManager(plane, repo, bus, queue, nil, session.ManagerConfig{
		DefaultLease: 2 * time.Hour,
		ConfirmGrace: time.Second,
	}, testLogger())
	return mgr, repo, bus
}
