package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"machines/internal/session"

	"github.com/go-pg/pg/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ session.SessionRepository = (*Repository)(nil)

// Repository persists sessions in Postgres with a redis read-through cache.
// Merge-updates run read-merge-write inside a transaction with the row
// locked, so a status poll racing a lifecycle write can never produce a lost
// update.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{db: db, redis: redis}
}

func (r *Repository) Create(ctx context.Context, sess *session.Session) error {
	if _, err := r.db.ModelContext(ctx, toModel(sess)).Insert(); err != nil {
		return err
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*session.Session, error) {
	if r.redis != nil {
		if val, err := r.redis.Get(ctx, sessionCacheKey(id)).Result(); err == nil {
			var cached session.Session
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return &cached, nil
			}
		}
	}

	m := &SessionModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}

	sess := toDomain(m)
	r.cacheSet(ctx, sess)
	return sess, nil
}

func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*session.Session, error) {
	m := &SessionModel{}
	err := r.db.ModelContext(ctx, m).Where("external_id = ?", externalID).Select()
	if err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return toDomain(m), nil
}

func (r *Repository) UpdateProvisioned(ctx context.Context, id, externalID string, leaseInfo session.LeaseInfo, expiresAt time.Time) error {
	res, err := r.db.ModelContext(ctx, &SessionModel{}).
		Set("external_id = ?", externalID).
		Set("lease = ?", leaseInfo).
		Set("expires_at = ?", expiresAt).
		Set("status = ?", session.StatusProvisioning).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return session.ErrSessionNotFound
	}

	r.cacheInvalidate(ctx, id)
	return nil
}

func (r *Repository) MergeDetails(ctx context.Context, id string, patch session.DetailsPatch) (*session.Session, error) {
	var merged *session.Session

	err := r.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		m := &SessionModel{ID: id}
		if err := tx.ModelContext(ctx, m).WherePK().For("UPDATE").Select(); err != nil {
			if errors.Is(err, pg.ErrNoRows) {
				return session.ErrSessionNotFound
			}
			return err
		}

		sess := toDomain(m)
		sess.ApplyPatch(patch)
		merged = sess

		_, err := tx.ModelContext(ctx, toModel(sess)).WherePK().Update()
		return err
	})
	if err != nil {
		return nil, err
	}

	r.cacheInvalidate(ctx, id)
	return merged, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ModelContext(ctx, &SessionModel{}).
		Set("status = ?", session.StatusFailed).
		Set("failure_reason = ?", reason).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status NOT IN (?)", pg.In([]session.Status{session.StatusTerminated, session.StatusFailed})).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		// Already terminal, or gone. Terminal states never regress.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}

	r.cacheInvalidate(ctx, id)
	return nil
}

func (r *Repository) MarkTerminated(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ModelContext(ctx, &SessionModel{}).
		Set("status = ?", session.StatusTerminated).
		Set("terminated_at = ?", at).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status NOT IN (?)", pg.In([]session.Status{session.StatusTerminated, session.StatusFailed})).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return nil
	}

	r.cacheInvalidate(ctx, id)
	return nil
}

func (r *Repository) Archive(ctx context.Context, id string) error {
	err := r.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		m := &SessionModel{ID: id}
		if err := tx.ModelContext(ctx, m).WherePK().For("UPDATE").Select(); err != nil {
			if errors.Is(err, pg.ErrNoRows) {
				// Already archived; Archive is idempotent.
				return nil
			}
			return err
		}

		hist := &HistoryModel{
			ID:            uuid.New().String(),
			SessionID:     m.ID,
			OwnerID:       m.OwnerID,
			MachineTypeID: m.MachineTypeID,
			ExternalID:    m.ExternalID,
			FinalStatus:   m.Status,
			Diagnostics:   m.Diagnostics,
			StartedAt:     m.StartedAt,
			ExpiresAt:     m.ExpiresAt,
			TerminatedAt:  m.TerminatedAt,
		}
		if _, err := tx.ModelContext(ctx, hist).Insert(); err != nil {
			return err
		}

		_, err := tx.ModelContext(ctx, m).WherePK().Delete()
		return err
	})
	if err != nil {
		return err
	}

	r.cacheInvalidate(ctx, id)
	return nil
}

func (r *Repository) ListActiveByOwner(ctx context.Context, ownerID string) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("owner_id = ?", ownerID).
		Where("status != ?", session.StatusTerminated).
		Order("started_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	sessions := make([]*session.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, toDomain(&models[i]))
	}
	return sessions, nil
}

func (r *Repository) ListByStatus(ctx context.Context, statuses []session.Status) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("status IN (?)", pg.In(statuses)).
		Order("started_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	sessions := make([]*session.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, toDomain(&models[i]))
	}
	return sessions, nil
}

func (r *Repository) ListHistoryByOwner(ctx context.Context, ownerID string) ([]*session.History, error) {
	var models []HistoryModel
	err := r.db.ModelContext(ctx, &models).
		Where("owner_id = ?", ownerID).
		Order("terminated_at DESC").
		Limit(50).
		Select()
	if err != nil {
		return nil, err
	}

	out := make([]*session.History, 0, len(models))
	for i := range models {
		out = append(out, historyToDomain(&models[i]))
	}
	return out, nil
}

func (r *Repository) cacheSet(ctx context.Context, sess *session.Session) {
	if r.redis == nil {
		return
	}
	if b, err := json.Marshal(sess); err == nil {
		_ = r.redis.Set(ctx, sessionCacheKey(sess.ID), b, sessionCacheTTL).Err()
	}
}

func (r *Repository) cacheInvalidate(ctx context.Context, id string) {
	if r.redis == nil {
		return
	}
	_ = r.redis.Del(ctx, sessionCacheKey(id)).Err()
}
