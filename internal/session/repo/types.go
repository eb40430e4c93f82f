package repo

import (
	"time"

	"machines/internal/session"
)

const sessionCacheTTL = 5 * time.Minute

type SessionModel struct {
	tableName struct{} `pg:"machine_sessions"` //nolint:unused

	ID            string              `pg:"id,pk"`
	OwnerID       string              `pg:"owner_id,notnull"`
	MachineTypeID string              `pg:"machine_type_id,notnull"`
	ExternalID    string              `pg:"external_id,notnull"`
	Status        session.Status      `pg:"status,notnull"`
	FailureReason string              `pg:"failure_reason"`
	Lease         session.LeaseInfo   `pg:"lease,type:jsonb"`
	Diagnostics   session.Diagnostics `pg:"diagnostics,type:jsonb"`
	StartedAt     time.Time           `pg:"started_at,notnull"`
	ExpiresAt     time.Time           `pg:"expires_at,notnull"`
	TerminatedAt  time.Time           `pg:"terminated_at"`
	UpdatedAt     time.Time           `pg:"updated_at"`
}

type HistoryModel struct {
	tableName struct{} `pg:"machine_session_history"` //nolint:unused

	ID            string              `pg:"id,pk"`
	SessionID     string              `pg:"session_id,notnull"`
	OwnerID       string              `pg:"owner_id,notnull"`
	MachineTypeID string              `pg:"machine_type_id,notnull"`
	ExternalID    string              `pg:"external_id,notnull"`
	FinalStatus   session.Status      `pg:"final_status,notnull"`
	Diagnostics   session.Diagnostics `pg:"diagnostics,type:jsonb"`
	StartedAt     time.Time           `pg:"started_at,notnull"`
	ExpiresAt     time.Time           `pg:"expires_at"`
	TerminatedAt  time.Time           `pg:"terminated_at"`
}

func sessionCacheKey(id string) string {
	return "machine:session:" + id
}

func toModel(s *session.Session) *SessionModel {
	return &SessionModel{
		ID:            s.ID,
		OwnerID:       s.OwnerID,
		MachineTypeID: s.MachineTypeID,
		ExternalID:    s.ExternalID,
		Status:        s.Status,
		FailureReason: s.FailureReason,
		Lease:         s.Lease,
		Diagnostics:   s.Diagnostics,
		StartedAt:     s.StartedAt,
		ExpiresAt:     s.ExpiresAt,
		TerminatedAt:  s.TerminatedAt,
		UpdatedAt:     time.Now(),
	}
}

func toDomain(m *SessionModel) *session.Session {
	return &session.Session{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		MachineTypeID: m.MachineTypeID,
		ExternalID:    m.ExternalID,
		Status:        m.Status,
		FailureReason: m.FailureReason,
		Lease:         m.Lease,
		Diagnostics:   m.Diagnostics,
		StartedAt:     m.StartedAt,
		ExpiresAt:     m.ExpiresAt,
		TerminatedAt:  m.TerminatedAt,
	}
}

func historyToDomain(m *HistoryModel) *session.History {
	return &session.History{
		ID:            m.ID,
		SessionID:     m.SessionID,
		OwnerID:       m.OwnerID,
		MachineTypeID: m.MachineTypeID,
		ExternalID:    m.ExternalID,
		FinalStatus:   m.FinalStatus,
		Diagnostics:   m.Diagnostics,
		StartedAt:     m.StartedAt,
		ExpiresAt:     m.ExpiresAt,
		TerminatedAt:  m.TerminatedAt,
	}
}
