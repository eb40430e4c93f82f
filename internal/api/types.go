package api

import (
	"time"

	"machines/internal/controlplane"
	"machines/internal/lease"
	"machines/internal/session"
)

type RequestMachineRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	MachineTypeID string `json:"machine_type_id" binding:"required"`
}

type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

type SessionResponse struct {
	ID               string                           `json:"id"`
	MachineTypeID    string                           `json:"machine_type_id"`
	SessionID        string                           `json:"session_id"`
	Status           string                           `json:"status"`
	IPAddress        string                           `json:"ip_address,omitempty"`
	SSHPort          int                              `json:"ssh_port,omitempty"`
	Username         string                           `json:"username,omitempty"`
	Password         string                           `json:"password,omitempty"`
	SSHCommand       string                           `json:"ssh_command,omitempty"`
	VPNAvailable     bool                             `json:"vpn_available"`
	StartedAt        string                           `json:"started_at"`
	ExpiresAt        string                           `json:"expires_at"`
	TerminatedAt     string                           `json:"terminated_at,omitempty"`
	RemainingSeconds int                              `json:"remaining_seconds"`
	Services         []controlplane.ServiceInfo       `json:"services,omitempty"`
	Vulnerabilities  []controlplane.VulnerabilityInfo `json:"vulnerabilities,omitempty"`
	FailureReason    string                           `json:"failure_reason,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type TerminateResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

type CommandResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

type VPNProfileResponse struct {
	Config string `json:"config"`
}

type HistoryEntryResponse struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	MachineTypeID string `json:"machine_type_id"`
	FinalStatus   string `json:"final_status"`
	StartedAt     string `json:"started_at"`
	TerminatedAt  string `json:"terminated_at"`
}

type HistoryListResponse struct {
	History []HistoryEntryResponse `json:"history"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent mirrors eventbus events onto the SSE stream.
type SSEEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:               s.ID,
		MachineTypeID:    s.MachineTypeID,
		SessionID:        s.ExternalID,
		Status:           string(s.Status),
		IPAddress:        s.Lease.Address,
		SSHPort:          s.Lease.SSHPort,
		Username:         s.Lease.Username,
		Password:         s.Lease.Password,
		SSHCommand:       s.Lease.SSHCommand,
		VPNAvailable:     s.Lease.VPNAvailable,
		StartedAt:        formatTime(s.StartedAt),
		ExpiresAt:        formatTime(s.ExpiresAt),
		TerminatedAt:     formatTime(s.TerminatedAt),
		RemainingSeconds: int(lease.Remaining(s.ExpiresAt, time.Now()).Seconds()),
		Services:         s.Diagnostics.Services,
		Vulnerabilities:  s.Diagnostics.Vulnerabilities,
		FailureReason:    s.FailureReason,
	}
}

func toHistoryResponse(h *session.History) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:            h.ID,
		SessionID:     h.SessionID,
		MachineTypeID: h.MachineTypeID,
		FinalStatus:   string(h.FinalStatus),
		StartedAt:     formatTime(h.StartedAt),
		TerminatedAt:  formatTime(h.TerminatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
