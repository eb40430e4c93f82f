package session

import (
	"strings"
	"time"

	"machines/internal/controlplane"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested    Status = "requested"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// Provisioned reports whether the control plane has accepted the session.
// Only sessions in this window count toward the active-sessions gauge.
func (s Status) Provisioned() bool {
	return s == StatusProvisioning || s == StatusRunning
}

// PlaceholderPrefix marks a locally generated external id. The control
// plane has not accepted the request yet, so no status check may ever be
// issued against an id carrying this prefix.
const PlaceholderPrefix = "pending-"

func NewPlaceholderExternalID() string {
	return PlaceholderPrefix + uuid.New().String()
}

// LeaseInfo carries everything a learner needs to reach their machine.
// Populated once the control plane accepts the request; the credentials are
// not guaranteed valid after termination.
type LeaseInfo struct {
	Address      string `json:"address,omitempty"`
	SSHPort      int    `json:"ssh_port,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	SSHCommand   string `json:"ssh_command,omitempty"`
	VPNAvailable bool   `json:"vpn_available,omitempty"`
	VPNConfig    string `json:"vpn_config,omitempty"`
}

// Diagnostics is the append-only record of what polling has discovered on
// the machine so far.
type Diagnostics struct {
	Services        []controlplane.ServiceInfo       `json:"services,omitempty"`
	Vulnerabilities []controlplane.VulnerabilityInfo `json:"vulnerabilities,omitempty"`
}

// Session is one requested machine instance. ID is the internal durable
// identity; ExternalID is the control plane's identity once provisioning is
// accepted (a placeholder before that).
type Session struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	MachineTypeID string      `json:"machine_type_id"`
	ExternalID    string      `json:"external_id"`
	Status        Status      `json:"status"`
	Lease         LeaseInfo   `json:"lease"`
	Diagnostics   Diagnostics `json:"diagnostics"`
	FailureReason string      `json:"failure_reason,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	TerminatedAt  time.Time   `json:"terminated_at,omitzero"`
}

// Placeholder reports whether the session is still waiting for the control
// plane to assign its real identity.
func (s *Session) Placeholder() bool {
	return strings.HasPrefix(s.ExternalID, PlaceholderPrefix)
}

// History is the append-only record written when a session leaves the
// active table.
type History struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id"`
	OwnerID       string      `json:"owner_id"`
	MachineTypeID string      `json:"machine_type_id"`
	ExternalID    string      `json:"external_id"`
	FinalStatus   Status      `json:"final_status"`
	Diagnostics   Diagnostics `json:"diagnostics"`
	StartedAt     time.Time   `json:"started_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	TerminatedAt  time.Time   `json:"terminated_at"`
}

// DetailsPatch is a merge-update: only the fields present are applied, and
// diagnostics are merged entry-wise, never replaced wholesale. Status may
// only promote a non-terminal session (Provisioning to Running); terminal
// transitions go through the overwrite primitives instead.
type DetailsPatch struct {
	Status          *Status
	Lease           *LeaseInfo
	Services        []controlplane.ServiceInfo
	Vulnerabilities []controlplane.VulnerabilityInfo
}

const TaskMachineConfirm = "machine:confirm"

// ConfirmPayload schedules the post-provision aliveness check.
type ConfirmPayload struct {
	SessionID  string `json:"session_id"`
	ExternalID string `json:"external_id"`
}

// ConfirmTaskID keys the deferred confirm task by internal session id so a
// terminate can cancel the pending check.
func ConfirmTaskID(sessionID string) string {
	return TaskMachineConfirm + ":" + sessionID
}
