package controlplane

// Severity of a discovered vulnerability. The wire contract allows exactly
// these four values; anything else fails response validation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ServiceInfo is a network service discovered on a running machine.
type ServiceInfo struct {
	Name    string `json:"nombre" validate:"required"`
	Port    int    `json:"puerto" validate:"required,gt=0,lte=65535"`
	State   string `json:"estado" validate:"required"`
	Version string `json:"version,omitempty"`
}

// VulnerabilityInfo is a weakness discovered on a running machine.
type VulnerabilityInfo struct {
	Name        string   `json:"nombre" validate:"required"`
	Severity    Severity `json:"severidad" validate:"required,oneof=low medium high critical"`
	Description string   `json:"descripcion,omitempty"`
	CVE         string   `json:"cve,omitempty"`
}

// Credentials is the login pair handed out with a provisioned machine.
type Credentials struct {
	Username string `json:"usuario" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Lease is the validated result of a successful provisioning request.
type Lease struct {
	SessionID    string
	Address      string
	SSHPort      int
	Credentials  Credentials
	LeaseSeconds int
}

// Status is the validated result of a status check.
type Status struct {
	Alive            bool
	RemainingSeconds int
	Services         []ServiceInfo
	Vulnerabilities  []VulnerabilityInfo
}

// ExecResult is the outcome of a remote command. Success=false carries the
// diagnostic text in Output.
type ExecResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Wire shapes of the provisioning API. Field names are the external
// contract and must not change.

type provisionRequest struct {
	OwnerID       string `json:"usuarioId"`
	MachineTypeID string `json:"tipoMaquinaId"`
}

type provisionResponse struct {
	Success      bool         `json:"exito"`
	Message      string       `json:"mensaje"`
	SessionID    string       `json:"sesionId" validate:"required"`
	Address      string       `json:"ipAcceso" validate:"required"`
	SSHPort      int          `json:"puertoSSH" validate:"required,gt=0,lte=65535"`
	Credentials  *Credentials `json:"credenciales" validate:"required"`
	LeaseSeconds int          `json:"tiempoLimite" validate:"required,gt=0"`
}

type statusResponse struct {
	Alive            bool           `json:"activa"`
	Message          string         `json:"mensaje"`
	State            string         `json:"estado"`
	RemainingSeconds int            `json:"tiempoRestante"`
	Details          *statusDetails `json:"detalles"`
}

type statusDetails struct {
	Services        []ServiceInfo       `json:"servicios" validate:"omitempty,dive"`
	Vulnerabilities []VulnerabilityInfo `json:"vulnerabilidades" validate:"omitempty,dive"`
}

type releaseRequest struct {
	SessionID string `json:"sesionId"`
}

type releaseResponse struct {
	Success bool   `json:"exito"`
	Message string `json:"mensaje"`
}

type commandRequest struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

type vpnResponse struct {
	Success bool   `json:"exito"`
	Message string `json:"mensaje"`
	Config  string `json:"config"`
}
