package controlplane

import "context"

// ControlPlane is the facade over the external provisioning service. The
// broker never talks to the provisioner except through this interface, which
// lets deployments swap the HTTP backend for the local docker driver or the
// deterministic fake via configuration.
type ControlPlane interface {
	// RequestMachine asks the provisioner for a new instance of the given
	// machine type. A business rejection or an invalid response surfaces
	// as ErrProvisionFailed.
	RequestMachine(ctx context.Context, ownerID, machineTypeID string) (*Lease, error)

	// GetStatus reports whether the instance behind sessionID is alive,
	// along with any discovered services and vulnerabilities. A check
	// that cannot be completed returns ErrStatusUnknown; callers must
	// treat that as "unknown", never as "not alive".
	GetStatus(ctx context.Context, sessionID string) (*Status, error)

	// Release tears down the instance. Best-effort from the caller's
	// perspective; failures surface as ErrReleaseFailed.
	Release(ctx context.Context, sessionID string) error

	// ExecuteCommand runs a command on the instance. Remote command
	// failure is reported through ExecResult.Success, not through the
	// error return.
	ExecuteCommand(ctx context.Context, sessionID, command string) (*ExecResult, error)

	// FetchVPNConfig retrieves the OpenVPN profile for the instance, if
	// the provisioner offers one.
	FetchVPNConfig(ctx context.Context, sessionID string) (string, error)
}
