package controlplane

import "errors"

var (
	// ErrProvisionFailed covers every way a provisioning request can
	// fail: business rejection, transport error, or a response that
	// does not validate.
	ErrProvisionFailed = errors.New("provision failed")

	// ErrStatusUnknown means a status check could not be completed.
	// Callers must not infer machine death from it.
	ErrStatusUnknown = errors.New("machine status unknown")

	ErrReleaseFailed = errors.New("release failed")

	ErrVPNUnavailable = errors.New("vpn profile unavailable")

	ErrInvalidArgument = errors.New("invalid argument")
)
