package controlplane

import (
	"context"
	"fmt"
	"sync"
)

var _ ControlPlane = (*Fake)(nil)

// Fake is a deterministic in-memory control plane. It backs the "fake"
// driver for local development and is the substitute used throughout the
// unit tests: each operation can be overridden per test through its Func
// field, and every call is recorded.
type Fake struct {
	mu sync.Mutex

	RequestMachineFunc func(ctx context.Context, ownerID, machineTypeID string) (*Lease, error)
	GetStatusFunc      func(ctx context.Context, sessionID string) (*Status, error)
	ReleaseFunc        func(ctx context.Context, sessionID string) error
	ExecuteCommandFunc func(ctx context.Context, sessionID, command string) (*ExecResult, error)
	FetchVPNConfigFunc func(ctx context.Context, sessionID string) (string, error)

	requests     int
	statusChecks []string
	releases     []string
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) RequestMachine(ctx context.Context, ownerID, machineTypeID string) (*Lease, error) {
	if ownerID == "" || machineTypeID == "" {
		return nil, fmt.Errorf("%w: owner id and machine type id required", ErrInvalidArgument)
	}

	f.mu.Lock()
	f.requests++
	n := f.requests
	fn := f.RequestMachineFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, ownerID, machineTypeID)
	}
	return &Lease{
		SessionID:    fmt.Sprintf("cp-%s-%d", machineTypeID, n),
		Address:      "127.0.0.1",
		SSHPort:      2222,
		Credentials:  Credentials{Username: "student", Password: "training"},
		LeaseSeconds: 7200,
	}, nil
}

func (f *Fake) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	f.mu.Lock()
	f.statusChecks = append(f.statusChecks, sessionID)
	fn := f.GetStatusFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID)
	}
	return &Status{Alive: true}, nil
}

func (f *Fake) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	f.mu.Lock()
	f.releases = append(f.releases, sessionID)
	fn := f.ReleaseFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID)
	}
	return nil
}

func (f *Fake) ExecuteCommand(ctx context.Context, sessionID, command string) (*ExecResult, error) {
	if sessionID == "" || command == "" {
		return nil, fmt.Errorf("%w: session id and command required", ErrInvalidArgument)
	}

	f.mu.Lock()
	fn := f.ExecuteCommandFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID, command)
	}
	return &ExecResult{Success: true, Output: ""}, nil
}

func (f *Fake) FetchVPNConfig(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	f.mu.Lock()
	fn := f.FetchVPNConfigFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID)
	}
	return "", ErrVPNUnavailable
}

// Requests returns how many provisioning calls the fake has served.
func (f *Fake) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// StatusChecks returns the session ids status was checked for, in order.
func (f *Fake) StatusChecks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statusChecks...)
}

// Releases returns the session ids released, in order.
func (f *Fake) Releases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.releases...)
}
