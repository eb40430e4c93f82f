package controlplane

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"machines/internal/lease"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

var _ ControlPlane = (*DockerPlane)(nil)

type DockerConfig struct {
	// Address is the host learners connect to; the container's SSH port
	// is published on it.
	Address string
	// Images maps machine type ids to the docker images that back them.
	Images map[string]string
	// Capacity caps concurrently provisioned machines.
	Capacity     int
	PortMin      int
	PortMax      int
	LeaseSeconds int
	Username     string
}

type dockerSession struct {
	containerID string
	expiresAt   time.Time
}

// DockerPlane provisions target machines directly on the local docker
// daemon. It exists for self-hosted deployments where running the hosted
// provisioning API would be overkill; the broker sees the exact same
// contract as with the HTTP plane.
type DockerPlane struct {
	cfg    DockerConfig
	client *client.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]dockerSession
}

func NewDockerPlane(cli *client.Client, cfg DockerConfig, logger *slog.Logger) *DockerPlane {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.PortMin <= 0 || cfg.PortMax <= cfg.PortMin {
		cfg.PortMin, cfg.PortMax = 20000, 40000
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = 7200
	}
	if cfg.Username == "" {
		cfg.Username = "hacker"
	}

	return &DockerPlane{
		cfg:      cfg,
		client:   cli,
		logger:   logger.With("component", "controlplane-docker"),
		sessions: make(map[string]dockerSession),
	}
}

func (p *DockerPlane) RequestMachine(ctx context.Context, ownerID, machineTypeID string) (*Lease, error) {
	if ownerID == "" || machineTypeID == "" {
		return nil, fmt.Errorf("%w: owner id and machine type id required", ErrInvalidArgument)
	}

	p.mu.Lock()
	if len(p.sessions) >= p.cfg.Capacity {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no capacity available", ErrProvisionFailed)
	}
	p.mu.Unlock()

	img, ok := p.cfg.Images[machineTypeID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown machine type %q", ErrProvisionFailed, machineTypeID)
	}

	if err := p.ensureImage(ctx, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	sessionID := uuid.New().String()
	hostPort := p.cfg.PortMin + rand.IntN(p.cfg.PortMax-p.cfg.PortMin)
	sshPort := nat.Port("22/tcp")

	resp, err := p.client.ContainerCreate(ctx,
		&container.Config{
			Image:        img,
			ExposedPorts: nat.PortSet{sshPort: struct{}{}},
			Labels: map[string]string{
				"managed_by":      "machine-broker",
				"session_id":      sessionID,
				"owner_id":        ownerID,
				"machine_type_id": machineTypeID,
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				sshPort: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", hostPort)}},
			},
		},
		nil, nil, "target-"+sessionID)
	if err != nil {
		p.logger.Error("Failed to create target container", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		p.logger.Error("Failed to start target container", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	p.mu.Lock()
	p.sessions[sessionID] = dockerSession{
		containerID: resp.ID,
		expiresAt:   time.Now().Add(time.Duration(p.cfg.LeaseSeconds) * time.Second),
	}
	p.mu.Unlock()

	p.logger.Info("Target container provisioned",
		"session_id", sessionID,
		"container_id", resp.ID,
		"ssh_port", hostPort)

	return &Lease{
		SessionID:    sessionID,
		Address:      p.cfg.Address,
		SSHPort:      hostPort,
		Credentials:  Credentials{Username: p.cfg.Username, Password: generatePassword()},
		LeaseSeconds: p.cfg.LeaseSeconds,
	}, nil
}

func (p *DockerPlane) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return &Status{Alive: false}, nil
	}

	inspect, err := p.client.ContainerInspect(ctx, sess.containerID)
	if errdefs.IsNotFound(err) {
		p.forget(sessionID)
		return &Status{Alive: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatusUnknown, err)
	}

	return &Status{
		Alive:            inspect.State != nil && inspect.State.Running,
		RemainingSeconds: int(lease.Remaining(sess.expiresAt, time.Now()).Seconds()),
	}, nil
}

func (p *DockerPlane) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session not found", ErrReleaseFailed)
	}

	stopTimeout := 10
	if err := p.client.ContainerStop(ctx, sess.containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: stop: %v", ErrReleaseFailed, err)
	}
	if err := p.client.ContainerRemove(ctx, sess.containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: remove: %v", ErrReleaseFailed, err)
	}

	p.forget(sessionID)
	p.logger.Info("Target container released", "session_id", sessionID, "container_id", sess.containerID)
	return nil
}

func (p *DockerPlane) ExecuteCommand(ctx context.Context, sessionID, command string) (*ExecResult, error) {
	if sessionID == "" || command == "" {
		return nil, fmt.Errorf("%w: session id and command required", ErrInvalidArgument)
	}

	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return &ExecResult{Success: false, Output: "session not found"}, nil
	}

	created, err := p.client.ContainerExecCreate(ctx, sess.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return &ExecResult{Success: false, Output: err.Error()}, nil
	}

	attach, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return &ExecResult{Success: false, Output: err.Error()}, nil
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return &ExecResult{Success: false, Output: ctx.Err().Error()}, nil
	}

	inspect, err := p.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return &ExecResult{Success: false, Output: err.Error()}, nil
	}

	return &ExecResult{
		Success: inspect.ExitCode == 0,
		Output:  stdout.String() + stderr.String(),
	}, nil
}

func (p *DockerPlane) FetchVPNConfig(ctx context.Context, sessionID string) (string, error) {
	// Machines are reached over the published SSH port; the docker driver
	// has no VPN concentrator.
	return "", ErrVPNUnavailable
}

func (p *DockerPlane) ensureImage(ctx context.Context, img string) error {
	_, err := p.client.ImageInspect(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	p.logger.Info("Image not found, pulling...", "image", img)
	reader, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (p *DockerPlane) forget(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

func generatePassword() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}
