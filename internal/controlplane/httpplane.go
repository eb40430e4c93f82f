package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"machines/internal/monitor"

	"github.com/avast/retry-go/v4"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

var _ ControlPlane = (*HTTPPlane)(nil)

type HTTPConfig struct {
	BaseURL string
	// Timeout bounds lifecycle and status calls. Commands get
	// CommandTimeout, which should be longer since remote command
	// latency is higher and more variable.
	Timeout        time.Duration
	CommandTimeout time.Duration
	RetryAttempts  uint
}

// HTTPPlane talks to the provisioning API over its JSON contract. Every
// response is validated against the expected shape before anything else sees
// it; a response failing validation is handled exactly like a network
// failure. The rate limiter is injected per instance so request pacing never
// leaks between tests or deployments.
type HTTPPlane struct {
	cfg        HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewHTTPPlane(cfg HTTPConfig, limiter *rate.Limiter, logger *slog.Logger) *HTTPPlane {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * cfg.Timeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &HTTPPlane{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    limiter,
		validate:   validator.New(),
		logger:     logger.With("component", "controlplane-http"),
	}
}

func (p *HTTPPlane) RequestMachine(ctx context.Context, ownerID, machineTypeID string) (*Lease, error) {
	if ownerID == "" || machineTypeID == "" {
		return nil, fmt.Errorf("%w: owner id and machine type id required", ErrInvalidArgument)
	}

	start := time.Now()

	// Provisioning is not idempotent, so it is never retried: a timed-out
	// request that actually landed would otherwise double-provision.
	var resp provisionResponse
	if err := p.postJSON(ctx, "/api/maquinas/solicitar", provisionRequest{
		OwnerID:       ownerID,
		MachineTypeID: machineTypeID,
	}, &resp, p.cfg.Timeout); err != nil {
		monitor.ControlPlaneErrors.WithLabelValues("request").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	if !resp.Success {
		monitor.ControlPlaneErrors.WithLabelValues("request").Inc()
		reason := resp.Message
		if reason == "" {
			reason = "provisioner declined the request"
		}
		return nil, fmt.Errorf("%w: %s", ErrProvisionFailed, reason)
	}

	if err := p.validate.Struct(resp); err != nil {
		monitor.ControlPlaneErrors.WithLabelValues("request").Inc()
		p.logger.Warn("Provision response failed validation", "error", err)
		return nil, fmt.Errorf("%w: invalid provision response", ErrProvisionFailed)
	}

	monitor.ProvisionLatency.Observe(time.Since(start).Seconds())

	return &Lease{
		SessionID:    resp.SessionID,
		Address:      resp.Address,
		SSHPort:      resp.SSHPort,
		Credentials:  *resp.Credentials,
		LeaseSeconds: resp.LeaseSeconds,
	}, nil
}

func (p *HTTPPlane) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	var resp statusResponse
	err := p.retryDo(ctx, func() error {
		resp = statusResponse{}
		return p.getJSON(ctx, "/api/maquinas/estado", url.Values{"sesionId": {sessionID}}, &resp, p.cfg.Timeout)
	})
	if err != nil {
		monitor.ControlPlaneErrors.WithLabelValues("status").Inc()
		return nil, fmt.Errorf("%w: %v", ErrStatusUnknown, err)
	}

	if resp.Details != nil {
		if err := p.validate.Struct(resp.Details); err != nil {
			monitor.ControlPlaneErrors.WithLabelValues("status").Inc()
			p.logger.Warn("Status details failed validation", "session_id", sessionID, "error", err)
			return nil, fmt.Errorf("%w: invalid status response", ErrStatusUnknown)
		}
	}

	st := &Status{
		Alive:            resp.Alive,
		RemainingSeconds: resp.RemainingSeconds,
	}
	if resp.Details != nil {
		st.Services = resp.Details.Services
		st.Vulnerabilities = resp.Details.Vulnerabilities
	}
	return st, nil
}

func (p *HTTPPlane) Release(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	var resp releaseResponse
	err := p.retryDo(ctx, func() error {
		resp = releaseResponse{}
		return p.postJSON(ctx, "/api/maquinas/liberar", releaseRequest{SessionID: sessionID}, &resp, p.cfg.Timeout)
	})
	if err != nil {
		monitor.ControlPlaneErrors.WithLabelValues("release").Inc()
		return fmt.Errorf("%w: %v", ErrReleaseFailed, err)
	}

	if !resp.Success {
		monitor.ControlPlaneErrors.WithLabelValues("release").Inc()
		reason := resp.Message
		if reason == "" {
			reason = "provisioner reported release failure"
		}
		return fmt.Errorf("%w: %s", ErrReleaseFailed, reason)
	}
	return nil
}

func (p *HTTPPlane) ExecuteCommand(ctx context.Context, sessionID, command string) (*ExecResult, error) {
	if sessionID == "" || command == "" {
		return nil, fmt.Errorf("%w: session id and command required", ErrInvalidArgument)
	}

	start := time.Now()

	var resp ExecResult
	if err := p.postJSON(ctx, "/api/maquinas/comando", commandRequest{
		SessionID: sessionID,
		Command:   command,
	}, &resp, p.cfg.CommandTimeout); err != nil {
		monitor.ControlPlaneErrors.WithLabelValues("command").Inc()
		// Remote command failure never surfaces as an error.
		return &ExecResult{Success: false, Output: err.Error()}, nil
	}

	monitor.CommandLatency.Observe(time.Since(start).Seconds())
	return &resp, nil
}

func (p *HTTPPlane) FetchVPNConfig(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: session id required", ErrInvalidArgument)
	}

	var resp vpnResponse
	err := p.retryDo(ctx, func() error {
		resp = vpnResponse{}
		return p.getJSON(ctx, "/api/maquinas/vpn-config", url.Values{"sesionId": {sessionID}}, &resp, p.cfg.Timeout)
	})
	if err != nil {
		monitor.ControlPlaneErrors.WithLabelValues("vpn").Inc()
		return "", fmt.Errorf("%w: %v", ErrVPNUnavailable, err)
	}

	if !resp.Success || resp.Config == "" {
		return "", fmt.Errorf("%w: %s", ErrVPNUnavailable, resp.Message)
	}
	return resp.Config, nil
}

// retryDo reruns idempotent calls on transient transport failures.
func (p *HTTPPlane) retryDo(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(p.cfg.RetryAttempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (p *HTTPPlane) postJSON(ctx context.Context, path string, body, out any, timeout time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return p.roundTrip(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(payload), out, timeout)
}

func (p *HTTPPlane) getJSON(ctx context.Context, path string, query url.Values, out any, timeout time.Duration) error {
	return p.roundTrip(ctx, http.MethodGet, p.cfg.BaseURL+path+"?"+query.Encode(), nil, out, timeout)
}

func (p *HTTPPlane) roundTrip(ctx context.Context, method, fullURL string, body io.Reader, out any, timeout time.Duration) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
