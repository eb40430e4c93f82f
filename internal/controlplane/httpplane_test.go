package controlplane_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"machines/internal/controlplane"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPlane(baseURL string) *controlplane.HTTPPlane {
	return controlplane.NewHTTPPlane(controlplane.HTTPConfig{
		BaseURL:       baseURL,
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
	}, nil, testLogger())
}

func TestRequestMachine(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/maquinas/solicitar" {
				t.Errorf("Unexpected path: %s", r.URL.Path)
			}
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("Failed to decode request: %v", err)
			}
			if req["usuarioId"] != "user-1" || req["tipoMaquinaId"] != "01" {
				t.Errorf("Unexpected request body: %v", req)
			}
			io.WriteString(w, `{
				"exito": true,
				"mensaje": "ok",
				"sesionId": "sess-abc",
				"ipAcceso": "10.0.0.7",
				"puertoSSH": 22022,
				"credenciales": {"usuario": "hacker", "password": "s3cret"},
				"tiempoLimite": 7200
			}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		grant, err := p.RequestMachine(context.Background(), "user-1", "01")
		if err != nil {
			t.Fatalf("RequestMachine failed: %v", err)
		}

		if grant.SessionID != "sess-abc" {
			t.Errorf("Expected session id sess-abc, got %s", grant.SessionID)
		}
		if grant.Address != "10.0.0.7" || grant.SSHPort != 22022 {
			t.Errorf("Unexpected access details: %+v", grant)
		}
		if grant.Credentials.Username != "hacker" || grant.Credentials.Password != "s3cret" {
			t.Errorf("Unexpected credentials: %+v", grant.Credentials)
		}
		if grant.LeaseSeconds != 7200 {
			t.Errorf("Expected lease 7200s, got %d", grant.LeaseSeconds)
		}
	})

	t.Run("Declined", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exito": false, "mensaje": "no capacity"}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		_, err := p.RequestMachine(context.Background(), "user-1", "01")
		if !errors.Is(err, controlplane.ErrProvisionFailed) {
			t.Fatalf("Expected ErrProvisionFailed, got %v", err)
		}
	})

	t.Run("MissingCredentialsRejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{
				"exito": true,
				"sesionId": "sess-abc",
				"ipAcceso": "10.0.0.7",
				"puertoSSH": 22022,
				"tiempoLimite": 7200
			}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		_, err := p.RequestMachine(context.Background(), "user-1", "01")
		if !errors.Is(err, controlplane.ErrProvisionFailed) {
			t.Fatalf("Expected validation failure as ErrProvisionFailed, got %v", err)
		}
	})

	t.Run("NotRetried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		_, err := p.RequestMachine(context.Background(), "user-1", "01")
		if !errors.Is(err, controlplane.ErrProvisionFailed) {
			t.Fatalf("Expected ErrProvisionFailed, got %v", err)
		}
		// Provisioning is not idempotent; a failure must not be retried.
		if calls.Load() != 1 {
			t.Errorf("Expected exactly 1 provision attempt, got %d", calls.Load())
		}
	})
}

func TestGetStatus(t *testing.T) {
	t.Run("WithDiagnostics", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("sesionId"); got != "sess-abc" {
				t.Errorf("Expected sesionId=sess-abc, got %s", got)
			}
			io.WriteString(w, `{
				"activa": true,
				"tiempoRestante": 3600,
				"detalles": {
					"servicios": [{"nombre": "http", "puerto": 80, "estado": "open", "version": "nginx 1.18"}],
					"vulnerabilidades": [{"nombre": "weak-creds", "severidad": "high"}]
				}
			}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		st, err := p.GetStatus(context.Background(), "sess-abc")
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}

		if !st.Alive || st.RemainingSeconds != 3600 {
			t.Errorf("Unexpected status: %+v", st)
		}
		if len(st.Services) != 1 || st.Services[0].Name != "http" || st.Services[0].Port != 80 {
			t.Errorf("Unexpected services: %+v", st.Services)
		}
		if len(st.Vulnerabilities) != 1 || st.Vulnerabilities[0].Severity != controlplane.SeverityHigh {
			t.Errorf("Unexpected vulnerabilities: %+v", st.Vulnerabilities)
		}
	})

	t.Run("RetriesTransientFailure", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			io.WriteString(w, `{"activa": true, "tiempoRestante": 100}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		st, err := p.GetStatus(context.Background(), "sess-abc")
		if err != nil {
			t.Fatalf("GetStatus failed after retries: %v", err)
		}
		if !st.Alive {
			t.Error("Expected alive status")
		}
		if calls.Load() != 3 {
			t.Errorf("Expected 3 attempts, got %d", calls.Load())
		}
	})

	t.Run("BadSeverityRejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{
				"activa": true,
				"detalles": {
					"vulnerabilidades": [{"nombre": "x", "severidad": "catastrophic"}]
				}
			}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		_, err := p.GetStatus(context.Background(), "sess-abc")
		if !errors.Is(err, controlplane.ErrStatusUnknown) {
			t.Fatalf("Expected ErrStatusUnknown, got %v", err)
		}
	})

	t.Run("NotAlive", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"activa": false, "mensaje": "session expired"}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		st, err := p.GetStatus(context.Background(), "sess-abc")
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if st.Alive {
			t.Error("Expected not-alive status")
		}
	})
}

func TestRelease(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/maquinas/liberar" {
				t.Errorf("Unexpected path: %s", r.URL.Path)
			}
			io.WriteString(w, `{"exito": true}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		if err := p.Release(context.Background(), "sess-abc"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exito": false, "mensaje": "unknown session"}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		err := p.Release(context.Background(), "sess-abc")
		if !errors.Is(err, controlplane.ErrReleaseFailed) {
			t.Fatalf("Expected ErrReleaseFailed, got %v", err)
		}
	})
}

func TestExecuteCommand(t *testing.T) {
	t.Run("RemoteFailurePassedThrough", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"success": false, "output": "command not found"}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		res, err := p.ExecuteCommand(context.Background(), "sess-abc", "frobnicate")
		if err != nil {
			t.Fatalf("ExecuteCommand errored: %v", err)
		}
		if res.Success || res.Output != "command not found" {
			t.Errorf("Unexpected result: %+v", res)
		}
	})

	t.Run("TransportFailureNeverErrors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		res, err := p.ExecuteCommand(context.Background(), "sess-abc", "id")
		if err != nil {
			t.Fatalf("ExecuteCommand errored: %v", err)
		}
		if res.Success {
			t.Error("Expected failed result on transport error")
		}
		if res.Output == "" {
			t.Error("Expected diagnostic output on transport error")
		}
	})
}

func TestFetchVPNConfig(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exito": true, "config": "client\nremote vpn.lab 1194\n"}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		cfg, err := p.FetchVPNConfig(context.Background(), "sess-abc")
		if err != nil {
			t.Fatalf("FetchVPNConfig failed: %v", err)
		}
		if cfg == "" {
			t.Error("Expected non-empty profile")
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"exito": false, "mensaje": "vpn not configured"}`)
		}))
		defer srv.Close()

		p := newTestPlane(srv.URL)
		_, err := p.FetchVPNConfig(context.Background(), "sess-abc")
		if !errors.Is(err, controlplane.ErrVPNUnavailable) {
			t.Fatalf("Expected ErrVPNUnavailable, got %v", err)
		}
	})
}
