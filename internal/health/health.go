// SPDX-License-Identifier: MIT

// Package health serves amps's /metrics and /healthz HTTP endpoints:
// process counters for live transcoder records, restarts, subscribers,
// and uptime, one "service" entry per live stream key.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ServiceInfo describes the health state of a single live stream key.
type ServiceInfo struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	Uptime      time.Duration `json:"uptime_ns"`
	Healthy     bool          `json:"healthy"`
	Error       string        `json:"error,omitempty"`
	Restarts    int           `json:"restarts,omitempty"`
	Subscribers int           `json:"subscribers,omitempty"`
	BytesOut    int64         `json:"bytes_out,omitempty"`
}

// StatusProvider returns the current health status of all live stream
// keys. cmd/amps wires the transcoder manager's ListLive() through this.
type StatusProvider interface {
	Services() []ServiceInfo
}

// Response is the JSON body returned by the /healthz endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider  StatusProvider
	startTime time.Time
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider, startTime: time.Now()}
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := true
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}
	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response. This
// implements a minimal subset of the exposition format without any
// external dependency; the counter set is small and fixed, so no
// prometheus/client_golang import is required.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}

	fmt.Fprintln(&sb, "# HELP amps_uptime_seconds Seconds since the server started.")
	fmt.Fprintln(&sb, "# TYPE amps_uptime_seconds gauge")
	fmt.Fprintf(&sb, "amps_uptime_seconds %.3f\n", time.Since(h.startTime).Seconds())

	fmt.Fprintln(&sb, "# HELP amps_live_streams Number of currently live transcoder records.")
	fmt.Fprintln(&sb, "# TYPE amps_live_streams gauge")
	fmt.Fprintf(&sb, "amps_live_streams %d\n", len(services))

	if len(services) == 0 {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sb.String()))
		return
	}

	fmt.Fprintln(&sb, "# HELP amps_stream_healthy Is the stream key currently healthy (1=healthy, 0=not).")
	fmt.Fprintln(&sb, "# TYPE amps_stream_healthy gauge")
	for _, svc := range services {
		v := 0
		if svc.Healthy {
			v = 1
		}
		fmt.Fprintf(&sb, "amps_stream_healthy{key=%q} %d\n", svc.Name, v)
	}

	fmt.Fprintln(&sb, "# HELP amps_stream_uptime_seconds Seconds since the stream key's child last started.")
	fmt.Fprintln(&sb, "# TYPE amps_stream_uptime_seconds gauge")
	for _, svc := range services {
		fmt.Fprintf(&sb, "amps_stream_uptime_seconds{key=%q} %.3f\n", svc.Name, svc.Uptime.Seconds())
	}

	fmt.Fprintln(&sb, "# HELP amps_stream_restarts_total Total unexpected restarts for the stream key.")
	fmt.Fprintln(&sb, "# TYPE amps_stream_restarts_total counter")
	for _, svc := range services {
		fmt.Fprintf(&sb, "amps_stream_restarts_total{key=%q} %d\n", svc.Name, svc.Restarts)
	}

	fmt.Fprintln(&sb, "# HELP amps_stream_subscribers Current attached subscriber count for the stream key.")
	fmt.Fprintln(&sb, "# TYPE amps_stream_subscribers gauge")
	for _, svc := range services {
		fmt.Fprintf(&sb, "amps_stream_subscribers{key=%q} %d\n", svc.Name, svc.Subscribers)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound, so callers can detect a port-in-use failure
// immediately instead of only after ctx is cancelled.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	// No ReadTimeout/WriteTimeout: the same server carries long-lived
	// /stream responses, and a write deadline would sever every viewer
	// after it elapsed. Slow-loris protection comes from ReadHeaderTimeout.
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
