// Package server exposes the current stage configurations, health and
// Prometheus metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/orchestrator"
)

// Provider reports the current state of every stage.
type Provider interface {
	Snapshot() []orchestrator.StageState
}

type Server struct {
	provider Provider
	limiter  *rate.Limiter
	mux      *http.ServeMux
}

func NewServer(provider Provider, limiter *rate.Limiter) *Server {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	s := &Server{provider: provider, limiter: limiter, mux: http.NewServeMux()}
	s.mux.HandleFunc("/schedule", s.handleSchedule)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		requestLatency.WithLabelValues("schedule").Observe(time.Since(start).Seconds())
	}()

	if !s.limiter.Allow() {
		klog.Warning("Schedule request rate limit exceeded")
		requestsRateLimited.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}

	klog.V(4).Infof("Schedule request from %s", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Snapshot()); err != nil {
		klog.Errorf("Failed to encode schedule: %v", err)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Status server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
