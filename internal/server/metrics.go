package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logpkg "github.com/duramq/duramq/pkg/log"
)

// MetricsServer exposes the process's Prometheus collectors over HTTP.
type MetricsServer struct {
	srv    *http.Server
	logger logpkg.Logger
}

// NewMetricsServer registers collectors on a fresh registry and returns a
// server ready to bind addr.
func NewMetricsServer(addr string, collectors []prometheus.Collector, logger logpkg.Logger) *MetricsServer {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &MetricsServer{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger.WithComponent("metrics"),
	}
}

// ListenAndServe blocks until ctx is cancelled or the server fails.
func (m *MetricsServer) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = m.srv.Close()
	}()
	m.logger.Info("metrics endpoint listening", logpkg.Str("addr", m.srv.Addr))
	if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
