package serve

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe calls server.ListenAndServe and gracefully shuts the server down once ctx is cancelled.
// It returns nil on a clean shutdown.
func ListenAndServe(ctx *haulcontext.Context, server *http.Server) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return errors.WithStack(err)
	}
	return Serve(ctx, server, listener)
}

// Serve is ListenAndServe on an existing listener
func Serve(ctx *haulcontext.Context, server *http.Server, listener net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := haulcontext.WithTimeout(haulcontext.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			ctx.Log.WithError(err).Warnf("Error shutting down http server on %s", listener.Addr())
		}
	}()
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}

// MetricsHandler serves metrics from the given gatherer, or the default registry if nil
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ServeMetrics exposes the default prometheus registry on /metrics.  The returned func stops the server.
func ServeMetrics(port uint16) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler(nil))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, cancel := haulcontext.WithCancel(haulcontext.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ctx.Log.Infof("Serving metrics on :%d/metrics", port)
		if err := ListenAndServe(ctx, server); err != nil {
			ctx.Log.WithError(err).Error("Metrics server failed")
		}
	}()
	return func() {
		cancel()
		<-stopped
	}
}
