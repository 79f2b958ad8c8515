package daemon

import (
	"context"
	"net/http"

	"github.com/hdhq1504/chatsync/internal/config"
	"github.com/hdhq1504/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// DebugServer exposes /metrics and /healthz on the configured debug address.
// With no address configured it is inert.
type DebugServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewDebugServer builds the debug listener from config.
func NewDebugServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *DebugServer {
	d := &DebugServer{logger: logger}
	if cfg.DebugAddr == "" {
		return d
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	d.srv = &http.Server{Addr: cfg.DebugAddr, Handler: mux}
	return d
}

// Start begins serving in the background.
func (d *DebugServer) Start() {
	if d.srv == nil {
		return
	}
	d.logger.Info("debug listener starting", zap.String("addr", d.srv.Addr))
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("debug listener failed", zap.Error(err))
		}
	}()
}

// Stop shuts the listener down gracefully.
func (d *DebugServer) Stop(ctx context.Context) error {
	if d.srv == nil {
		return nil
	}
	return d.srv.Shutdown(ctx)
}
