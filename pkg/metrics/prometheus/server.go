package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type PrometheusServerConfig struct {
	Port int
}

// PrometheusServer exposes the default registry on /metrics.
type PrometheusServer struct {
	logger *zap.Logger
	server *http.Server
}

func NewPrometheusServer(cfg *PrometheusServerConfig, l *zap.Logger) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &PrometheusServer{
		logger: l,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: mux,
		},
	}
}

// Start serves metrics in the background until a value arrives on quit.
func (ps *PrometheusServer) Start(quit chan bool) error {
	go func() {
		ps.logger.Sugar().Infow("Starting prometheus server", zap.String("addr", ps.server.Addr))
		if err := ps.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ps.logger.Sugar().Errorw("Prometheus server exited", zap.Error(err))
		}
	}()
	go func() {
		<-quit
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ps.server.Shutdown(ctx); err != nil {
			ps.logger.Sugar().Errorw("Failed to shut down prometheus server", zap.Error(err))
		}
	}()
	return nil
}
