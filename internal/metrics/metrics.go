// Package metrics exposes low-level transport health as Prometheus
// counters, in the spirit of a socket-statistics exporter: the
// reliable channel and file-transfer layers, plus the server driver
// for TreasuresFound, increment plain counters with no knowledge of
// how (or whether) they're served.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanquest/treasurehunt/pkg/logger"
)

var (
	Retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasurehunt_retransmits_total",
		Help: "Total number of frame retransmissions issued by the reliable channel.",
	})
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasurehunt_timeouts_total",
		Help: "Total number of ARQ wait timeouts observed while awaiting an ACK.",
	})
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasurehunt_frames_sent_total",
		Help: "Total number of frames written to the link endpoint.",
	})
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasurehunt_frames_recv_total",
		Help: "Total number of valid frames accepted from the link endpoint.",
	})
	BytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasurehunt_bytes_transferred_total",
		Help: "Total number of file-transfer payload bytes delivered.",
	})
	TreasuresFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasurehunt_treasures_found_total",
		Help: "Total number of discovered treasures whose file was delivered successfully.",
	})
)

// Server serves /metrics on addr until the context is canceled. An
// empty addr disables the exporter entirely, matching
// TREASUREHUNT_METRICS_ADDR's documented behavior.
func Server(ctx context.Context, addr string) error {
	if addr == "" {
		logger.Info("metrics exporter disabled (no listen address configured)")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics exporter listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
