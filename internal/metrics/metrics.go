package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/multierr"
)

const (
	namespace                        = "conn_watchdog"
	defaultMetricsHeartbeatFrequency = 1 * time.Minute
)

var (
	ProcessStart = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_start_timestamp_seconds",
		Help:      "Timestamp of start of process",
	})

	Heartbeat = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Continuous heartbeat",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Total amount of errors",
	}, []string{"error"})

	Armed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "armed",
		Help:      "Whether the watchdog is currently armed",
	})

	BackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backoff_seconds",
		Help:      "Delay until the next probe",
	})

	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Total amount of probes by result",
	}, []string{"result"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_duration_seconds",
		Help:      "Duration of a single probe",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 3, 6},
	})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "Last known connectivity state",
	})

	StatusChangeTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "status_change_timestamp_seconds",
		Help:      "Timestamp of the last connectivity change",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Total amount of connectivity changes by new state",
	}, []string{"state"})

	Reactivations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reactivations_total",
		Help:      "Total amount of watchdog restarts after a connectivity change",
	})
)

func init() {
	ProcessStart.SetToCurrentTime()
	Heartbeat.SetToCurrentTime()
}

type MetricsServer struct {
	address string
}

type MetricsServerOpts func(*MetricsServer) error

func New(address string, opts ...MetricsServerOpts) (*MetricsServer, error) {
	if len(address) == 0 {
		return nil, errors.New("empty address provided")
	}

	w := &MetricsServer{
		address: address,
	}

	var errs error
	for _, opt := range opts {
		if err := opt(w); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return w, errs
}

func (s *MetricsServer) StartServer(ctx context.Context, wg *sync.WaitGroup) error {
	defer wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := http.Server{
		Addr:              s.address,
		Handler:           mux,
		ReadTimeout:       1 * time.Second,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      1 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errChan := make(chan error)
	go func() {
		slog.Info("Starting server", "address", s.address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("can not start metrics server: %w", err)
		}
	}()

	heartbeatTimer := time.NewTicker(defaultMetricsHeartbeatFrequency)
	defer heartbeatTimer.Stop()

	for {
		select {
		case <-heartbeatTimer.C:
			Heartbeat.SetToCurrentTime()
		case <-ctx.Done():
			slog.Info("Stopping server")
			return server.Shutdown(ctx)
		case err := <-errChan:
			return err
		}
	}
}

func StartMetricsWriter(ctx context.Context, wg *sync.WaitGroup, path string) {
	defer wg.Done()
	ticker := time.NewTicker(defaultMetricsHeartbeatFrequency)

	for {
		select {
		case <-ticker.C:
			Heartbeat.SetToCurrentTime()
			if err := WriteMetrics(path); err != nil {
				Errors.WithLabelValues("metrics_write").Inc()
				slog.Error("Error dumping metrics", "err", err)
			}
		case <-ctx.Done():
			ticker.Stop()
			return
		}
	}
}

func WriteMetrics(metricsFile string) error {
	metrics, err := dumpMetrics()
	if err != nil {
		return err
	}

	tmpFile := fmt.Sprintf("%s.tmp", metricsFile)
	if err := os.WriteFile(tmpFile, []byte(metrics), 0644); err != nil { //nolint G306
		return fmt.Errorf("error creating file: %w", err)
	}
	return os.Rename(tmpFile, metricsFile)
}

func dumpMetrics() (string, error) {
	var buf = &bytes.Buffer{}
	fmt := expfmt.NewFormat(expfmt.TypeTextPlain)
	enc := expfmt.NewEncoder(buf, fmt)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", err
	}

	for _, f := range families {
		// Writing these metrics will cause a duplication error with other tools writing the same metrics
		if strings.HasPrefix(f.GetName(), namespace) {
			if err := enc.Encode(f); err != nil {
				slog.Warn("could not encode metric", "err", err.Error())
			}
		}
	}

	return buf.String(), nil
}
