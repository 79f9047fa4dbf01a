package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soerenschneider/conn-watchdog/internal/metrics"
)

const defaultPollInterval = 30 * time.Second

type Watchdog interface {
	Start()
	Stop()
	Running() bool
}

// Reactivator decides when the watchdog runs. The watchdog halts itself after every detected
// connectivity change, the reactivator arms it again as long as the policy requires watching.
type Reactivator struct {
	watchdog Watchdog
	policy   Policy
	// service is optional and restarted whenever connectivity is lost while watching.
	service Service

	pollInterval time.Duration
	changes      chan bool
}

type ReactivatorOpts func(*Reactivator) error

func WithService(service Service) ReactivatorOpts {
	return func(r *Reactivator) error {
		if service == nil {
			return errors.New("nil service supplied")
		}
		r.service = service
		return nil
	}
}

func WithPollInterval(interval time.Duration) ReactivatorOpts {
	return func(r *Reactivator) error {
		if interval <= 0 {
			return errors.New("poll interval must be positive")
		}
		r.pollInterval = interval
		return nil
	}
}

func NewReactivator(watchdog Watchdog, policy Policy, opts ...ReactivatorOpts) (*Reactivator, error) {
	if watchdog == nil {
		return nil, errors.New("nil watchdog supplied")
	}
	if policy == nil {
		return nil, errors.New("nil policy supplied")
	}

	r := &Reactivator{
		watchdog:     watchdog,
		policy:       policy,
		pollInterval: defaultPollInterval,
		changes:      make(chan bool, 1),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// OnConnectivityChange is meant to be subscribed to the device store. It never blocks, only the
// latest state is kept.
func (r *Reactivator) OnConnectivityChange(connected bool) {
	for {
		select {
		case r.changes <- connected:
			return
		default:
		}

		select {
		case <-r.changes:
		default:
		}
	}
}

func (r *Reactivator) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.Reconcile()
	for {
		select {
		case <-ctx.Done():
			r.watchdog.Stop()
			return
		case connected := <-r.changes:
			r.handleChange(ctx, connected)
		case <-ticker.C:
			r.Reconcile()
		}
	}
}

// Reconcile arms the watchdog if watching is required and disarms it otherwise.
func (r *Reactivator) Reconcile() {
	shouldWatch := r.policy.ShouldWatch()
	running := r.watchdog.Running()

	if shouldWatch && !running {
		slog.Debug("Arming watchdog")
		r.watchdog.Start()
	} else if !shouldWatch && running {
		slog.Info("Watching no longer required, stopping watchdog")
		r.watchdog.Stop()
	}
}

func (r *Reactivator) handleChange(ctx context.Context, connected bool) {
	if !r.policy.ShouldWatch() {
		slog.Debug("Ignoring connectivity change, watching not required", "connected", connected)
		return
	}

	if !connected && r.service != nil {
		slog.Warn("Connectivity lost, restarting service")
		if err := r.service.Restart(ctx); err != nil {
			metrics.Errors.WithLabelValues("service_restart").Inc()
			slog.Error("could not restart service", "err", err)
		}
	}

	metrics.Reactivations.Inc()
	r.watchdog.Start()
}
