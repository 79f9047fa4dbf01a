package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soerenschneider/conn-watchdog/internal"
	"github.com/soerenschneider/conn-watchdog/internal/metrics"
	"go.uber.org/multierr"
)

const (
	// WarmUp delays the first probe after Start to not cause false positives while the system initializes.
	WarmUp = 1000 * time.Millisecond

	// MaxBackoffSeconds caps the delay between two probes.
	MaxBackoffSeconds = 120

	growthFactor = 2
)

type Sleeper func(ctx context.Context, d time.Duration) error

// Watchdog periodically probes connectivity and pushes state changes to the device store.
// After a confirmed change it stops itself and waits for an external Start.
type Watchdog struct {
	policy  internal.Policy
	device  internal.DeviceStore
	journal internal.Journal
	prober  internal.Prober
	sleep   Sleeper

	mutex       sync.Mutex
	started     bool
	waitSeconds int
	pending     *run

	// worker is held while a cycle executes so cycles of different runs never overlap.
	worker chan struct{}
	wg     sync.WaitGroup
}

// run is the handle of one armed period, from Start until Stop or a detected change.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type WatchdogOpts func(*Watchdog) error

func WithSleeper(sleeper Sleeper) WatchdogOpts {
	return func(w *Watchdog) error {
		if sleeper == nil {
			return errors.New("nil sleeper supplied")
		}
		w.sleep = sleeper
		return nil
	}
}

func New(policy internal.Policy, device internal.DeviceStore, journal internal.Journal, prober internal.Prober, opts ...WatchdogOpts) (*Watchdog, error) {
	if policy == nil {
		return nil, errors.New("nil policy supplied")
	}
	if device == nil {
		return nil, errors.New("nil device store supplied")
	}
	if journal == nil {
		return nil, errors.New("nil journal supplied")
	}
	if prober == nil {
		return nil, errors.New("nil prober supplied")
	}

	w := &Watchdog{
		policy:      policy,
		device:      device,
		journal:     journal,
		prober:      prober,
		sleep:       sleep,
		waitSeconds: 1,
		worker:      make(chan struct{}, 1),
	}

	var errs error
	for _, opt := range opts {
		if err := opt(w); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return w, errs
}

// Start arms the watchdog. It is a no-op if the watchdog is already armed or if watching is currently not required.
func (w *Watchdog) Start() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.started {
		return
	}
	if !w.policy.ShouldWatch() {
		slog.Debug("Not starting watchdog, watching not required")
		return
	}

	w.started = true
	w.waitSeconds = 1
	w.cancelPending()

	ctx, cancel := context.WithCancel(context.Background())
	w.pending = &run{
		ctx:    ctx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.loop(w.pending)

	metrics.Armed.Set(1)
	slog.Info("Watchdog started")
}

// Stop disarms the watchdog. A probe that is already in flight runs to completion but its result is discarded.
func (w *Watchdog) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.disarm()
}

// Wait blocks until all background cycles have returned. A probe in flight is waited for.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

func (w *Watchdog) Running() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.started
}

// Test runs a single reachability probe. It returns true without any network I/O if watching is not required.
func (w *Watchdog) Test(ctx context.Context) bool {
	if !w.policy.ShouldWatch() {
		return true
	}

	start := time.Now()
	reachable, err := w.prober.IsReachable(ctx)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Debug("Probe failed", "err", err)
		reachable = false
	}

	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	metrics.Probes.WithLabelValues(result).Inc()

	return reachable
}

// disarm must be called with the mutex held.
func (w *Watchdog) disarm() {
	if w.started {
		slog.Info("Watchdog stopped")
	}
	w.started = false
	w.cancelPending()
	metrics.Armed.Set(0)
}

// cancelPending must be called with the mutex held.
func (w *Watchdog) cancelPending() {
	if w.pending != nil {
		w.pending.cancel()
		w.pending = nil
	}
}

func (w *Watchdog) isCurrent(r *run) bool {
	return w.started && w.pending == r
}

func (w *Watchdog) loop(r *run) {
	defer w.wg.Done()

	for {
		select {
		case w.worker <- struct{}{}:
		case <-r.ctx.Done():
			return
		}

		delay, reschedule := w.cycle(r)
		<-w.worker
		if !reschedule {
			return
		}

		metrics.BackoffSeconds.Set(delay.Seconds())
		if err := w.sleep(r.ctx, delay); err != nil {
			return
		}
	}
}

// cycle probes once and returns the delay until the next cycle, or false if no further cycle is wanted.
func (w *Watchdog) cycle(r *run) (time.Duration, bool) {
	w.mutex.Lock()
	armed := w.isCurrent(r)
	first := w.waitSeconds == 1
	w.mutex.Unlock()

	if !armed {
		return 0, false
	}

	if first {
		if err := w.sleep(r.ctx, WarmUp); err != nil {
			return 0, false
		}
	}

	// stopping must not interrupt a dispatched probe, only discard its result
	connected := w.Test(context.WithoutCancel(r.ctx))

	w.mutex.Lock()
	if !w.isCurrent(r) {
		w.mutex.Unlock()
		return 0, false
	}
	next := w.waitSeconds
	if connected {
		next = w.waitSeconds * growthFactor
	}
	w.waitSeconds = min(w.waitSeconds*growthFactor, MaxBackoffSeconds)
	w.mutex.Unlock()

	if w.device.CurrentConnectivity() != connected {
		w.journal.Log(fmt.Sprintf("watchdog change: connected: %t", connected))

		// disarm before publishing so a subscriber reacting with Start re-arms the watchdog
		w.mutex.Lock()
		if w.isCurrent(r) {
			w.disarm()
		}
		w.mutex.Unlock()

		w.device.SetConnectivity(connected)
		return 0, false
	}

	return time.Duration(min(next, MaxBackoffSeconds)) * time.Second, true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
