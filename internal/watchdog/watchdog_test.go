package watchdog

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type dummyPolicy struct {
	watch atomic.Bool
}

func newDummyPolicy(watch bool) *dummyPolicy {
	p := &dummyPolicy{}
	p.watch.Store(watch)
	return p
}

func (p *dummyPolicy) ShouldWatch() bool {
	return p.watch.Load()
}

type dummyStore struct {
	mutex     sync.Mutex
	connected bool
	writes    []bool
	onSet     func(connected bool)
}

func (s *dummyStore) CurrentConnectivity() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.connected
}

func (s *dummyStore) SetConnectivity(connected bool) {
	s.mutex.Lock()
	s.connected = connected
	s.writes = append(s.writes, connected)
	onSet := s.onSet
	s.mutex.Unlock()

	if onSet != nil {
		onSet(connected)
	}
}

func (s *dummyStore) Writes() []bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.writes
}

type dummyJournal struct {
	mutex sync.Mutex
	lines []string
}

func (j *dummyJournal) Log(message string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.lines = append(j.lines, message)
}

func (j *dummyJournal) Lines() []string {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.lines
}

// dummyProber returns results in order and repeats the last one. If gate is set, results are read from it instead.
type dummyProber struct {
	mutex   sync.Mutex
	results []bool
	err     error
	calls   int
	gate    chan bool
	started chan struct{}
}

func (p *dummyProber) IsReachable(_ context.Context) (bool, error) {
	p.mutex.Lock()
	p.calls++
	var ret bool
	if len(p.results) > 0 {
		ret = p.results[min(p.calls, len(p.results))-1]
	}
	gate, started := p.gate, p.started
	p.mutex.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		ret = <-gate
	}
	return ret, p.err
}

func (p *dummyProber) Calls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls
}

type dummySleeper struct {
	mutex     sync.Mutex
	durations []time.Duration
	block     bool
	onSleep   func(n int, d time.Duration)
}

func (s *dummySleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mutex.Lock()
	s.durations = append(s.durations, d)
	n := len(s.durations)
	onSleep := s.onSleep
	s.mutex.Unlock()

	if onSleep != nil {
		onSleep(n, d)
	}
	if s.block {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (s *dummySleeper) Durations() []time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.durations
}

func seconds(vals ...int) []time.Duration {
	ret := make([]time.Duration, len(vals))
	for i, val := range vals {
		ret[i] = time.Duration(val) * time.Second
	}
	return ret
}

func mustNewWatchdog(t *testing.T, policy *dummyPolicy, store *dummyStore, journal *dummyJournal, prober *dummyProber, sleeper *dummySleeper) *Watchdog {
	t.Helper()
	w, err := New(policy, store, journal, prober, WithSleeper(sleeper.Sleep))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func assertInvariant(t *testing.T, w *Watchdog) {
	t.Helper()
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if (w.pending != nil) != w.started {
		t.Errorf("pending = %v while started = %v", w.pending, w.started)
	}
}

func receive(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for probe")
	}
}

func TestNew(t *testing.T) {
	store := &dummyStore{}
	journal := &dummyJournal{}
	prober := &dummyProber{}
	policy := newDummyPolicy(true)

	tests := []struct {
		name    string
		build   func() (*Watchdog, error)
		wantErr bool
	}{
		{
			name:  "valid",
			build: func() (*Watchdog, error) { return New(policy, store, journal, prober) },
		},
		{
			name:    "nil policy",
			build:   func() (*Watchdog, error) { return New(nil, store, journal, prober) },
			wantErr: true,
		},
		{
			name:    "nil store",
			build:   func() (*Watchdog, error) { return New(policy, nil, journal, prober) },
			wantErr: true,
		},
		{
			name:    "nil journal",
			build:   func() (*Watchdog, error) { return New(policy, store, nil, prober) },
			wantErr: true,
		},
		{
			name:    "nil prober",
			build:   func() (*Watchdog, error) { return New(policy, store, journal, nil) },
			wantErr: true,
		},
		{
			name:    "nil sleeper",
			build:   func() (*Watchdog, error) { return New(policy, store, journal, prober, WithSleeper(nil)) },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.build(); (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWatchdog_Scenario(t *testing.T) {
	store := &dummyStore{connected: true}
	journal := &dummyJournal{}
	prober := &dummyProber{results: []bool{true, true, false}}
	sleeper := &dummySleeper{}
	w := mustNewWatchdog(t, newDummyPolicy(true), store, journal, prober, sleeper)

	w.Start()
	w.Wait()

	if got, want := sleeper.Durations(), seconds(1, 2, 4); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if prober.Calls() != 3 {
		t.Errorf("probes = %d, want 3", prober.Calls())
	}
	if got := store.Writes(); !reflect.DeepEqual(got, []bool{false}) {
		t.Errorf("store writes = %v, want [false]", got)
	}
	if got := journal.Lines(); !reflect.DeepEqual(got, []string{"watchdog change: connected: false"}) {
		t.Errorf("journal = %v", got)
	}
	if w.Running() {
		t.Error("expected watchdog to be stopped after a change")
	}
	assertInvariant(t, w)
}

func TestWatchdog_BackoffGrowth(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		sleeps    int
		want      []time.Duration
	}{
		{
			name:      "stable connection doubles until capped",
			connected: true,
			sleeps:    10,
			want:      seconds(1, 2, 4, 8, 16, 32, 64, 120, 120, 120),
		},
		{
			name:      "stable outage uses value before doubling",
			connected: false,
			sleeps:    10,
			want:      seconds(1, 1, 2, 4, 8, 16, 32, 64, 120, 120),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &dummyStore{connected: tt.connected}
			prober := &dummyProber{results: []bool{tt.connected}}
			sleeper := &dummySleeper{}
			w := mustNewWatchdog(t, newDummyPolicy(true), store, &dummyJournal{}, prober, sleeper)
			sleeper.onSleep = func(n int, _ time.Duration) {
				if n == tt.sleeps {
					w.Stop()
				}
			}

			w.Start()
			w.Wait()

			if got := sleeper.Durations(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("sleeps = %v, want %v", got, tt.want)
			}
			if prober.Calls() != tt.sleeps-1 {
				t.Errorf("probes = %d, want %d", prober.Calls(), tt.sleeps-1)
			}
			if len(store.Writes()) != 0 {
				t.Errorf("unexpected store writes %v", store.Writes())
			}
			assertInvariant(t, w)
		})
	}
}

func TestWatchdog_StartIdempotent(t *testing.T) {
	prober := &dummyProber{results: []bool{true}}
	sleeper := &dummySleeper{block: true}
	w := mustNewWatchdog(t, newDummyPolicy(true), &dummyStore{connected: true}, &dummyJournal{}, prober, sleeper)

	w.Start()
	w.mutex.Lock()
	first := w.pending
	w.mutex.Unlock()

	w.Start()
	w.mutex.Lock()
	second := w.pending
	waitSeconds := w.waitSeconds
	w.mutex.Unlock()

	if first == nil || first != second {
		t.Errorf("expected a single pending cycle, got %p and %p", first, second)
	}
	if waitSeconds != 1 {
		t.Errorf("waitSeconds = %d, want 1", waitSeconds)
	}
	assertInvariant(t, w)

	w.Stop()
	w.Wait()

	if len(sleeper.Durations()) > 1 {
		t.Errorf("expected at most one warm-up, got %v", sleeper.Durations())
	}
	if prober.Calls() != 0 {
		t.Errorf("probes = %d, want 0", prober.Calls())
	}
}

func TestWatchdog_StopIdempotent(t *testing.T) {
	w := mustNewWatchdog(t, newDummyPolicy(true), &dummyStore{}, &dummyJournal{}, &dummyProber{}, &dummySleeper{block: true})

	w.Stop()
	w.Stop()
	if w.Running() {
		t.Error("expected watchdog to be stopped")
	}
	assertInvariant(t, w)

	w.Start()
	if !w.Running() {
		t.Error("expected watchdog to be running")
	}
	assertInvariant(t, w)

	w.Stop()
	w.Stop()
	w.Wait()
	if w.Running() {
		t.Error("expected watchdog to be stopped")
	}
	assertInvariant(t, w)
}

func TestWatchdog_Disabled(t *testing.T) {
	prober := &dummyProber{results: []bool{false}}
	sleeper := &dummySleeper{}
	w := mustNewWatchdog(t, newDummyPolicy(false), &dummyStore{connected: true}, &dummyJournal{}, prober, sleeper)

	if !w.Test(context.Background()) {
		t.Error("expected Test() to report connected while disabled")
	}

	w.Start()
	w.Wait()

	if w.Running() {
		t.Error("expected Start() to be a no-op while disabled")
	}
	if prober.Calls() != 0 {
		t.Errorf("probes = %d, want 0", prober.Calls())
	}
	if len(sleeper.Durations()) != 0 {
		t.Errorf("unexpected sleeps %v", sleeper.Durations())
	}
	assertInvariant(t, w)
}

func TestWatchdog_Test(t *testing.T) {
	tests := []struct {
		name   string
		prober *dummyProber
		want   bool
	}{
		{
			name:   "reachable",
			prober: &dummyProber{results: []bool{true}},
			want:   true,
		},
		{
			name:   "unreachable",
			prober: &dummyProber{results: []bool{false}},
			want:   false,
		},
		{
			name:   "error counts as unreachable",
			prober: &dummyProber{results: []bool{true}, err: errors.New("connection refused")},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := mustNewWatchdog(t, newDummyPolicy(true), &dummyStore{}, &dummyJournal{}, tt.prober, &dummySleeper{})
			if got := w.Test(context.Background()); got != tt.want {
				t.Errorf("Test() = %v, want %v", got, tt.want)
			}
			if w.Running() {
				t.Error("Test() must not arm the watchdog")
			}
		})
	}
}

func TestWatchdog_StopDuringProbe(t *testing.T) {
	tests := []struct {
		name   string
		result bool
	}{
		{
			name:   "unchanged result",
			result: true,
		},
		{
			name:   "changed result",
			result: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &dummyStore{connected: true}
			journal := &dummyJournal{}
			prober := &dummyProber{gate: make(chan bool), started: make(chan struct{}, 1)}
			sleeper := &dummySleeper{}
			w := mustNewWatchdog(t, newDummyPolicy(true), store, journal, prober, sleeper)

			w.Start()
			receive(t, prober.started)
			w.Stop()
			prober.gate <- tt.result
			w.Wait()

			if prober.Calls() != 1 {
				t.Errorf("probes = %d, want 1", prober.Calls())
			}
			if got, want := sleeper.Durations(), seconds(1); !reflect.DeepEqual(got, want) {
				t.Errorf("sleeps = %v, want %v", got, want)
			}
			if len(store.Writes()) != 0 {
				t.Errorf("unexpected store writes %v", store.Writes())
			}
			if len(journal.Lines()) != 0 {
				t.Errorf("unexpected journal lines %v", journal.Lines())
			}
			assertInvariant(t, w)
		})
	}
}

func TestWatchdog_RestartDuringProbe(t *testing.T) {
	store := &dummyStore{connected: true}
	journal := &dummyJournal{}
	prober := &dummyProber{gate: make(chan bool), started: make(chan struct{}, 1)}
	sleeper := &dummySleeper{}
	w := mustNewWatchdog(t, newDummyPolicy(true), store, journal, prober, sleeper)

	w.Start()
	receive(t, prober.started)
	w.Stop()
	w.Start()

	// result of the stale run must be discarded
	prober.gate <- false
	receive(t, prober.started)
	prober.gate <- false
	w.Wait()

	if prober.Calls() != 2 {
		t.Errorf("probes = %d, want 2", prober.Calls())
	}
	if got := store.Writes(); !reflect.DeepEqual(got, []bool{false}) {
		t.Errorf("store writes = %v, want [false]", got)
	}
	if got := sleeper.Durations(); !reflect.DeepEqual(got, seconds(1, 1)) {
		t.Errorf("sleeps = %v, want two warm-ups", got)
	}
	if len(journal.Lines()) != 1 {
		t.Errorf("journal = %v, want one line", journal.Lines())
	}
	assertInvariant(t, w)
}

func TestWatchdog_ExternalRestartAfterChange(t *testing.T) {
	store := &dummyStore{connected: true}
	prober := &dummyProber{results: []bool{false}}
	sleeper := &dummySleeper{}
	w := mustNewWatchdog(t, newDummyPolicy(true), store, &dummyJournal{}, prober, sleeper)
	store.onSet = func(bool) {
		w.Start()
	}
	sleeper.onSleep = func(n int, _ time.Duration) {
		if n == 3 {
			w.Stop()
		}
	}

	w.Start()
	w.Wait()

	// warm-up of the first run, warm-up of the restarted run, then its first backoff
	if got := sleeper.Durations(); !reflect.DeepEqual(got, seconds(1, 1, 1)) {
		t.Errorf("sleeps = %v", got)
	}
	if prober.Calls() != 2 {
		t.Errorf("probes = %d, want 2", prober.Calls())
	}
	if got := store.Writes(); !reflect.DeepEqual(got, []bool{false}) {
		t.Errorf("store writes = %v, want [false]", got)
	}
	assertInvariant(t, w)
}

func TestWatchdog_ConcurrentStartStop(t *testing.T) {
	prober := &dummyProber{results: []bool{true}}
	w := mustNewWatchdog(t, newDummyPolicy(true), &dummyStore{connected: true}, &dummyJournal{}, prober, &dummySleeper{})

	wg := &sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Start()
		}()
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()

	w.Stop()
	w.Wait()

	if w.Running() {
		t.Error("expected watchdog to be stopped")
	}
	assertInvariant(t, w)
}

func TestSleep(t *testing.T) {
	if err := sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleep() error = %v, want %v", err, context.Canceled)
	}
}
