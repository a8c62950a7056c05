package procwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/vrlink/internal/metrics"
	"github.com/loykin/vrlink/internal/observer"
)

// ErrUnavailable is returned by Start when the process listing primitive
// cannot be used. The watcher stays inert afterwards.
var ErrUnavailable = errors.New("process event source unavailable")

// Kind is the lifecycle transition carried by a Signal.
type Kind int

const (
	Started Kind = iota
	Exited
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Signal is a single process lifecycle notification.
type Signal struct {
	Name string
	PID  int
	Kind Kind
	At   time.Time
}

// Proc is one row of a live process listing.
type Proc struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// Lister returns the processes currently alive on the host.
type Lister interface {
	List(ctx context.Context) ([]Proc, error)
}

// Handler receives signals on the watcher's poll goroutine.
type Handler func(Signal)

// Options configures a Watcher.
type Options struct {
	Lister   Lister
	Interval time.Duration
	Logger   *slog.Logger
}

const DefaultInterval = time.Second

// Watcher turns periodic process listings into Started/Exited signals.
// Subscribers are called sequentially in subscription order, so a Started
// for a pid is always delivered before its Exited.
type Watcher struct {
	lister   Lister
	interval time.Duration
	log      *slog.Logger

	subs    observer.List[Signal]
	mu      sync.RWMutex
	ignored map[string]struct{}

	// poll state, owned by whoever holds pollMu
	pollMu sync.Mutex
	known  map[int]string
	primed bool
	inert  bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Watcher {
	if opts.Lister == nil {
		opts.Lister = SystemLister{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		lister:   opts.Lister,
		interval: opts.Interval,
		log:      opts.Logger.With("component", "procwatch"),
		ignored:  make(map[string]struct{}),
	}
}

// Subscribe registers h for every non-ignored signal. Cancel the returned
// token to unsubscribe.
func (w *Watcher) Subscribe(h Handler) *observer.Token {
	return w.subs.Subscribe(h)
}

// IgnoreExeName drops signals for name (exact, case-sensitive) before delivery.
func (w *Watcher) IgnoreExeName(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.ignored[name] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) RemoveIgnoreExeName(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	delete(w.ignored, name)
	w.mu.Unlock()
}

// Ignored returns the ignore list sorted by name.
func (w *Watcher) Ignored() []string {
	w.mu.RLock()
	out := make([]string, 0, len(w.ignored))
	for n := range w.ignored {
		out = append(out, n)
	}
	w.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Start launches the poll loop. It primes the baseline synchronously so a
// failing primitive is reported to the caller; in that case the watcher is
// marked inert and later Start calls keep returning ErrUnavailable.
func (w *Watcher) Start(ctx context.Context) error {
	return w.StartSeeded(ctx, nil)
}

// StartSeeded is Start with seed called on the baseline listing before the
// poll loop runs, so state seeded from it cannot miss a process that appears
// between seeding and the first poll. After a Stop the new baseline is
// diffed against the last one and the net changes are delivered first.
func (w *Watcher) StartSeeded(ctx context.Context, seed func([]Proc)) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return nil
	}
	w.pollMu.Lock()
	inert := w.inert
	w.pollMu.Unlock()
	if inert {
		return ErrUnavailable
	}
	if err := w.prime(ctx, seed); err != nil {
		w.pollMu.Lock()
		w.inert = true
		w.pollMu.Unlock()
		w.log.Error("process watcher initialization failed; no process events will be delivered", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(runCtx, w.done)
	w.log.Debug("process watcher started", "interval", w.interval)
	return nil
}

// Stop halts the poll loop. Subscribers stay registered.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.log.Debug("process watcher stopped")
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.cancel != nil
}

// Close stops the watcher and clears the ignore list.
func (w *Watcher) Close() {
	w.Stop()
	w.mu.Lock()
	w.ignored = make(map[string]struct{})
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("process listing failed", "error", err)
			}
		}
	}
}

func (w *Watcher) prime(ctx context.Context, seed func([]Proc)) error {
	procs, err := w.lister.List(ctx)
	if err != nil {
		return err
	}
	cur := index(procs)
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	if w.primed {
		// restart: processes that came and went while stopped are never seen
		w.deliver(diff(w.known, cur, time.Now()))
	}
	w.known = cur
	w.primed = true
	if seed != nil {
		seed(procs)
	}
	return nil
}

// PollOnce takes one listing and delivers the difference against the
// previous one. The first call only records a baseline.
func (w *Watcher) PollOnce(ctx context.Context) error {
	procs, err := w.lister.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	cur := index(procs)

	w.pollMu.Lock()
	if !w.primed {
		w.known = cur
		w.primed = true
		w.pollMu.Unlock()
		return nil
	}
	prev := w.known
	w.known = cur
	// deliver while holding pollMu so a concurrent PollOnce cannot interleave
	w.deliver(diff(prev, cur, now))
	w.pollMu.Unlock()
	return nil
}

func (w *Watcher) deliver(sigs []Signal) {
	for _, s := range sigs {
		w.Dispatch(s)
	}
}

// diff returns exits before starts, each ordered by pid.
func diff(prev, cur map[int]string, now time.Time) []Signal {
	var sigs []Signal
	// a reused pid shows up as exit of the old name then start of the new one
	for pid, name := range prev {
		if nn, ok := cur[pid]; !ok || nn != name {
			sigs = append(sigs, Signal{Name: name, PID: pid, Kind: Exited, At: now})
		}
	}
	for pid, name := range cur {
		if on, ok := prev[pid]; !ok || on != name {
			sigs = append(sigs, Signal{Name: name, PID: pid, Kind: Started, At: now})
		}
	}
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Kind != sigs[j].Kind {
			return sigs[i].Kind == Exited
		}
		return sigs[i].PID < sigs[j].PID
	})
	return sigs
}

// Dispatch delivers s to every subscriber unless its name is ignored.
func (w *Watcher) Dispatch(s Signal) {
	w.mu.RLock()
	_, skip := w.ignored[s.Name]
	w.mu.RUnlock()
	if skip {
		metrics.IncWatcherIgnored()
		return
	}
	metrics.IncWatcherSignal(s.Kind.String())
	w.subs.Notify(s)
}

func index(procs []Proc) map[int]string {
	m := make(map[int]string, len(procs))
	for _, p := range procs {
		m[p.PID] = p.Name
	}
	return m
}
