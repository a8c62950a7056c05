// Package timers is a registry of named timers with an explicit
// create/start/stop/dispose lifecycle.
//
// Timers are created disabled and ids are unique: creating an id twice fails
// and leaves the first timer untouched. A single mutex guards the id map;
// callbacks run on their own goroutines outside of it, so callbacks of
// different timers may overlap with each other and with registry calls.
package timers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/vrlink/internal/metrics"
)

var (
	ErrExists   = errors.New("timer already exists")
	ErrNotFound = errors.New("timer not found")
	ErrInvalid  = errors.New("invalid timer")
)

// Callback is invoked with the time the timer elapsed.
type Callback func(at time.Time)

// Info is a read-only view of a registered timer.
type Info struct {
	ID        string        `json:"id"`
	Interval  time.Duration `json:"interval"`
	Repeating bool          `json:"repeating"`
	Enabled   bool          `json:"enabled"`
	Fires     uint64        `json:"fires"`
}

type entry struct {
	id        string
	interval  time.Duration
	repeating bool
	enabled   bool
	cb        Callback
	t         *time.Timer
	gen       uint64
	fires     uint64
}

type Registry struct {
	mu     sync.Mutex
	timers map[string]*entry
	log    *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{timers: make(map[string]*entry), log: logger.With("component", "timers")}
}

// Create registers a disabled timer.
func (r *Registry) Create(id string, interval time.Duration, cb Callback, repeating bool) error {
	if id == "" || interval <= 0 || cb == nil {
		return fmt.Errorf("%w: id=%q interval=%s", ErrInvalid, id, interval)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	r.timers[id] = &entry{id: id, interval: interval, repeating: repeating, cb: cb}
	return nil
}

// Start enables id. Starting an enabled timer does nothing.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.enabled {
		return nil
	}
	e.enabled = true
	r.arm(e)
	return nil
}

// Stop disables id. Pending elapses are discarded.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.disarm(e)
	e.enabled = false
	return nil
}

// SetInterval changes the period of id. An enabled timer restarts its
// countdown with the new interval.
func (r *Registry) SetInterval(id string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval=%s", ErrInvalid, interval)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.interval = interval
	if e.enabled {
		r.disarm(e)
		r.arm(e)
	}
	return nil
}

// Dispose stops id and removes it.
func (r *Registry) Dispose(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.disarm(e)
	delete(r.timers, id)
	return nil
}

// DisposeAll stops and removes every timer.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.timers {
		r.disarm(e)
		delete(r.timers, id)
	}
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// List returns every timer sorted by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.timers))
	for _, e := range r.timers {
		out = append(out, Info{ID: e.id, Interval: e.interval, Repeating: e.repeating, Enabled: e.enabled, Fires: e.fires})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// arm and disarm must be called with r.mu held.
func (r *Registry) arm(e *entry) {
	e.gen++
	gen := e.gen
	e.t = time.AfterFunc(e.interval, func() { r.fire(e, gen) })
}

func (r *Registry) disarm(e *entry) {
	e.gen++
	if e.t != nil {
		e.t.Stop()
		e.t = nil
	}
}

func (r *Registry) fire(e *entry, gen uint64) {
	r.mu.Lock()
	if cur, ok := r.timers[e.id]; !ok || cur != e || !e.enabled || e.gen != gen {
		r.mu.Unlock()
		return
	}
	if e.repeating {
		r.arm(e)
	} else {
		e.enabled = false
		e.t = nil
	}
	e.fires++
	cb := e.cb
	id := e.id
	r.mu.Unlock()

	metrics.IncTimerFire(id)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("timer callback panicked", "id", id, "panic", rec)
		}
	}()
	cb(time.Now())
}
