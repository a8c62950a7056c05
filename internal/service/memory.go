package service

import (
	"fmt"
	"sync"
	"time"
)

// MemoryBackend is an in-process service manager. It backs the "memory"
// service backend used on hosts without a Service Control Manager and in tests.
type MemoryBackend struct {
	mu       sync.Mutex
	services map[string]*memService
	calls    []string
	elevated bool

	// Settle is how long a start/stop stays pending before completing.
	Settle time.Duration
}

type memService struct {
	state   State
	mode    StartupMode
	stuck   bool
	failOn  map[string]error
	pending *time.Timer
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{services: make(map[string]*memService)}
}

// Add installs a service with the given initial state and startup mode.
func (b *MemoryBackend) Add(name string, st State, mode StartupMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[name] = &memService{state: st, mode: mode, failOn: map[string]error{}}
}

// SetState forces the state of name, as if changed outside this process.
func (b *MemoryBackend) SetState(name string, st State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.services[name]; ok {
		s.state = st
	}
}

// Fail makes op ("start", "stop", "query", "config") on name return err.
func (b *MemoryBackend) Fail(name, op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.services[name]; ok {
		s.failOn[op] = err
	}
}

// Stick keeps name in its pending state forever after the next start/stop.
func (b *MemoryBackend) Stick(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.services[name]; ok {
		s.stuck = true
	}
}

func (b *MemoryBackend) SetElevated(v bool) {
	b.mu.Lock()
	b.elevated = v
	b.mu.Unlock()
}

// Calls returns the control commands issued so far, e.g. "start:OVRService".
func (b *MemoryBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *MemoryBackend) Open(name string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.services[name]; !ok {
		return nil, fmt.Errorf("service %s does not exist", name)
	}
	return &memHandle{b: b, name: name}, nil
}

func (b *MemoryBackend) SetStartMode(name string, mode StartupMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.services[name]
	if !ok {
		return fmt.Errorf("service %s does not exist", name)
	}
	if err := s.failOn["config"]; err != nil {
		return err
	}
	b.calls = append(b.calls, "startup:"+name+":"+mode.String())
	s.mode = mode
	return nil
}

func (b *MemoryBackend) IsElevated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elevated
}

func (b *MemoryBackend) control(name, op string, pending, final State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.services[name]
	if !ok {
		return fmt.Errorf("service %s does not exist", name)
	}
	b.calls = append(b.calls, op+":"+name)
	if err := s.failOn[op]; err != nil {
		return err
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	if s.stuck {
		s.state = pending
		return nil
	}
	if b.Settle <= 0 {
		s.state = final
		return nil
	}
	s.state = pending
	s.pending = time.AfterFunc(b.Settle, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.state == pending {
			s.state = final
		}
	})
	return nil
}

type memHandle struct {
	b    *MemoryBackend
	name string
}

func (h *memHandle) Query() (State, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	s, ok := h.b.services[h.name]
	if !ok {
		return NotFound, fmt.Errorf("service %s does not exist", h.name)
	}
	if err := s.failOn["query"]; err != nil {
		return NotFound, err
	}
	return s.state, nil
}

func (h *memHandle) Start() error { return h.b.control(h.name, "start", StartPending, Running) }
func (h *memHandle) Stop() error  { return h.b.control(h.name, "stop", StopPending, Stopped) }

func (h *memHandle) StartMode() (StartupMode, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	s, ok := h.b.services[h.name]
	if !ok {
		return StartupUnknown, fmt.Errorf("service %s does not exist", h.name)
	}
	return s.mode, nil
}

func (h *memHandle) Close() error { return nil }
