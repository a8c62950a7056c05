// Package desktop reads and changes window focus on the interactive desktop.
package desktop

import (
	"errors"
	"sync"
)

var (
	ErrUnsupported = errors.New("desktop window control is not supported on this platform")
	ErrNoWindow    = errors.New("process has no visible top-level window")
)

// Desktop is the window API the focus fix needs.
type Desktop interface {
	// ForegroundTitle returns the title of the window that has focus, or ""
	// when there is none.
	ForegroundTitle() (string, error)
	// FocusProcess brings the main window of pid to the top and focuses it.
	FocusProcess(pid int) error
}

// Fake is an in-memory Desktop for tests and headless hosts.
type Fake struct {
	mu      sync.Mutex
	title   string
	windows map[int]bool
	focused []int
}

func NewFake() *Fake { return &Fake{windows: make(map[int]bool)} }

// SetForeground sets the title ForegroundTitle reports.
func (f *Fake) SetForeground(title string) {
	f.mu.Lock()
	f.title = title
	f.mu.Unlock()
}

// AddWindow gives pid a focusable window.
func (f *Fake) AddWindow(pid int) {
	f.mu.Lock()
	f.windows[pid] = true
	f.mu.Unlock()
}

func (f *Fake) ForegroundTitle() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.title, nil
}

func (f *Fake) FocusProcess(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.windows[pid] {
		return ErrNoWindow
	}
	f.focused = append(f.focused, pid)
	return nil
}

// Focused returns every pid focused so far, in order.
func (f *Fake) Focused() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.focused...)
}
