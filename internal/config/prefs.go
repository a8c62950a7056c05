package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// PreferenceStore holds the current preferences. Readers never block.
type PreferenceStore struct {
	v atomic.Pointer[Preferences]

	mu     sync.Mutex
	onSwap []func(old, cur Preferences)
}

func NewPreferenceStore(p Preferences) *PreferenceStore {
	s := &PreferenceStore{}
	s.v.Store(&p)
	return s
}

func (s *PreferenceStore) Get() Preferences { return *s.v.Load() }

// Set replaces the preferences and notifies OnChange callbacks when they
// differ from the previous value.
func (s *PreferenceStore) Set(p Preferences) {
	old := *s.v.Swap(&p)
	if old == p {
		return
	}
	s.mu.Lock()
	fns := slices.Clone(s.onSwap)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(old, p)
	}
}

func (s *PreferenceStore) OnChange(fn func(old, cur Preferences)) {
	s.mu.Lock()
	s.onSwap = append(s.onSwap, fn)
	s.mu.Unlock()
}

// Watch reloads [preferences] from path whenever the file changes, until ctx
// ends. The parent directory is watched so editors that replace the file by
// rename are picked up. A file that fails to parse keeps the last good
// preferences.
func (s *PreferenceStore) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "config")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					p, err := LoadPreferences(path)
					if err != nil {
						log.Warn("preferences reload failed; keeping previous values", "path", path, "error", err)
						return
					}
					s.Set(p)
					log.Info("preferences reloaded",
						"exit_link_on_steamvr_exit", p.ExitLinkOnSteamVRExit,
						"steamvr_focus_fix", p.SteamVRFocusFix)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("config watcher error", "error", err)
			}
		}
	}()
	log.Debug("watching config for preference changes", "path", abs)
	return nil
}
