package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vrlink/internal/desktop"
	"github.com/loykin/vrlink/internal/history"
	"github.com/loykin/vrlink/internal/procwatch"
	"github.com/loykin/vrlink/internal/runstate"
	"github.com/loykin/vrlink/internal/service"
	"github.com/loykin/vrlink/internal/timers"
)

// seq is a shared, timestamped call log across fakes.
type seq struct {
	mu     sync.Mutex
	ops    []string
	stamps []time.Time
}

func (s *seq) add(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.stamps = append(s.stamps, time.Now())
	s.mu.Unlock()
}

func (s *seq) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *seq) count(op string) int {
	n := 0
	for _, o := range s.all() {
		if o == op {
			n++
		}
	}
	return n
}

// first returns when op was first recorded.
func (s *seq) first(op string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.ops {
		if o == op {
			return s.stamps[i]
		}
	}
	return time.Time{}
}

type fakeLister struct {
	mu    sync.Mutex
	procs []procwatch.Proc
	err   error
}

func (f *fakeLister) List(context.Context) ([]procwatch.Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]procwatch.Proc(nil), f.procs...), nil
}

func (f *fakeLister) remove(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.procs[:0]
	n := 0
	for _, p := range f.procs {
		if strings.EqualFold(p.Name, name) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	f.procs = kept
	return n
}

type fakeKiller struct {
	seq    *seq
	lister *fakeLister
}

func (k *fakeKiller) KillByName(_ context.Context, name string) (int, error) {
	k.seq.add("kill:" + name)
	return k.lister.remove(name), nil
}

type recBackend struct {
	service.Backend
	seq *seq
}

func (b recBackend) Open(name string) (service.Handle, error) {
	h, err := b.Backend.Open(name)
	if err != nil {
		return nil, err
	}
	return recHandle{Handle: h, name: name, seq: b.seq}, nil
}

type recHandle struct {
	service.Handle
	name string
	seq  *seq
}

func (h recHandle) Start() error {
	h.seq.add("start:" + h.name)
	return h.Handle.Start()
}

func (h recHandle) Stop() error {
	h.seq.add("stop:" + h.name)
	return h.Handle.Stop()
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *memSink) byType(t history.EventType) []history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	m       *Manager
	w       *procwatch.Watcher
	backend *service.MemoryBackend
	lister  *fakeLister
	seq     *seq
	desk    *desktop.Fake
	prefs   atomic.Value
}

const relaunch = 120 * time.Millisecond

func newHarness(t *testing.T, link service.State, procs []procwatch.Proc, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		backend: service.NewMemoryBackend(),
		lister:  &fakeLister{procs: procs},
		seq:     &seq{},
		desk:    desktop.NewFake(),
	}
	h.prefs.Store(Preferences{ExitLinkOnSteamVRExit: true, SteamVRFocusFix: true})
	h.backend.Add(LinkService, link, service.Automatic)
	// polling is driven by hand through Dispatch
	h.w = procwatch.New(procwatch.Options{Lister: h.lister, Interval: time.Hour})
	opts := Options{
		Watcher:       h.w,
		Services:      service.New(service.Options{Backend: recBackend{Backend: h.backend, seq: h.seq}, Timeout: time.Second, PollInterval: 5 * time.Millisecond}),
		Killer:        &fakeKiller{seq: h.seq, lister: h.lister},
		Desktop:       h.desk,
		Timers:        timers.New(nil),
		Preferences:   func() Preferences { return h.prefs.Load().(Preferences) },
		RelaunchDelay: relaunch,
		FocusInterval: 10 * time.Millisecond,
	}
	for _, f := range tweak {
		f(&opts)
	}
	h.m = New(opts)
	require.NoError(t, h.m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) setPrefs(p Preferences) { h.prefs.Store(p) }

func (h *harness) exit(name string, pid int) {
	h.w.Dispatch(procwatch.Signal{Name: name, PID: pid, Kind: procwatch.Exited, At: time.Now()})
}

func (h *harness) start(name string, pid int) {
	h.w.Dispatch(procwatch.Signal{Name: name, PID: pid, Kind: procwatch.Started, At: time.Now()})
}

func steamVR() []procwatch.Proc {
	return []procwatch.Proc{
		{PID: 9, Name: runstate.Steam},
		{PID: 10, Name: runstate.VRServer},
		{PID: 11, Name: runstate.VRMonitor},
	}
}

func TestRecovery_OnCompositorExit(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	require.True(t, h.m.Compositor().IsRunning(runstate.VRServer))

	h.exit(runstate.VRServer, 10)

	require.Eventually(t, func() bool { return h.seq.count("start:"+LinkService) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"kill:" + runstate.VRServer,
		"kill:" + runstate.VRMonitor,
		"stop:" + LinkService,
		"kill:" + runstate.VRServer,
		"kill:" + runstate.VRMonitor,
		"start:" + LinkService,
	}, h.seq.all())

	gap := h.seq.first("start:" + LinkService).Sub(h.seq.first("stop:" + LinkService))
	assert.GreaterOrEqual(t, gap, relaunch)
	assert.False(t, h.m.Compositor().SuppressionArmed())
	assert.Equal(t, service.Running, h.m.Services().GetState(LinkService))

	st := h.m.Status()
	require.NotNil(t, st.LastRecovery)
	assert.Equal(t, "ok", st.LastRecovery.Outcome)
	assert.Equal(t, "compositor_exit", st.LastRecovery.Trigger)
}

func TestRecovery_SuppressedByLatch(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	h.m.Compositor().ArmSuppression()

	h.exit(runstate.VRServer, 10)
	time.Sleep(3 * relaunch)

	assert.Empty(t, h.seq.all())
	assert.False(t, h.m.Compositor().SuppressionArmed())

	// the next unrelated exit is not suppressed
	h.start(runstate.VRServer, 20)
	h.exit(runstate.VRServer, 20)
	require.Eventually(t, func() bool { return h.seq.count("stop:"+LinkService) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRecovery_PreferenceOff(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	h.setPrefs(Preferences{})

	h.exit(runstate.VRServer, 10)
	time.Sleep(3 * relaunch)
	assert.Empty(t, h.seq.all())
}

func TestRecovery_OnlyVRServerTriggers(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	h.exit(runstate.VRMonitor, 11)
	h.exit(runstate.Steam, 9)
	time.Sleep(3 * relaunch)
	assert.Empty(t, h.seq.all())
}

func TestRecovery_Throttled(t *testing.T) {
	h := newHarness(t, service.Running, steamVR(), func(o *Options) {
		o.RecoveryInterval = time.Hour
		o.RecoveryBurst = 1
	})

	h.exit(runstate.VRServer, 10)
	require.Eventually(t, func() bool { return h.seq.count("start:"+LinkService) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.start(runstate.VRServer, 30)
	h.exit(runstate.VRServer, 30)
	time.Sleep(3 * relaunch)
	assert.Equal(t, 2, h.seq.count("kill:"+runstate.VRServer))
}

func TestStopLink_ArmsLatchWhenCompositorRunning(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	ctx := context.Background()

	require.NoError(t, h.m.StopLink(ctx))
	assert.Equal(t, []string{"stop:" + LinkService}, h.seq.all())
	assert.True(t, h.m.Compositor().SuppressionArmed())

	// SteamVR goes down because of the stop: no recovery, latch consumed
	h.exit(runstate.VRServer, 10)
	time.Sleep(3 * relaunch)
	assert.Equal(t, []string{"stop:" + LinkService}, h.seq.all())
	assert.False(t, h.m.Compositor().SuppressionArmed())
}

func TestStopLink_NoLatchWithoutCompositor(t *testing.T) {
	h := newHarness(t, service.Running, nil)
	require.NoError(t, h.m.StopLink(context.Background()))
	assert.False(t, h.m.Compositor().SuppressionArmed())
	assert.Equal(t, service.Stopped, h.m.Services().GetState(LinkService))
}

func TestStopLink_NoopWhenStopped(t *testing.T) {
	h := newHarness(t, service.Stopped, steamVR())
	require.NoError(t, h.m.StopLink(context.Background()))
	assert.Empty(t, h.seq.all())
	assert.False(t, h.m.Compositor().SuppressionArmed())
}

func TestStartLink(t *testing.T) {
	h := newHarness(t, service.Stopped, nil)
	ctx := context.Background()

	require.NoError(t, h.m.StartLink(ctx))
	assert.Equal(t, service.Running, h.m.Services().GetState(LinkService))
	require.NoError(t, h.m.StartLink(ctx))
	assert.Equal(t, []string{"start:" + LinkService}, h.seq.all())
}

func TestStartLink_ErrorIsReturned(t *testing.T) {
	h := newHarness(t, service.Stopped, nil)
	boom := errors.New("access denied")
	h.backend.Fail(LinkService, "start", boom)
	require.ErrorIs(t, h.m.StartLink(context.Background()), boom)
}

func TestResetLink(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	require.NoError(t, h.m.ResetLink(context.Background()))
	assert.Equal(t, []string{"stop:" + LinkService, "start:" + LinkService}, h.seq.all())
	assert.True(t, h.m.Compositor().SuppressionArmed())
	assert.Equal(t, service.Running, h.m.Services().GetState(LinkService))
}

func TestResetLink_NoopWhenStopped(t *testing.T) {
	h := newHarness(t, service.Stopped, nil)
	require.NoError(t, h.m.ResetLink(context.Background()))
	assert.Empty(t, h.seq.all())
}

func TestCloseCompositorAndResetLink(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())

	require.NoError(t, h.m.CloseCompositorAndResetLink(context.Background()))
	// we killed a running vrserver, so its exit must not trigger a second run
	assert.True(t, h.m.Compositor().SuppressionArmed())
	h.exit(runstate.VRServer, 10)
	assert.False(t, h.m.Compositor().SuppressionArmed())

	require.Eventually(t, func() bool { return h.seq.count("start:"+LinkService) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(2 * relaunch)
	assert.Equal(t, 2, h.seq.count("kill:"+runstate.VRServer))
	assert.Equal(t, "request", h.m.Status().LastRecovery.Trigger)
}

func TestCloseCompositor_NothingToKillLeavesLatchClear(t *testing.T) {
	h := newHarness(t, service.Stopped, nil)
	require.NoError(t, h.m.CloseCompositorAndResetLink(context.Background()))
	assert.False(t, h.m.Compositor().SuppressionArmed())
}

func TestShutdown_CancelsPendingRelaunch(t *testing.T) {
	h := newHarness(t, service.Running, steamVR(), func(o *Options) { o.RelaunchDelay = time.Hour })

	h.exit(runstate.VRServer, 10)
	require.Eventually(t, func() bool { return len(h.m.PendingTasks()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(ctx))
	assert.Empty(t, h.m.PendingTasks())
	assert.Zero(t, h.seq.count("start:"+LinkService))
	assert.False(t, h.w.Running())

	require.ErrorIs(t, h.m.StartLink(context.Background()), ErrClosed)
	require.NoError(t, h.m.Shutdown(ctx))
}

func TestFocusFix(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	h.desk.AddWindow(11)
	h.desk.SetForeground(TaskViewTitle)

	require.Eventually(t, func() bool { return len(h.desk.Focused()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 11, h.desk.Focused()[0])

	h.desk.SetForeground("Steam")
	time.Sleep(30 * time.Millisecond)
	n := len(h.desk.Focused())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(h.desk.Focused()))
}

func TestFocusFix_PreferenceOff(t *testing.T) {
	h := newHarness(t, service.Running, steamVR())
	h.setPrefs(Preferences{ExitLinkOnSteamVRExit: true})
	h.desk.AddWindow(11)
	h.desk.SetForeground(TaskViewTitle)
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, h.desk.Focused())
}

func TestFocusFix_TimerFollowsVRServer(t *testing.T) {
	h := newHarness(t, service.Running, nil)
	h.setPrefs(Preferences{})

	enabled := func() bool {
		for _, ti := range h.m.Timers().List() {
			if ti.ID == FocusTimerID {
				return ti.Enabled
			}
		}
		return false
	}
	assert.False(t, enabled())
	h.start(runstate.VRServer, 40)
	assert.True(t, enabled())
	h.exit(runstate.VRServer, 40)
	assert.False(t, enabled())
}

func TestStart_WatcherUnavailable(t *testing.T) {
	h := &harness{lister: &fakeLister{err: errors.New("wmi down")}, seq: &seq{}}
	backend := service.NewMemoryBackend()
	backend.Add(LinkService, service.Stopped, service.Manual)
	w := procwatch.New(procwatch.Options{Lister: h.lister})
	m := New(Options{
		Watcher:  w,
		Services: service.New(service.Options{Backend: backend}),
		Killer:   &fakeKiller{seq: h.seq, lister: h.lister},
		Desktop:  desktop.NewFake(),
	})
	defer func() { _ = m.Shutdown(context.Background()) }()

	require.NoError(t, m.Start(context.Background()))
	st := m.Status()
	assert.False(t, st.Watcher.Running)
	assert.Contains(t, st.Watcher.Error, "unavailable")
	assert.False(t, st.Compositor.Running)

	// explicit commands keep working
	require.NoError(t, m.StartLink(context.Background()))
	assert.Equal(t, service.Running, m.Services().GetState(LinkService))
}

// seqLister returns listings[i] on call i and repeats the last one after.
type seqLister struct {
	mu       sync.Mutex
	listings [][]procwatch.Proc
	calls    int
}

func (l *seqLister) List(context.Context) ([]procwatch.Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := min(l.calls, len(l.listings)-1)
	l.calls++
	return append([]procwatch.Proc(nil), l.listings[i]...), nil
}

func (l *seqLister) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestStart_SeedsFromWatcherBaseline(t *testing.T) {
	l := &seqLister{listings: [][]procwatch.Proc{nil, {{PID: 10, Name: runstate.VRServer}}}}
	backend := service.NewMemoryBackend()
	backend.Add(LinkService, service.Running, service.Manual)
	w := procwatch.New(procwatch.Options{Lister: l, Interval: time.Hour})
	m := New(Options{
		Watcher:       w,
		Services:      service.New(service.Options{Backend: backend, Timeout: time.Second, PollInterval: 5 * time.Millisecond}),
		Killer:        &fakeKiller{seq: &seq{}, lister: &fakeLister{}},
		Desktop:       desktop.NewFake(),
		Preferences:   func() Preferences { return Preferences{ExitLinkOnSteamVRExit: true} },
		RelaunchDelay: time.Hour,
	})
	defer func() { _ = m.Shutdown(context.Background()) }()

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, 1, l.count())
	assert.False(t, m.Compositor().IsRunning(runstate.VRServer))

	// a process that shows up after the baseline is reported by the next poll
	require.NoError(t, w.PollOnce(context.Background()))
	assert.True(t, m.Compositor().IsRunning(runstate.VRServer))

	l.mu.Lock()
	l.listings = append(l.listings, nil)
	l.mu.Unlock()
	require.NoError(t, w.PollOnce(context.Background()))
	assert.False(t, m.Compositor().IsRunning(runstate.VRServer))
	require.Eventually(t, func() bool {
		return m.Services().GetState(LinkService) == service.Stopped
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHistoryRecording(t *testing.T) {
	h := newHarness(t, service.Stopped, nil)
	sink := &memSink{}
	h.m.SetHistorySinks(sink)

	h.start(runstate.OVRServer, 77)
	require.NoError(t, h.m.StartLink(context.Background()))

	tr := sink.byType(history.EventTransition)
	require.Len(t, tr, 1)
	assert.Equal(t, RuntimeApp, tr[0].Record.App)
	assert.Equal(t, runstate.OVRServer, tr[0].Record.Name)
	assert.Equal(t, "running", tr[0].Record.To)

	links := sink.byType(history.EventLink)
	require.Len(t, links, 1)
	assert.Equal(t, "start", links[0].Record.Reason)

	_, ok := h.m.HistoryReader()
	assert.False(t, ok)
}

func TestTrackedPIDsAndApp(t *testing.T) {
	procs := append(steamVR(), procwatch.Proc{PID: 50, Name: runstate.OVRServer})
	h := newHarness(t, service.Running, procs)

	pids := h.m.TrackedPIDs()
	assert.Equal(t, int32(10), pids[runstate.VRServer])
	assert.Equal(t, int32(50), pids[runstate.OVRServer])

	rt, ok := h.m.App("runtime")
	require.True(t, ok)
	assert.True(t, rt.Running)
	comp, ok := h.m.App(CompositorApp)
	require.True(t, ok)
	assert.Len(t, comp.Processes, 3)
	_, ok = h.m.App("other")
	assert.False(t, ok)

	st := h.m.Status()
	assert.Equal(t, service.Running, st.Link.State)
	assert.True(t, st.Link.Registered)
	assert.True(t, st.Watcher.Running)
}

func TestDetectRuntimeInstall(t *testing.T) {
	assert.False(t, detectRuntimeInstall("").Installed)
	assert.False(t, detectRuntimeInstall(filepath.Join(t.TempDir(), "missing")).Installed)

	base := t.TempDir()
	ri := detectRuntimeInstall(base)
	assert.False(t, ri.Installed)
	assert.Equal(t, base, ri.BaseDir)

	client := filepath.Join(base, "Support", "oculus-client")
	require.NoError(t, os.MkdirAll(client, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(client, "OculusClient.exe"), []byte("MZ"), 0o644))
	ri = detectRuntimeInstall(base)
	assert.True(t, ri.Installed)
	assert.Equal(t, filepath.Join(client, "OculusClient.exe"), ri.ClientExe)

	t.Setenv(RuntimeInstallEnv, base)
	assert.True(t, DetectRuntimeInstall().Installed)
}
