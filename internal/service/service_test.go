package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ovr = "OVRService"

func newTestController(b Backend) *Controller {
	return New(Options{Backend: b, Timeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond})
}

func TestRegister_Idempotent(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Running, Automatic)
	c := newTestController(b)

	require.NoError(t, c.Register(ovr))
	require.NoError(t, c.Register(ovr))
	assert.True(t, c.Registered(ovr))
}

func TestRegister_UnknownService(t *testing.T) {
	c := newTestController(NewMemoryBackend())
	require.Error(t, c.Register("missing"))
	assert.Equal(t, NotFound, c.GetState("missing"))
	assert.Equal(t, StartupUnknown, c.GetStartup("missing"))
}

func TestGetState_IsLive(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Running, Manual)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))

	assert.Equal(t, Running, c.GetState(ovr))
	b.SetState(ovr, Paused)
	assert.Equal(t, Paused, c.GetState(ovr))
	assert.Equal(t, Manual, c.GetStartup(ovr))

	b.Fail(ovr, "query", errors.New("rpc unavailable"))
	assert.Equal(t, NotFound, c.GetState(ovr))
}

func TestStart_AlreadyRunningIsNoop(t *testing.T) {
	for _, st := range []State{Running, Paused, StartPending, StopPending} {
		t.Run(st.String(), func(t *testing.T) {
			b := NewMemoryBackend()
			b.Add(ovr, st, Automatic)
			c := newTestController(b)
			require.NoError(t, c.Register(ovr))

			require.NoError(t, c.Start(context.Background(), ovr))
			assert.Empty(t, b.Calls())
		})
	}
}

func TestStop_AlreadyStoppedIsNoop(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Stopped, Automatic)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))

	require.NoError(t, c.Stop(context.Background(), ovr))
	assert.Empty(t, b.Calls())
}

func TestStartStop_WaitsForTarget(t *testing.T) {
	b := NewMemoryBackend()
	b.Settle = 30 * time.Millisecond
	b.Add(ovr, Stopped, Automatic)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, ovr))
	assert.Equal(t, Running, c.GetState(ovr))

	require.NoError(t, c.Stop(ctx, ovr))
	assert.Equal(t, Stopped, c.GetState(ovr))
	assert.Equal(t, []string{"start:" + ovr, "stop:" + ovr}, b.Calls())
}

func TestStart_TimeoutIsReported(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Stopped, Automatic)
	b.Stick(ovr)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))

	err := c.Start(context.Background(), ovr)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StartPending, c.GetState(ovr))
}

func TestStart_ContextCancelStopsWaiting(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Stopped, Automatic)
	b.Stick(ovr)
	c := New(Options{Backend: b, Timeout: time.Minute, PollInterval: 5 * time.Millisecond})
	require.NoError(t, c.Register(ovr))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Start(ctx, ovr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStart_CommandError(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Stopped, Automatic)
	boom := errors.New("access denied")
	b.Fail(ovr, "start", boom)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))

	require.ErrorIs(t, c.Start(context.Background(), ovr), boom)
	assert.False(t, c.ManageService(context.Background(), ovr, true))
	assert.Equal(t, Stopped, c.GetState(ovr))
}

func TestStartStop_Unregistered(t *testing.T) {
	c := newTestController(NewMemoryBackend())
	require.ErrorIs(t, c.Start(context.Background(), ovr), ErrNotRegistered)
	require.ErrorIs(t, c.Stop(context.Background(), ovr), ErrNotRegistered)
}

func TestManageService(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Stopped, Manual)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))
	ctx := context.Background()

	assert.True(t, c.ManageService(ctx, ovr, true))
	assert.Equal(t, Running, c.GetState(ovr))
	assert.True(t, c.ManageService(ctx, ovr, false))
	assert.Equal(t, Stopped, c.GetState(ovr))
}

func TestSetStartupMode(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Running, Manual)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))

	require.ErrorIs(t, c.SetStartupMode(ovr, Automatic), ErrNotElevated)
	assert.Equal(t, Manual, c.GetStartup(ovr))

	b.SetElevated(true)
	require.NoError(t, c.SetStartupMode(ovr, Automatic))
	assert.Equal(t, Automatic, c.GetStartup(ovr))

	require.ErrorIs(t, c.SetStartupMode(ovr, Disabled), ErrInvalidMode)
	require.ErrorIs(t, c.SetStartupMode("other", Manual), ErrNotRegistered)
}

func TestParseStartupMode(t *testing.T) {
	m, err := ParseStartupMode("Auto")
	require.NoError(t, err)
	assert.Equal(t, Automatic, m)
	m, err = ParseStartupMode(" manual ")
	require.NoError(t, err)
	assert.Equal(t, Manual, m)
	_, err = ParseStartupMode("disabled")
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestClose(t *testing.T) {
	b := NewMemoryBackend()
	b.Add(ovr, Running, Manual)
	c := newTestController(b)
	require.NoError(t, c.Register(ovr))
	require.NoError(t, c.Close())
	assert.False(t, c.Registered(ovr))
}

func TestStateText(t *testing.T) {
	txt, err := Running.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Running", string(txt))
	assert.Equal(t, "NotFound", State(99).String())
	assert.True(t, StopPending.RunningLike())
	assert.False(t, Stopped.RunningLike())
	assert.False(t, NotFound.RunningLike())

	var st struct {
		State   State       `json:"state"`
		Startup StartupMode `json:"startup"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"StopPending","startup":"Disabled"}`), &st))
	assert.Equal(t, StopPending, st.State)
	assert.Equal(t, Disabled, st.Startup)
	require.ErrorIs(t, json.Unmarshal([]byte(`{"startup":"sometimes"}`), &st), ErrInvalidMode)
	var s State
	assert.Error(t, s.UnmarshalText([]byte("running")))
}
