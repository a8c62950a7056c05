package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayed_RunsAfterDelay(t *testing.T) {
	d := newDelayed(context.Background())
	fired := make(chan time.Time, 1)
	begin := time.Now()
	d.schedule("x", 40*time.Millisecond, func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		fired <- time.Now()
	})

	require.Len(t, d.list(), 1)
	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(begin), 40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
	require.NoError(t, d.wait(context.Background()))
	assert.Empty(t, d.list())
}

func TestDelayed_CancelOne(t *testing.T) {
	d := newDelayed(context.Background())
	var a, b atomic.Int32
	cancelA := d.schedule("a", 30*time.Millisecond, func(context.Context) { a.Add(1) })
	d.schedule("b", 30*time.Millisecond, func(context.Context) { b.Add(1) })
	cancelA()

	require.NoError(t, d.wait(context.Background()))
	assert.Zero(t, a.Load())
	assert.Equal(t, int32(1), b.Load())
}

func TestDelayed_CancelAllAndParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := newDelayed(ctx)
	var n atomic.Int32
	d.schedule("a", time.Hour, func(context.Context) { n.Add(1) })
	d.schedule("b", time.Hour, func(context.Context) { n.Add(1) })
	assert.Equal(t, 2, d.cancelAll())
	assert.Empty(t, d.list())

	d.schedule("c", time.Hour, func(context.Context) { n.Add(1) })
	cancel()
	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	require.NoError(t, d.wait(wctx))
	assert.Zero(t, n.Load())
}

func TestDelayed_ListSortedByDue(t *testing.T) {
	d := newDelayed(context.Background())
	defer d.cancelAll()
	d.schedule("late", time.Hour, func(context.Context) {})
	d.schedule("early", time.Minute, func(context.Context) {})
	l := d.list()
	require.Len(t, l, 2)
	assert.Equal(t, "early", l[0].Name)
	assert.Equal(t, "late", l[1].Name)
}

func TestHandler_SerializesAndReplies(t *testing.T) {
	var running, overlap atomic.Int32
	var order []CtrlType
	h := newHandler(func(_ context.Context, ct CtrlType) error {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
		defer running.Add(-1)
		order = append(order, ct)
		time.Sleep(5 * time.Millisecond)
		if ct == CtrlStopLink {
			return errors.New("stop failed")
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go h.run(ctx)

	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		go func() { errs <- h.call(context.Background(), CtrlStartLink) }()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	require.EqualError(t, h.call(context.Background(), CtrlStopLink), "stop failed")
	assert.Zero(t, overlap.Load())
	assert.Len(t, order, 5)

	cancel()
	<-h.done
	assert.ErrorIs(t, h.call(context.Background(), CtrlStartLink), ErrClosed)
	assert.False(t, h.post(CtrlRecover))
}

func TestHandler_PostUsesHandlerContext(t *testing.T) {
	got := make(chan error, 1)
	h := newHandler(func(ctx context.Context, _ CtrlType) error {
		got <- ctx.Err()
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.run(ctx)

	require.True(t, h.post(CtrlRecover))
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("posted message not handled")
	}
}

func TestCtrlTypeString(t *testing.T) {
	assert.Equal(t, "close_compositor", CtrlCloseCompositor.String())
	assert.Equal(t, "unknown", CtrlType(42).String())
}
