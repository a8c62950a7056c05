package manager

import (
	"context"
	"errors"
)

// ErrClosed is returned for link commands sent after Shutdown.
var ErrClosed = errors.New("manager is shut down")

// CtrlType enumerates control message kinds handled by the link handler.
type CtrlType int

const (
	CtrlStartLink CtrlType = iota
	CtrlStopLink
	CtrlResetLink
	CtrlRecover
	CtrlCloseCompositor
)

func (t CtrlType) String() string {
	switch t {
	case CtrlStartLink:
		return "start"
	case CtrlStopLink:
		return "stop"
	case CtrlResetLink:
		return "reset"
	case CtrlRecover:
		return "recover"
	case CtrlCloseCompositor:
		return "close_compositor"
	default:
		return "unknown"
	}
}

// CtrlMsg is a control-plane message sent to the link handler to serialize
// service operations.
type CtrlMsg struct {
	Type  CtrlType
	Ctx   context.Context
	Reply chan error
}

// handler owns every operation on the link service. Commands from the API,
// the recovery policy and delayed relaunches all funnel through ctrl, so a
// stop and a start never interleave.
type handler struct {
	ctrl chan CtrlMsg
	exec func(context.Context, CtrlType) error
	done chan struct{}
}

func newHandler(exec func(context.Context, CtrlType) error) *handler {
	return &handler{
		ctrl: make(chan CtrlMsg, 16),
		exec: exec,
		done: make(chan struct{}),
	}
}

func (h *handler) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.ctrl:
			opCtx := msg.Ctx
			if opCtx == nil {
				opCtx = ctx
			}
			err := h.exec(opCtx, msg.Type)
			if msg.Reply != nil {
				msg.Reply <- err
			}
		}
	}
}

// call sends t and waits for its result.
func (h *handler) call(ctx context.Context, t CtrlType) error {
	reply := make(chan error, 1)
	select {
	case h.ctrl <- CtrlMsg{Type: t, Ctx: ctx, Reply: reply}:
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues t without waiting. It reports false when the handler is gone
// or its queue is full.
func (h *handler) post(t CtrlType) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ctrl <- CtrlMsg{Type: t}:
		return true
	default:
		return false
	}
}
