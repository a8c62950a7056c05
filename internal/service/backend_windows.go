//go:build windows

package service

import (
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// Least-privilege rights: a non-elevated user can usually query, start and
// stop vendor services but not reconfigure them.
const (
	controlAccess = windows.SERVICE_QUERY_STATUS | windows.SERVICE_QUERY_CONFIG |
		windows.SERVICE_START | windows.SERVICE_STOP
	configAccess = windows.SERVICE_QUERY_CONFIG | windows.SERVICE_CHANGE_CONFIG
)

type windowsBackend struct{}

// NewSystemBackend returns the Service Control Manager backend.
func NewSystemBackend() Backend { return windowsBackend{} }

func connect() (*mgr.Mgr, error) {
	h, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_CONNECT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service manager: %w", err)
	}
	return &mgr.Mgr{Handle: h}, nil
}

func openService(name string, access uint32) (*mgr.Service, error) {
	m, err := connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = m.Disconnect() }()
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenService(m.Handle, p, access)
	if err != nil {
		return nil, fmt.Errorf("failed to open service: %w", err)
	}
	return &mgr.Service{Name: name, Handle: h}, nil
}

func (windowsBackend) Open(name string) (Handle, error) {
	s, err := openService(name, controlAccess)
	if err != nil {
		return nil, err
	}
	return &windowsHandle{s: s}, nil
}

func (windowsBackend) SetStartMode(name string, mode StartupMode) error {
	var startType uint32
	switch mode {
	case Automatic:
		startType = mgr.StartAutomatic
	case Manual:
		startType = mgr.StartManual
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	s, err := openService(name, configAccess)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	err = windows.ChangeServiceConfig(s.Handle,
		windows.SERVICE_NO_CHANGE, startType, windows.SERVICE_NO_CHANGE,
		nil, nil, nil, nil, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("could not change service start type: %w", err)
	}
	return nil
}

func (windowsBackend) IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

type windowsHandle struct {
	s *mgr.Service
}

func (h *windowsHandle) Query() (State, error) {
	st, err := h.s.Query()
	if err != nil {
		return NotFound, err
	}
	return fromSvcState(st.State), nil
}

func (h *windowsHandle) Start() error { return h.s.Start() }

func (h *windowsHandle) Stop() error {
	_, err := h.s.Control(svc.Stop)
	return err
}

func (h *windowsHandle) StartMode() (StartupMode, error) {
	cfg, err := h.s.Config()
	if err != nil {
		return StartupUnknown, err
	}
	switch cfg.StartType {
	case mgr.StartAutomatic:
		return Automatic, nil
	case mgr.StartManual:
		return Manual, nil
	case mgr.StartDisabled:
		return Disabled, nil
	}
	return StartupUnknown, nil
}

func (h *windowsHandle) Close() error { return h.s.Close() }

func fromSvcState(s svc.State) State {
	switch s {
	case svc.Stopped:
		return Stopped
	case svc.StartPending, svc.ContinuePending:
		return StartPending
	case svc.StopPending:
		return StopPending
	case svc.Running:
		return Running
	case svc.Paused, svc.PausePending:
		return Paused
	}
	return NotFound
}
