//go:build !windows

package service

type unsupportedBackend struct{}

// NewSystemBackend returns a backend that reports ErrUnsupported; service
// control is only implemented for the Windows Service Control Manager.
func NewSystemBackend() Backend { return unsupportedBackend{} }

func (unsupportedBackend) Open(string) (Handle, error)            { return nil, ErrUnsupported }
func (unsupportedBackend) SetStartMode(string, StartupMode) error { return ErrUnsupported }
func (unsupportedBackend) IsElevated() bool                       { return false }
