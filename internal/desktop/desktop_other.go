//go:build !windows

package desktop

type unsupported struct{}

// System returns the platform desktop. Off Windows every call fails with
// ErrUnsupported.
func System() Desktop { return unsupported{} }

func (unsupported) ForegroundTitle() (string, error) { return "", ErrUnsupported }
func (unsupported) FocusProcess(int) error           { return ErrUnsupported }
