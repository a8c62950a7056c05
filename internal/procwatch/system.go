package procwatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// SystemLister lists host processes through gopsutil.
type SystemLister struct{}

func (SystemLister) List(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			// exited between enumeration and lookup, or access denied
			continue
		}
		out = append(out, Proc{PID: int(p.Pid), Name: name})
	}
	return out, nil
}

// FindByName returns the pids whose executable name equals name, ignoring case.
func FindByName(procs []Proc, name string) []int {
	var pids []int
	for _, p := range procs {
		if strings.EqualFold(p.Name, name) {
			pids = append(pids, p.PID)
		}
	}
	return pids
}

// Killer terminates processes by executable name.
type Killer interface {
	KillByName(ctx context.Context, name string) (int, error)
}

// SystemKiller kills processes via gopsutil.
type SystemKiller struct {
	Lister Lister
}

// KillByName kills every process named name and returns how many were
// signalled. Errors for individual processes are joined; the rest are still killed.
func (k SystemKiller) KillByName(ctx context.Context, name string) (int, error) {
	l := k.Lister
	if l == nil {
		l = SystemLister{}
	}
	procs, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, pid := range FindByName(procs, name) {
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			if errors.Is(err, process.ErrorProcessNotRunning) {
				continue
			}
			errs = append(errs, fmt.Errorf("open %s (%d): %w", name, pid, err))
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kill %s (%d): %w", name, pid, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
