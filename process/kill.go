package process

import (
	"context"
	"errors"
	"os"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// terminateTree sends SIGTERM to the process and all of its descendants.
// Descendants are collected before the parent is signalled since they are
// re-parented once it exits.
func terminateTree(ctx context.Context, proc *os.Process) error {
	root, err := gopsprocess.NewProcessWithContext(ctx, int32(proc.Pid))
	if err != nil {
		// Already gone.
		return nil
	}

	var errs []error
	for _, child := range descendants(ctx, root) {
		if err := child.TerminateWithContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := root.TerminateWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// killTree is the SIGKILL counterpart of terminateTree.
func killTree(ctx context.Context, proc *os.Process) {
	root, err := gopsprocess.NewProcessWithContext(ctx, int32(proc.Pid))
	if err != nil {
		return
	}
	for _, child := range descendants(ctx, root) {
		_ = child.KillWithContext(ctx)
	}
	_ = proc.Kill()
}

func descendants(ctx context.Context, p *gopsprocess.Process) []*gopsprocess.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var all []*gopsprocess.Process
	for _, c := range children {
		all = append(all, descendants(ctx, c)...)
		all = append(all, c)
	}
	return all
}
