package runner

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// killTree force-kills pid and every descendant still visible.
//
// The tree is collected before anything is killed so reparented children are
// not lost. Errors are joined and returned for logging only.
func killTree(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Already gone.
		return nil
	}
	tree := []*process.Process{root}
	for i := 0; i < len(tree); i++ {
		kids, err := tree[i].ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		tree = append(tree, kids...)
	}

	var errs error
	for _, p := range tree {
		if err := p.KillWithContext(ctx); err != nil && !gone(ctx, p) {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "kill pid %d", p.Pid))
		}
	}
	killGroup(pid)
	return errs
}

func gone(ctx context.Context, p *process.Process) bool {
	ok, err := process.PidExistsWithContext(ctx, p.Pid)
	return err == nil && !ok
}
