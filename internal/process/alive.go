package process

import (
	"context"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidAlive reports whether pid refers to a live, non-zombie process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		// status is not available everywhere; existence is enough then
		return true
	}
	return !slices.Contains(st, gopsproc.Zombie)
}
