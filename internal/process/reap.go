package process

import (
	"context"
	"errors"
	"os"
	"time"
)

const reapPollInterval = 50 * time.Millisecond

// ReapStale terminates a child left behind by a previous host that died
// without stopping it. The recorded process is only signalled when both its
// PID and its OS start time still match the PID file. It returns the PID
// that was terminated, or 0 when nothing needed reaping. The PID file is
// removed in every case it could be read or was found corrupt.
//
// Cancelling ctx cuts the grace period short: the orphan is killed at once,
// so the call returns within the kill margin of cancellation.
func (s *Supervisor) ReapStale(ctx context.Context, pidFile string, grace time.Duration) (int, error) {
	if pidFile == "" {
		return 0, nil
	}
	rec, err := ReadPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		s.log().Warn("discarding unreadable pid file", "path", pidFile, "error", err)
		return 0, RemovePIDFile(pidFile)
	}

	if !pidAlive(rec.PID) {
		s.log().Debug("stale pid file, process gone", "pid", rec.PID)
		return 0, RemovePIDFile(pidFile)
	}
	cur := getProcStartUnix(rec.PID)
	if rec.StartUnix == 0 || cur == 0 || absDiff(cur, rec.StartUnix) > 1 {
		s.log().Info("stale pid file refers to another process, leaving it alone", "pid", rec.PID, "recorded_start", rec.StartUnix, "current_start", cur)
		return 0, RemovePIDFile(pidFile)
	}

	s.log().Warn("terminating orphaned service from previous run", "pid", rec.PID, "run_id", rec.RunID)
	_ = interruptPID(rec.PID)
	if !waitGone(ctx, rec.PID, grace) {
		if ctx.Err() != nil {
			s.log().Info("start aborted, killing orphan without waiting out the grace period", "pid", rec.PID)
		}
		_ = killPID(rec.PID)
		if !waitGone(context.Background(), rec.PID, s.killMargin()) {
			return rec.PID, &ShutdownError{Name: "orphan", PID: rec.PID, Grace: grace, Forced: true, Reaped: false}
		}
	}
	return rec.PID, RemovePIDFile(pidFile)
}

// waitGone polls until pid is gone, d elapses or ctx is done.
func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(reapPollInterval)
	defer tick.Stop()
	for {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-deadline.C:
			return !pidAlive(pid)
		case <-tick.C:
		}
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
