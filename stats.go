package reactor

import "sync/atomic"

// Stats exposes lock-free observability counters, in the spirit of the
// teacher library's atomic reads/writes counters on signal[T] (the
// "Supplemented features" section of SPEC_FULL.md). Not part of the normative
// facade surface in spec §6 - purely for tests and operators.
type Stats struct {
	tasksStarted   atomic.Int64
	tasksCompleted atomic.Int64
	tasksErrored   atomic.Int64
	tasksAborted   atomic.Int64
	readyQueuePeak atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TasksStarted   int64
	TasksCompleted int64
	TasksErrored   int64
	TasksAborted   int64
	ReadyQueuePeak int64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		TasksStarted:   s.tasksStarted.Load(),
		TasksCompleted: s.tasksCompleted.Load(),
		TasksErrored:   s.tasksErrored.Load(),
		TasksAborted:   s.tasksAborted.Load(),
		ReadyQueuePeak: s.readyQueuePeak.Load(),
	}
}

func (s *Stats) noteQueueLen(n int) {
	for {
		cur := s.readyQueuePeak.Load()
		if int64(n) <= cur || s.readyQueuePeak.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}
