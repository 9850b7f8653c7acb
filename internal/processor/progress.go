package processor

import "sync/atomic"

// Progress is a coarse, read-only snapshot of the currently processing
// batch, joined in at read time rather than persisted (spec §4.4 "Progress
// snapshots", §9 "a read-only, atomically-swappable snapshot pointer").
type Progress struct {
	BatchUID       uint32
	Step           string
	TasksTotal     int
	TasksProcessed int
}

// progressHandle holds the swappable pointer readers consult; nil means no
// batch is currently processing.
type progressHandle struct {
	p atomic.Pointer[Progress]
}

func (h *progressHandle) set(p *Progress) { h.p.Store(p) }
func (h *progressHandle) clear()          { h.p.Store(nil) }

// Snapshot returns the current progress, or nil if idle. Safe to call from
// any goroutine; it never blocks on the processor.
func (h *progressHandle) Snapshot() *Progress { return h.p.Load() }
