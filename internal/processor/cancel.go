package processor

import "sync/atomic"

// cancelFlag is the shared atomic boolean the indexer worker pool polls at
// well-defined suspension points (between document extractions, between
// bucket merges, between index write steps), per spec §4.4/§5.
type cancelFlag struct {
	v atomic.Bool
}

func (c *cancelFlag) set()          { c.v.Store(true) }
func (c *cancelFlag) reset()        { c.v.Store(false) }
func (c *cancelFlag) isSet() bool   { return c.v.Load() }

// errCanceled is returned by suspension-point checks once the flag is set,
// so extraction/merge loops can unwind via a normal error return instead of
// a panic or a context cancellation plumbed through every call.
type canceledError struct{}

func (canceledError) Error() string { return "batch canceled" }

var errCanceled error = canceledError{}

func checkCanceled(c *cancelFlag) error {
	if c.isSet() {
		return errCanceled
	}
	return nil
}
