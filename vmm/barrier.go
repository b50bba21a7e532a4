package vmm

import (
	"time"

	"github.com/pkg/errors"
)

// ErrPauseTimeout means one or more execution domains failed to park within
// the configured deadline.
var ErrPauseTimeout = errors.New("vmm: pause timed out")

// quiesceBarrier is a counting rendezvous: n participants each call arrive
// exactly once, and wait returns once all have. arrive never blocks, so it
// is safe to call from a vCPU thread holding nothing.
type quiesceBarrier struct {
	n  int
	ch chan struct{}
}

func newQuiesceBarrier(n int) *quiesceBarrier {
	return &quiesceBarrier{n: n, ch: make(chan struct{}, n)}
}

func (b *quiesceBarrier) arrive() {
	b.ch <- struct{}{}
}

// wait blocks until all n participants arrived or the deadline passes.
func (b *quiesceBarrier) wait(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for i := 0; i < b.n; i++ {
		select {
		case <-b.ch:
		case <-deadline.C:
			return errors.Wrapf(ErrPauseTimeout, "%d of %d domains parked", i, b.n)
		}
	}

	return nil
}
