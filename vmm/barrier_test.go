package vmm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBarrierAllArrive(t *testing.T) {
	b := newQuiesceBarrier(3)

	for i := 0; i < 3; i++ {
		go b.arrive()
	}

	require.NoError(t, b.wait(time.Second))
}

func TestBarrierTimeout(t *testing.T) {
	b := newQuiesceBarrier(2)
	b.arrive()

	err := b.wait(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrPauseTimeout)
	require.Contains(t, err.Error(), "1 of 2")
}

func TestBarrierZeroParticipants(t *testing.T) {
	b := newQuiesceBarrier(0)
	require.NoError(t, b.wait(time.Millisecond))
}
