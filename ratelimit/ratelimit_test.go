package ratelimit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyvmm/tinyvmm/ratelimit"
)

func TestUnlimited(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{})

	for i := 0; i < 10000; i++ {
		require.True(t, l.AllowOp(1<<20))
	}
}

func TestOpsBucketExhausts(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{OpsPerSec: 1, OpsBurst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowOp(0), "op %d should pass", i)
	}

	assert.False(t, l.AllowOp(0), "bucket should be empty")
}

func TestBandwidthBucketExhausts(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{BytesPerSec: 1024, BytesBurst: 4096})

	assert.True(t, l.AllowOp(4096))
	assert.False(t, l.AllowOp(4096))
}

// A bandwidth denial must not leak an ops token.
func TestDenialConsumesNothing(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(ratelimit.Config{
		OpsPerSec: 1, OpsBurst: 2,
		BytesPerSec: 1, BytesBurst: 512,
	})

	// A request larger than the whole bandwidth bucket is denied without
	// consuming the op token.
	assert.False(t, l.AllowOp(4096))
	assert.True(t, l.AllowOp(256))
	assert.True(t, l.AllowOp(256))
}
