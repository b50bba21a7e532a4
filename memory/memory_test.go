package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslateBounds(t *testing.T) {
	t.Parallel()

	g, err := New(2 * PageSize)
	require.NoError(t, err)

	defer g.Release()

	b, err := g.Translate(0, PageSize)
	require.NoError(t, err)
	require.Len(t, b, PageSize)

	_, err = g.Translate(uint64(g.Size()), 1)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = g.Translate(uint64(g.Size())-1, 2)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestReadWriteAt(t *testing.T) {
	t.Parallel()

	g, err := New(PageSize)
	require.NoError(t, err)

	defer g.Release()

	n, err := g.WriteAt([]byte("hello"), 100)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	_, err = g.ReadAt(buf, 100)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), buf)
}

func TestNewRejectsUnalignedSize(t *testing.T) {
	t.Parallel()

	_, err := New(PageSize + 1)
	require.Error(t, err)
}

func TestCoalesce(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 8*PageSize)

	// Pages 1, 2 and 5 dirty: expect two regions.
	bitmap := []uint64{1<<1 | 1<<2 | 1<<5}

	regions := coalesce(buf, bitmap)
	require.Len(t, regions, 2)

	require.Equal(t, uint64(1*PageSize), regions[0].Base)
	require.Len(t, regions[0].Data, 2*PageSize)

	require.Equal(t, uint64(5*PageSize), regions[1].Base)
	require.Len(t, regions[1].Data, PageSize)
}

func TestDirtyRegionsRequiresTracking(t *testing.T) {
	t.Parallel()

	g, err := New(PageSize)
	require.NoError(t, err)

	defer g.Release()

	_, err = g.DirtyRegions()
	require.ErrorIs(t, err, ErrNotAttached)
}
