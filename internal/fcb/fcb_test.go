package fcb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Reserve hands out distinct fids and fails atomically (reserving
// none) once the table can't satisfy the full request.
func TestReserveExhaustion(t *testing.T) {
	tbl := NewTable(2)

	fids, fcbs, err := tbl.Reserve(2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1}, fids)
	assert.Len(t, fcbs, 2)

	_, _, err = tbl.Reserve(1)
	assert.ErrorIs(t, err, ErrExhausted)
}

// Test Decref only invokes Ops.Close once the reference count reaches
// zero, and clears the table slot on every call regardless.
func TestDecrefClosesOnLastReference(t *testing.T) {
	tbl := NewTable(1)
	fids, fcbs, err := tbl.Reserve(1)
	require.NoError(t, err)

	f := fcbs[0]
	closed := 0
	f.Ops.Close = func() error {
		closed++
		return nil
	}

	tbl.Incref(f) // refcount now 2

	require.NoError(t, tbl.Decref(fids[0], f))
	assert.Equal(t, 0, closed, "must not close while still referenced")
	assert.Nil(t, tbl.Get(fids[0]), "slot clears even while refcount > 0")

	require.NoError(t, tbl.Decref(-1, f))
	assert.Equal(t, 1, closed, "closes once the last reference drops")
}
