package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/proc"
)

func testConfig() kernel.Config {
	cfg := kernel.DefaultConfig()
	cfg.MaxProc = 4
	cfg.MaxFileID = 4
	cfg.MaxThreadsPerProc = 2
	return cfg
}

func newTestKernel(t *testing.T) (*proc.Table, *Table) {
	t.Helper()
	cfg := testConfig()
	fcbs := fcb.NewTable(cfg.MaxFileID)
	procs, err := proc.NewTable(cfg, fcbs)
	require.NoError(t, err)
	threads := NewTable(cfg, procs)
	return procs, threads
}

// Test that Exec spawns tid 1 as the process's main thread and that it
// exiting, being the last active thread, cascades into process exit.
func TestSpawnMainCascadesExit(t *testing.T) {
	procs, _ := newTestKernel(t)
	idle := procs.Get(0)

	pid, err := procs.Exec(idle, exitImmediately(5), 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p := procs.Get(pid)
		return p != nil && p.State() == proc.Zombie
	}, time.Second, time.Millisecond)

	assert.Equal(t, 5, procs.Get(pid).ExitVal())
}

// Test CreateThread allocates a new tid distinct from the main thread, and
// ThreadJoin blocks until it exits, returning its exit value.
func TestCreateThreadAndJoin(t *testing.T) {
	procs, threads := newTestKernel(t)
	idle := procs.Get(0)

	pid, err := procs.Exec(idle, blockForever(), 0, nil)
	require.NoError(t, err)
	p := procs.Get(pid)

	pt, err := threads.CreateThread(p, exitImmediately(9), 0, nil)
	require.NoError(t, err)
	assert.NotEqual(t, uint64(1), pt.Tid())

	exitval, err := threads.ThreadJoin(p, nil, pt.Tid())
	require.NoError(t, err)
	assert.Equal(t, 9, exitval)
}

// Test ThreadJoin refuses to join the calling thread itself.
func TestThreadJoinSelfRejected(t *testing.T) {
	procs, threads := newTestKernel(t)
	idle := procs.Get(0)

	pid, err := procs.Exec(idle, blockForever(), 0, nil)
	require.NoError(t, err)
	p := procs.Get(pid)

	pt, err := threads.CreateThread(p, blockForever(), 0, nil)
	require.NoError(t, err)

	_, err = threads.ThreadJoin(p, pt, pt.Tid())
	assert.Error(t, err)
}

// Test CreateThread returns ErrExhausted once MaxThreadsPerProc live
// threads already exist for the process.
func TestCreateThreadExhaustion(t *testing.T) {
	procs, threads := newTestKernel(t)
	idle := procs.Get(0)

	pid, err := procs.Exec(idle, blockForever(), 0, nil)
	require.NoError(t, err)
	p := procs.Get(pid)

	// MaxThreadsPerProc is 2 in testConfig, and the process's main thread
	// (tid 1, spawned by Exec) already occupies one slot in its thread
	// list, so exactly one more CreateThread should succeed before the cap
	// is hit.
	_, err = threads.CreateThread(p, blockForever(), 0, nil)
	require.NoError(t, err)

	_, err = threads.CreateThread(p, blockForever(), 0, nil)
	assert.ErrorIs(t, err, ErrExhausted)
}

// Test ThreadDetach on an already-exited, unreferenced thread frees it
// immediately rather than leaking it forever.
func TestThreadDetachAfterExitFreesImmediately(t *testing.T) {
	procs, threads := newTestKernel(t)
	idle := procs.Get(0)

	pid, err := procs.Exec(idle, blockForever(), 0, nil)
	require.NoError(t, err)
	p := procs.Get(pid)

	pt, err := threads.CreateThread(p, exitImmediately(0), 0, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		kernel.Mu.Lock()
		defer kernel.Mu.Unlock()
		return pt.exited
	}, time.Second, time.Millisecond)

	require.NoError(t, threads.ThreadDetach(p, pt.Tid()))

	_, err = threads.ThreadJoin(p, nil, pt.Tid())
	assert.ErrorIs(t, err, ErrNoThread, "a detached, freed thread is no longer joinable")
}

func exitImmediately(val int) kernel.Task {
	return func(argl int, args []byte) int { return val }
}

func blockForever() kernel.Task {
	cv := kernel.NewCond()
	return func(argl int, args []byte) int {
		kernel.Wait(cv)
		return 0
	}
}
