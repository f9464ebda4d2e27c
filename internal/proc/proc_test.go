package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
)

func testConfig() kernel.Config {
	cfg := kernel.DefaultConfig()
	cfg.MaxProc = 8
	cfg.MaxFileID = 8
	return cfg
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	cfg := testConfig()
	fcbs := fcb.NewTable(cfg.MaxFileID)
	tbl, err := NewTable(cfg, fcbs)
	require.NoError(t, err)
	// Every package below proc needs a spawner wired in before Exec with a
	// non-nil task is reachable; tests that only exercise task-less Exec
	// (pid allocation/tree shape) don't need a real one.
	tbl.SetSpawnMain(func(p *PCB, task kernel.Task, argl int, args []byte) error {
		p.SetMainThread(struct{}{})
		p.IncActiveThreads()
		p.DecActiveThreads()
		return nil
	})
	return tbl
}

// Test a fresh table has already allocated pid 0 as the idle process.
func TestNewTableAllocatesIdleProcess(t *testing.T) {
	tbl := newTestTable(t)
	idle := tbl.Get(0)
	require.NotNil(t, idle)
	assert.Equal(t, Alive, idle.State())
	assert.Equal(t, kernel.NOPROC, idle.ParentPid())
}

// Test Exec'ing from idle allocates pid 1 as parentless, and a further
// Exec from pid 1 assigns pid 1 as the new process's parent.
func TestExecParentingRules(t *testing.T) {
	tbl := newTestTable(t)
	idle := tbl.Get(0)

	pid1, err := tbl.Exec(idle, nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pid1)
	assert.Equal(t, kernel.NOPROC, tbl.Get(pid1).ParentPid())

	pid2, err := tbl.Exec(tbl.Get(pid1), nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pid2)
	assert.Equal(t, pid1, tbl.Get(pid2).ParentPid())
}

// Test Exec returns NOPROC once the table is exhausted.
func TestExecExhaustion(t *testing.T) {
	tbl := newTestTable(t)
	idle := tbl.Get(0)

	var last int
	var err error
	for i := 0; i < 7; i++ { // MaxProc(8) - idle(1) = 7 remaining slots
		last, err = tbl.Exec(idle, nil, 0, nil)
		require.NoError(t, err)
		require.NotEqual(t, kernel.NOPROC, last)
	}

	last, err = tbl.Exec(idle, nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, kernel.NOPROC, last)
}

// Test WaitChild reaps a specific exited child and frees its slot for
// reuse. pid 0 and 1 are parentless in this model, so the parent/child
// pair under test has to start at pid 1 (init) and pid 2.
func TestWaitChildSpecific(t *testing.T) {
	tbl := newTestTable(t)
	idle := tbl.Get(0)

	initPid, err := tbl.Exec(idle, nil, 0, nil)
	require.NoError(t, err)
	initPCB := tbl.Get(initPid)

	childPid, err := tbl.Exec(initPCB, nil, 0, nil)
	require.NoError(t, err)
	child := tbl.Get(childPid)

	tbl.Exit(child, 42)
	assert.Equal(t, Zombie, tbl.Get(childPid).State())

	reaped, status, err := tbl.WaitChild(initPCB, childPid)
	require.NoError(t, err)
	assert.Equal(t, childPid, reaped)
	assert.Equal(t, 42, status)
	assert.Nil(t, tbl.Get(childPid), "slot must be free after reaping")
}

// Test Exit reparents a still-alive grandchild to pid 1 when the
// middle-generation parent exits before the grandchild does.
func TestExitReparentsLiveChildrenToInit(t *testing.T) {
	tbl := newTestTable(t)
	idle := tbl.Get(0)

	initPid, err := tbl.Exec(idle, nil, 0, nil)
	require.NoError(t, err)
	initPCB := tbl.Get(initPid)

	childPid, err := tbl.Exec(initPCB, nil, 0, nil)
	require.NoError(t, err)
	childPCB := tbl.Get(childPid)

	grandchildPid, err := tbl.Exec(childPCB, nil, 0, nil)
	require.NoError(t, err)

	tbl.Exit(childPCB, 0)

	grandchild := tbl.Get(grandchildPid)
	require.NotNil(t, grandchild)
	assert.Equal(t, initPid, grandchild.ParentPid(), "grandchild must reparent to init")

	// init now has two children to reap: the exited middle generation and
	// the still-alive (now reparented) grandchild.
	reaped1, _, err := tbl.WaitChild(initPCB, kernel.NOPROC)
	require.NoError(t, err)
	assert.Equal(t, childPid, reaped1)

	tbl.Exit(grandchild, 0)
	reaped2, _, err := tbl.WaitChild(initPCB, kernel.NOPROC)
	require.NoError(t, err)
	assert.Equal(t, grandchildPid, reaped2)
}

// Test a descriptor inherited from a parent is independently reference
// counted and survives the parent's exit until the child also closes it.
func TestExecInheritsDescriptorsWithIncref(t *testing.T) {
	tbl := newTestTable(t)
	idle := tbl.Get(0)

	initPid, err := tbl.Exec(idle, nil, 0, nil)
	require.NoError(t, err)
	initPCB := tbl.Get(initPid)

	fids, fcbs, err := tbl.fcbs.Reserve(1)
	require.NoError(t, err)
	initPCB.fdt[fids[0]] = fcbs[0]

	parentPid, err := tbl.Exec(initPCB, nil, 0, nil)
	require.NoError(t, err)
	parent := tbl.Get(parentPid)

	childPid, err := tbl.Exec(parent, nil, 0, nil)
	require.NoError(t, err)
	child := tbl.Get(childPid)
	require.Same(t, fcbs[0], child.fdt[fids[0]])

	tbl.Exit(parent, 0)
	assert.Equal(t, Alive, child.State())
	assert.NotNil(t, child.fdt[fids[0]], "child's reference must survive parent's exit")
}
