// Package proc implements the process control block and process-tree
// semantics, grounded directly on tinyos3's kernel_proc.c.
package proc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/klist"
)

// State is a PCB's lifecycle state.
type State int

const (
	Free State = iota
	Alive
	Zombie
)

// childNode is the payload klist stores for a PCB's membership in a
// parent's children_list / exited_list. Each PCB owns exactly one
// childNode (see PCB.node) so removal from either list is an O(1)
// list.Remove given the retained *klist.Element, never a scan.
type childNode struct {
	pcb        *PCB
	inChildren *klist.Element
	inExited   *klist.Element
}

// PCB is the process control block.
type PCB struct {
	pid   int
	state State

	parent *PCB

	children *klist.List // of *childNode wrapping child *PCB
	exited   *klist.List // subset of children, ZOMBIE and unreaped

	childExit *sync.Cond

	fdt []*fcb.FCB // descriptor table, size cfg.MaxFileID

	mainTask kernel.Task
	argl     int
	args     []byte

	mainThread   MainThreadHandle
	activeThreads int

	exitval int

	// node tracks this PCB's membership in its parent's children_list
	// and exited_list, so Exit/WaitChild can remove it in O(1).
	node *childNode

	// free-list link (see Table.acquire/release). kernel_proc.c threads
	// the free-list through PCB.parent; here it is a separate field.
	freeNext *PCB
}

// MainThreadHandle is an opaque reference to whatever the thread package
// uses to represent a running main thread (its *thread.PTCB, in practice).
// proc only ever nils this on Exit to satisfy invariant 2 ("a ZOMBIE PCB
// has no live main thread reference"); it never needs to know the concrete
// type, which keeps this package free of any dependency on internal/thread.
type MainThreadHandle any

func (p *PCB) Pid() int    { return p.pid }
func (p *PCB) State() State { return p.state }
func (p *PCB) ExitVal() int { return p.exitval }
func (p *PCB) ArgLen() int  { return p.argl }
func (p *PCB) Args() []byte { return p.args }
func (p *PCB) MainTask() kernel.Task { return p.mainTask }
func (p *PCB) ActiveThreads() int    { return p.activeThreads }

// ParentPid returns the pid of p's parent, or kernel.NOPROC if p is
// parentless (pid 0 or 1).
func (p *PCB) ParentPid() int {
	if p.parent == nil {
		return kernel.NOPROC
	}
	return p.parent.pid
}

// SetMainThread / IncActiveThreads / DecActiveThreads are called by
// internal/thread while it owns the kernel lock, to keep the PCB's thread
// bookkeeping (main_thread, active_threads) in sync with PTCB lifecycle.
func (p *PCB) SetMainThread(h MainThreadHandle) { p.mainThread = h }
func (p *PCB) MainThread() MainThreadHandle     { return p.mainThread }
func (p *PCB) IncActiveThreads()                { p.activeThreads++ }
func (p *PCB) DecActiveThreads()                { p.activeThreads-- }

// FDT exposes the descriptor table for pipe/socket/openinfo to reserve
// against via fcb.Table-like indexing. Callers must hold kernel.Mu.
func (p *PCB) FDT() []*fcb.FCB { return p.fdt }

// Table is the fixed-size process table, PT in the source.
type Table struct {
	cfg   kernel.Config
	slots []PCB
	free  *PCB // head of the free-list, threaded through PCB.freeNext

	fcbs *fcb.Table

	spawnMain SpawnMainFunc
}

// NewTable allocates the table and execs the idle process (pid 0), matching
// initialize_processes's "Execute a null idle process" step. task may be
// nil: pid 0 never runs user code in this module, it only occupies the
// slot so pid 1 onward inherit a populated tree.
func NewTable(cfg kernel.Config, fcbs *fcb.Table) (*Table, error) {
	t := &Table{cfg: cfg, slots: make([]PCB, cfg.MaxProc), fcbs: fcbs}

	for i := range t.slots {
		t.initPCB(&t.slots[i], i)
	}
	// Thread the free-list back-to-front, as kernel_proc.c does, so
	// acquisition is LIFO (explicitly acceptable per spec §3).
	for i := len(t.slots) - 1; i >= 0; i-- {
		t.slots[i].freeNext = t.free
		t.free = &t.slots[i]
	}

	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()
	pid, err := t.exec(nil, nil, 0, nil)
	if err != nil {
		return nil, errors.Wrap(err, "exec idle process")
	}
	if pid != 0 {
		panic("proc: idle process must be allocated as pid 0")
	}
	return t, nil
}

func (t *Table) initPCB(p *PCB, idx int) {
	p.pid = idx
	p.state = Free
	p.children = &klist.List{}
	p.exited = &klist.List{}
	p.childExit = kernel.NewCond()
	p.fdt = make([]*fcb.FCB, t.cfg.MaxFileID)
}

// Each calls fn once for every non-FREE PCB in pid order, for OpenInfo's
// snapshot pass over PT. Callers must hold kernel.Mu.
func (t *Table) Each(fn func(*PCB)) {
	for i := range t.slots {
		if t.slots[i].state != Free {
			fn(&t.slots[i])
		}
	}
}

// Get returns the PCB for pid, or nil if pid is out of range or FREE,
// mirroring get_pcb.
func (t *Table) Get(pid int) *PCB {
	if pid < 0 || pid >= len(t.slots) {
		return nil
	}
	if t.slots[pid].state == Free {
		return nil
	}
	return &t.slots[pid]
}

// acquire pops the head of the free-list, marking it ALIVE, or returns nil
// if exhausted. Must be called with kernel.Mu held.
func (t *Table) acquire() *PCB {
	if t.free == nil {
		return nil
	}
	p := t.free
	t.free = p.freeNext
	p.freeNext = nil
	p.state = Alive
	return p
}

// release returns p's slot to the free-list. Must be called with
// kernel.Mu held.
func (t *Table) release(p *PCB) {
	p.state = Free
	p.parent = nil
	p.argl = 0
	p.args = nil
	p.activeThreads = 0
	p.mainThread = nil
	p.exitval = 0
	p.node = nil
	p.children = &klist.List{}
	p.exited = &klist.List{}
	p.freeNext = t.free
	t.free = p
}
