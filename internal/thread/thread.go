// Package thread implements per-process user threads (PTCBs) layered on
// top of internal/proc, grounded directly on tinyos3's kernel_threads.c.
package thread

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/klist"
	"github.com/justanotherdot/tinykernel/internal/proc"
)

// ErrNoThread is returned wherever the source returns NOTHREAD/−1 for a
// missing or non-joinable thread. A self-join is refused with its own
// error instead.
var ErrNoThread = errors.New("thread: no such joinable thread")

// ErrExhausted is CreateThread's NOTHREAD case: MaxThreadsPerProc active
// PTCBs already exist for this process. The source has no such cap (it
// mallocs unconditionally and only fails on true OOM); this module bounds
// it so the NOTHREAD path named in spec §6 is reachable and testable.
var ErrExhausted = errors.New("thread: process thread table exhausted")

// PTCB is the per-thread control block, one per user thread, grounded on
// kernel_threads.c's pt_control_block.
type PTCB struct {
	tid  uint64
	proc *proc.PCB

	task kernel.Task
	argl int
	args []byte

	joinable bool
	exited   bool
	exitval  int

	cond     *sync.Cond
	refcount int

	// running stands in for the source's tcb back-link: true while a
	// goroutine is executing this PTCB's task, nulled (false) once
	// ThreadExit runs, mirroring "tcb = NULL" on exit.
	running bool

	node *klist.Element
}

func (pt *PTCB) Tid() uint64 { return pt.tid }

// procThreads is just the per-process thread list, replacing the
// source's pcb->ptcb_list.
type procThreads struct {
	list *klist.List
}

// Table owns every process's thread list and wires into proc.Table as the
// SpawnMainFunc, so internal/proc never needs to import internal/thread.
//
// nextTid is id_generator from kernel_threads.c: a single counter shared
// across every process that ever runs under this kernel, starting at 2 (1
// is reserved for each process's own main thread). The source's "static
// unsigned int id" is function-scoped but process-wide in effect, not
// per-PCB — tids are therefore not dense within any one process. This is
// observable and intentionally preserved rather than quietly made
// per-process (see DESIGN.md); it is scoped to the Table rather than a
// true package-level global only so independent kernels (and tests) don't
// share tid sequences with each other.
type Table struct {
	cfg       kernel.Config
	procTable *proc.Table
	procs     map[*proc.PCB]*procThreads
	nextTid   atomic.Uint64
}

// NewTable builds a thread table bound to procTable and wires itself in
// as procTable's main-thread spawner.
func NewTable(cfg kernel.Config, procTable *proc.Table) *Table {
	t := &Table{cfg: cfg, procTable: procTable, procs: map[*proc.PCB]*procThreads{}}
	t.nextTid.Store(2)
	procTable.SetSpawnMain(t.SpawnMain)
	return t
}

func (t *Table) threadsFor(p *proc.PCB) *procThreads {
	pts, ok := t.procs[p]
	if !ok {
		pts = &procThreads{list: &klist.List{}}
		t.procs[p] = pts
	}
	return pts
}

// SpawnMain implements proc.SpawnMainFunc: creates the tid-1 PTCB for a
// freshly Exec'd process and spawns the goroutine that runs its main
// task, mirroring sys_Exec inlining PTCB creation for the main thread.
// Must be called with kernel.Mu held (proc.exec already holds it).
//
// Each call resets p's thread list: p's slot may have belonged to a
// different, now-reaped process previously, and a stale procThreads
// entry must never leak across PCB-slot reuse.
func (t *Table) SpawnMain(p *proc.PCB, task kernel.Task, argl int, args []byte) error {
	t.procs[p] = &procThreads{list: &klist.List{}}
	pts := t.procs[p]

	pt := &PTCB{
		tid:      1,
		proc:     p,
		task:     task,
		argl:     argl,
		args:     args,
		joinable: true,
		cond:     kernel.NewCond(),
		running:  true,
	}
	pt.node = pts.list.PushBack(pt)

	p.SetMainThread(pt)
	p.IncActiveThreads()

	t.run(p, pt)
	return nil
}

// CreateThread implements sys_CreateThread: allocates a PTCB, links it
// into p's thread list, spawns the goroutine that will run task, and
// returns the new tid. Returns ErrExhausted (NOTHREAD) if p already has
// cfg.MaxThreadsPerProc live PTCBs.
func (t *Table) CreateThread(p *proc.PCB, task kernel.Task, argl int, args []byte) (*PTCB, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	pts := t.threadsFor(p)
	if pts.list.Len() >= t.cfg.MaxThreadsPerProc {
		return nil, ErrExhausted
	}

	pt := &PTCB{
		tid:      t.nextTid.Add(1) - 1,
		proc:     p,
		task:     task,
		argl:     argl,
		args:     args,
		joinable: true,
		cond:     kernel.NewCond(),
		running:  true,
	}
	pt.node = pts.list.PushBack(pt)

	p.IncActiveThreads()

	t.run(p, pt)
	return pt, nil
}

// run spawns the kernel thread that executes pt's task, mirroring
// start_thread: it runs the task under the kernel lock (released only by
// whatever the task itself blocks on, e.g. pipe.Read/Write's internal
// kernel.Wait) and calls ThreadExit with the task's return value once it
// completes.
func (t *Table) run(p *proc.PCB, pt *PTCB) {
	go func() {
		kernel.Mu.Lock()
		exitval := pt.task(pt.argl, pt.args)
		t.threadExit(p, pt, exitval)
		kernel.Mu.Unlock()
	}()
}

// ThreadSelf returns curthread's tid, matching sys_ThreadSelf. Go has no
// implicit CURTHREAD, so callers thread their own *PTCB through
// explicitly — the same adaptation internal/proc makes for CURPROC.
func ThreadSelf(curthread *PTCB) uint64 {
	return curthread.tid
}

// ThreadJoin implements sys_ThreadJoin: refuses self-join, scans p's
// thread list for tid, and if found and joinable, waits for it to exit
// and returns its exit value. The last joiner out frees the PTCB.
func (t *Table) ThreadJoin(p *proc.PCB, curthread *PTCB, tid uint64) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	if curthread != nil && curthread.tid == tid {
		return 0, errors.New("thread: cannot join self")
	}

	pts := t.threadsFor(p)
	pt := findTid(pts, tid)
	if pt == nil || !pt.joinable {
		return 0, ErrNoThread
	}

	pt.refcount++
	for !pt.exited {
		kernel.Wait(pt.cond)
	}
	exitval := pt.exitval
	pt.refcount--
	if pt.refcount <= 0 {
		t.free(pts, pt)
	}
	return exitval, nil
}

// ThreadDetach implements sys_ThreadDetach, with the §9-preferred fix
// applied: detaching an already-exited, unreferenced thread frees its
// PTCB immediately instead of leaking it (the source returns −1 and
// leaves the PTCB allocated forever, since no future join is possible).
func (t *Table) ThreadDetach(p *proc.PCB, tid uint64) error {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	pts := t.threadsFor(p)
	pt := findTid(pts, tid)
	if pt == nil {
		return ErrNoThread
	}

	if !pt.exited {
		pt.joinable = false
		return nil
	}

	pt.joinable = false
	if pt.refcount <= 0 {
		t.free(pts, pt)
	}
	return nil
}

// threadExit implements sys_ThreadExit. Must be called with kernel.Mu
// already held (run holds it across the task call). If the current
// thread is detached and already unreferenced, it frees its own PTCB —
// the lifecycle note in kernel_threads.c's comments, not a numbered
// operation: "freed ... if detached and exited, by the exiting thread
// itself." If this was the last active thread of the process, this
// cascades into proc.Table's unlocked exit, exactly as sys_Exit does.
func (t *Table) threadExit(p *proc.PCB, pt *PTCB, exitval int) {
	pt.exitval = exitval
	pt.running = false
	pt.exited = true
	kernel.Broadcast(pt.cond)

	if !pt.joinable && pt.refcount <= 0 {
		pts := t.threadsFor(p)
		t.free(pts, pt)
	}

	p.DecActiveThreads()

	kernel.Log.WithFields(map[string]any{
		"pid": p.Pid(),
		"tid": pt.tid,
	}).Debug("thread: exit")

	if p.ActiveThreads() <= 0 {
		t.procTable.ExitLocked(p, exitval)
	}
}

func findTid(pts *procThreads, tid uint64) *PTCB {
	var found *PTCB
	pts.list.Each(func(v any) {
		if pt := v.(*PTCB); pt.tid == tid {
			found = pt
		}
	})
	return found
}

func (t *Table) free(pts *procThreads, pt *PTCB) {
	pts.list.Remove(pt.node)
	pt.node = nil
}
