package proc

import (
	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/kernel"
)

// SpawnMainFunc creates and starts the main thread (tid 1) of a freshly
// Exec'd process, wiring pcb.SetMainThread and pcb.IncActiveThreads as a
// side effect. It is implemented by internal/thread and injected via
// SetSpawnMain so that proc never imports thread (avoiding an import
// cycle, since thread legitimately needs to import proc for *PCB). This
// mirrors sys_Exec in kernel_proc.c inlining PTCB creation for the main
// thread, just split across packages along Go's acyclic-import rule.
type SpawnMainFunc func(p *PCB, task kernel.Task, argl int, args []byte) error

// SetSpawnMain wires the main-thread spawner. Must be called once during
// bootstrap, before the first Exec with a non-nil task.
func (t *Table) SetSpawnMain(fn SpawnMainFunc) {
	t.spawnMain = fn
}

// Exec allocates a new PCB, as sys_Exec does: inherits the parent (CURPROC)
// unless the new pid is 0 or 1 (parentless), pushes onto the parent's
// children list, inherits open descriptors with an incref each, copies the
// argument buffer into process-owned storage, and — if task is non-nil —
// spawns the main thread. Returns NOPROC if the table is exhausted.
//
// curproc is the calling process (CURPROC in the source); nil only for the
// bootstrap call that allocates pid 0.
func (t *Table) Exec(curproc *PCB, task kernel.Task, argl int, args []byte) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()
	return t.exec(curproc, task, argl, args)
}

func (t *Table) exec(parent *PCB, task kernel.Task, argl int, args []byte) (int, error) {
	newproc := t.acquire()
	if newproc == nil {
		return kernel.NOPROC, nil
	}

	if newproc.pid > 1 {
		newproc.parent = parent
		node := &childNode{pcb: newproc}
		newproc.node = node
		if parent != nil {
			node.inChildren = parent.children.PushFront(node)

			for i, f := range parent.fdt {
				if f != nil {
					t.fcbs.Incref(f)
					newproc.fdt[i] = f
				}
			}
		}
	}

	newproc.mainTask = task
	newproc.argl = argl
	if args != nil {
		newproc.args = append([]byte(nil), args...)
	}

	if task != nil {
		if t.spawnMain == nil {
			return kernel.NOPROC, errors.New("proc: SpawnMain not wired")
		}
		if err := t.spawnMain(newproc, task, argl, newproc.args); err != nil {
			return kernel.NOPROC, errors.Wrap(err, "spawn main thread")
		}
	}

	kernel.Log.WithFields(map[string]any{
		"pid":  newproc.pid,
		"ppid": newproc.ParentPid(),
		"argl": argl,
	}).Info("proc: exec")

	return newproc.pid, nil
}

// GetPid returns p's pid, or NOPROC if p is nil (get_pid).
func GetPid(p *PCB) int {
	if p == nil {
		return kernel.NOPROC
	}
	return p.pid
}

// GetPPid returns curproc's parent's pid, or NOPROC if parentless.
func (t *Table) GetPPid(curproc *PCB) int {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()
	return GetPid(curproc.parent)
}

// WaitChild implements sys_WaitChild: waits for a specific child (cpid !=
// NOPROC) or any child, reaps it, and returns its exit value as status.
func (t *Table) WaitChild(curproc *PCB, cpid int) (reaped int, status int, err error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	if cpid != kernel.NOPROC {
		return t.waitForSpecificChild(curproc, cpid)
	}
	return t.waitForAnyChild(curproc)
}

func (t *Table) waitForSpecificChild(parent *PCB, cpid int) (int, int, error) {
	if cpid < 0 || cpid >= len(t.slots) {
		return kernel.NOPROC, 0, nil
	}
	child := t.Get(cpid)
	if child == nil || child.parent != parent {
		return kernel.NOPROC, 0, nil
	}

	for child.state == Alive {
		kernel.Wait(parent.childExit)
	}

	status := t.cleanupZombie(child)
	return cpid, status, nil
}

func (t *Table) waitForAnyChild(parent *PCB) (int, int, error) {
	if parent.children.Empty() {
		return kernel.NOPROC, 0, nil
	}

	for parent.exited.Empty() {
		kernel.Wait(parent.childExit)
	}

	v := parent.exited.PopFront()
	child := v.(*childNode).pcb
	if child.state != Zombie {
		panic("proc: head of exited_list is not ZOMBIE")
	}
	child.node.inExited = nil

	status := t.cleanupZombie(child)
	return child.pid, status, nil
}

// cleanupZombie mirrors cleanup_zombie: removes the child from its
// parent's children_list and exited_list (if still present in either) and
// releases its slot, returning the stored exit value.
func (t *Table) cleanupZombie(child *PCB) int {
	status := child.exitval
	parent := child.parent
	if parent != nil && child.node != nil {
		parent.children.Remove(child.node.inChildren)
		parent.exited.Remove(child.node.inExited)
	}
	t.release(child)
	return status
}

// Exit implements sys_Exit: reaps all children first if this is pid 1,
// frees the argument buffer, decrefs every open descriptor, reparents any
// remaining live children to pid 1, splices this process's already-exited
// children onto pid 1's exited_list, removes this PCB from its own
// parent's children_list (fixing the §9-flagged omission in the source)
// and pushes it onto the parent's exited_list, then marks ZOMBIE.
//
// Exit never returns in the source (it sleeps in the EXITED scheduler
// state); here it simply returns once the state transition is complete —
// the calling goroutine (the last thread of this process) is expected to
// stop running immediately afterward, which is this module's equivalent of
// "never returns".
func (t *Table) Exit(curproc *PCB, exitval int) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()
	t.exit(curproc, exitval)
}

// ExitLocked is Exit for callers that already hold kernel.Mu, such as
// internal/thread's ThreadExit cascading into process exit on the last
// active thread.
func (t *Table) ExitLocked(curproc *PCB, exitval int) {
	t.exit(curproc, exitval)
}

func (t *Table) exit(curproc *PCB, exitval int) {
	if curproc.pid == 1 {
		for {
			pid, _, _ := t.waitForAnyChildOrNone(curproc)
			if pid == kernel.NOPROC {
				break
			}
		}
	}

	curproc.args = nil

	for i, f := range curproc.fdt {
		if f != nil {
			_ = t.fcbs.Decref(i, f)
			curproc.fdt[i] = nil
		}
	}

	initpcb := t.Get(1)
	if initpcb != nil {
		for !curproc.children.Empty() {
			v := curproc.children.PopFront()
			node := v.(*childNode)
			node.pcb.parent = initpcb
			node.inChildren = initpcb.children.PushFront(node)
		}

		movedAny := false
		for !curproc.exited.Empty() {
			v := curproc.exited.PopFront()
			node := v.(*childNode)
			node.inExited = initpcb.exited.PushBack(node)
			movedAny = true
		}
		if movedAny {
			kernel.Broadcast(initpcb.childExit)
		}
	}

	if curproc.parent != nil {
		node := curproc.node
		node.inExited = curproc.parent.exited.PushFront(node)
		kernel.Broadcast(curproc.parent.childExit)
		curproc.parent.children.Remove(node.inChildren)
		node.inChildren = nil
	}

	curproc.mainThread = nil
	curproc.state = Zombie
	curproc.exitval = exitval

	kernel.Log.WithFields(map[string]any{
		"pid":     curproc.pid,
		"exitval": exitval,
	}).Info("proc: exit")
}

// waitForAnyChildOrNone is waitForAnyChild without blocking when there are
// no children left at all — used by pid 1's Exit to drain every remaining
// child without waiting forever once they're all gone.
func (t *Table) waitForAnyChildOrNone(parent *PCB) (int, int, error) {
	if parent.children.Empty() {
		return kernel.NOPROC, 0, nil
	}
	return t.waitForAnyChild(parent)
}
