// Package kernel provides the substrate every other package in this module
// builds on: the single kernel-wide lock, condition-variable helpers that
// stand in for kernel_wait/kernel_broadcast/kernel_timedwait, the sizing
// constants, and the shared structured logger.
package kernel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mu is the single kernel-wide mutex. Every exported operation in proc,
// thread, pipe, socket and openinfo holds Mu for the duration of its state
// mutation, and releases it only inside Wait/TimedWait.
var Mu sync.Mutex

// Log is the shared structured logger used at the syscall-dispatch boundary
// of every component. It is never invoked from the byte-at-a-time pipe
// loop or any other per-byte hot path.
var Log = logrus.StandardLogger()

// Task is a user-level thread entry point: the main_task / task function
// pointer of the source, taking the raw argument buffer and its length and
// returning an exit value.
type Task func(argl int, args []byte) int

// Sentinel return values, matching spec §6 exactly.
const (
	NOPROC   = -1
	NOTHREAD = -1
	NOFILE   = -1
	NOPORT   = 0
)

// NewCond allocates a condition variable bound to Mu. All condvars in this
// module (child_exit, isEmpty, isFull, the listener cv, a request's cv, a
// PTCB's join cv) are created this way so that Wait/Broadcast/TimedWait can
// assume Mu is always the associated lock.
func NewCond() *sync.Cond {
	return sync.NewCond(&Mu)
}

// Wait blocks the calling goroutine on cv, releasing Mu for the duration and
// reacquiring it before returning, exactly like kernel_wait. Callers must
// always re-check their predicate in a loop after Wait returns: broadcasts
// wake every waiter, and conditions can change again before this goroutine
// is scheduled back in.
func Wait(cv *sync.Cond) {
	cv.Wait()
}

// Broadcast wakes every goroutine blocked on cv, mirroring kernel_broadcast.
func Broadcast(cv *sync.Cond) {
	cv.Broadcast()
}

// TimedWait blocks on cv for at most d, returning true if it woke because d
// elapsed rather than because of a Broadcast/Signal. A negative d waits
// indefinitely (equivalent to Wait). Mu must be held on entry; it is held
// again on return, matching kernel_timedwait's release/reacquire contract.
//
// Go has no primitive that waits on a sync.Cond with a deadline directly, so
// this spawns a helper goroutine that reacquires Mu and broadcasts cv once
// the timer fires, waking any waiter (including this one) to re-check.
func TimedWait(cv *sync.Cond, d time.Duration) (timedOut bool) {
	if d < 0 {
		Wait(cv)
		return false
	}

	fired := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		Mu.Lock()
		defer Mu.Unlock()
		select {
		case <-fired:
		default:
			close(fired)
		}
		cv.Broadcast()
	})
	defer timer.Stop()

	Wait(cv)

	select {
	case <-fired:
		return true
	default:
		return false
	}
}
