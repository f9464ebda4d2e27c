// Package kernelapi composes internal/proc, internal/thread, internal/pipe,
// internal/socket, internal/fcb and internal/openinfo into the single
// system-call surface spec §6 lists: the tinyos3 sources split this across
// kernel_{proc,threads,pipe,socket}.c files that all reach into the same
// global PT/PORT_MAP/FCB arrays, so here it is one Kernel value that owns
// every shared table and dispatches each call by locking kernel.Mu once
// and delegating to the owning package.
package kernelapi

import (
	"time"

	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/openinfo"
	"github.com/justanotherdot/tinykernel/internal/pipe"
	"github.com/justanotherdot/tinykernel/internal/proc"
	"github.com/justanotherdot/tinykernel/internal/socket"
	"github.com/justanotherdot/tinykernel/internal/thread"
)

// Kernel owns every shared table. One Kernel value models one running
// instance of the teaching kernel — idle (pid 0) is allocated as soon as
// New returns.
type Kernel struct {
	cfg kernel.Config

	FCBs    *fcb.Table
	Procs   *proc.Table
	Threads *thread.Table
	Sockets *socket.Table
	Info    *openinfo.Table
}

// New builds every table and wires thread.Table in as proc.Table's
// main-thread spawner, matching initialize_processes.
func New(cfg kernel.Config) (*Kernel, error) {
	fcbs := fcb.NewTable(cfg.MaxFileID)

	procs, err := proc.NewTable(cfg, fcbs)
	if err != nil {
		return nil, errors.Wrap(err, "kernelapi: new proc table")
	}

	threads := thread.NewTable(cfg, procs)
	sockets := socket.NewTable(cfg, fcbs)
	info := openinfo.NewTable(cfg, fcbs, procs)

	return &Kernel{
		cfg:     cfg,
		FCBs:    fcbs,
		Procs:   procs,
		Threads: threads,
		Sockets: sockets,
		Info:    info,
	}, nil
}

// Pipe implements sys_Pipe: allocates a pipe control block and reserves
// two fids against curproc's descriptor table — read, then write —
// wiring each FCB to an Ops that only allows its own direction, as
// pipeReadOps/pipeWriteOps do in the source.
func (k *Kernel) Pipe(curproc *proc.PCB) (readFid, writeFid int, err error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	p := pipe.New(k.cfg)

	fids, fcbs, err := k.FCBs.Reserve(2)
	if err != nil {
		return kernel.NOFILE, kernel.NOFILE, err
	}
	readFid, writeFid = fids[0], fids[1]
	readFCB, writeFCB := fcbs[0], fcbs[1]

	p.SetReader(readFCB)
	p.SetWriter(writeFCB)

	curproc.FDT()[readFid] = readFCB
	curproc.FDT()[writeFid] = writeFCB

	readFCB.StreamObj = p
	readFCB.Ops = fcb.Ops{
		Read:  p.Read,
		Write: pipeWriteOnReadEnd,
		Close: func() error { p.CloseReader(); return nil },
	}

	writeFCB.StreamObj = p
	writeFCB.Ops = fcb.Ops{
		Read:  pipeReadOnWriteEnd,
		Write: p.Write,
		Close: func() error { p.CloseWriter(); return nil },
	}

	kernel.Log.WithFields(map[string]any{
		"read_fid":  readFid,
		"write_fid": writeFid,
	}).Debug("kernelapi: pipe created")

	return readFid, writeFid, nil
}

func pipeReadOnWriteEnd(buf []byte) (int, error) {
	return 0, errors.New("pipe: write end is not readable")
}

// Read, Write and Close dispatch through fid's stream vtable, the Go
// rendering of the source's generic read/write/close syscalls that work
// identically whether fid names a pipe end, a socket, or an OpenInfo
// snapshot.
func (k *Kernel) Read(curproc *proc.PCB, fid int, buf []byte) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	f := fcbAt(curproc, fid)
	if f == nil {
		return 0, errors.New("kernelapi: bad fid")
	}
	return f.Ops.Read(buf)
}

func (k *Kernel) Write(curproc *proc.PCB, fid int, buf []byte) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	f := fcbAt(curproc, fid)
	if f == nil {
		return 0, errors.New("kernelapi: bad fid")
	}
	return f.Ops.Write(buf)
}

// Close decrefs fid's FCB, invoking its Ops.Close once the last reference
// goes away (an inherited descriptor shared with other processes simply
// drops a reference).
func (k *Kernel) Close(curproc *proc.PCB, fid int) error {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	f := fcbAt(curproc, fid)
	if f == nil {
		return errors.New("kernelapi: bad fid")
	}
	curproc.FDT()[fid] = nil
	return k.FCBs.Decref(fid, f)
}

func fcbAt(curproc *proc.PCB, fid int) *fcb.FCB {
	fdt := curproc.FDT()
	if fid < 0 || fid >= len(fdt) {
		return nil
	}
	return fdt[fid]
}

func pipeWriteOnReadEnd(buf []byte) (int, error) {
	return 0, errors.New("pipe: read end is not writable")
}

// Exec implements sys_Exec.
func (k *Kernel) Exec(curproc *proc.PCB, task kernel.Task, argl int, args []byte) (int, error) {
	return k.Procs.Exec(curproc, task, argl, args)
}

// WaitChild implements sys_WaitChild.
func (k *Kernel) WaitChild(curproc *proc.PCB, cpid int) (int, int, error) {
	return k.Procs.WaitChild(curproc, cpid)
}

// Exit implements sys_Exit.
func (k *Kernel) Exit(curproc *proc.PCB, exitval int) {
	k.Procs.Exit(curproc, exitval)
}

// GetPid implements sys_GetPid.
func (k *Kernel) GetPid(curproc *proc.PCB) int {
	return proc.GetPid(curproc)
}

// GetPPid implements sys_GetPPid.
func (k *Kernel) GetPPid(curproc *proc.PCB) int {
	return k.Procs.GetPPid(curproc)
}

// CreateThread implements sys_CreateThread.
func (k *Kernel) CreateThread(curproc *proc.PCB, task kernel.Task, argl int, args []byte) (*thread.PTCB, error) {
	return k.Threads.CreateThread(curproc, task, argl, args)
}

// ThreadJoin implements sys_ThreadJoin.
func (k *Kernel) ThreadJoin(curproc *proc.PCB, curthread *thread.PTCB, tid uint64) (int, error) {
	return k.Threads.ThreadJoin(curproc, curthread, tid)
}

// ThreadDetach implements sys_ThreadDetach.
func (k *Kernel) ThreadDetach(curproc *proc.PCB, tid uint64) error {
	return k.Threads.ThreadDetach(curproc, tid)
}

// ThreadSelf implements sys_ThreadSelf. There is no implicit CURTHREAD in
// Go, so curthread is passed explicitly — the handle returned by Exec's
// SpawnMain or CreateThread.
func (k *Kernel) ThreadSelf(curthread *thread.PTCB) uint64 {
	return thread.ThreadSelf(curthread)
}

// Socket implements sys_Socket.
func (k *Kernel) Socket(curproc *proc.PCB, port int) (int, error) {
	return k.Sockets.Socket(curproc, port)
}

// Listen implements sys_Listen.
func (k *Kernel) Listen(curproc *proc.PCB, fid int) error {
	return k.Sockets.Listen(curproc, fid)
}

// Accept implements sys_Accept.
func (k *Kernel) Accept(curproc *proc.PCB, lfid int) (int, error) {
	return k.Sockets.Accept(curproc, lfid)
}

// Connect implements sys_Connect. timeout follows internal/kernel.TimedWait's
// contract: negative blocks forever, zero never blocks, positive bounds the
// wait — the Go-idiomatic rendering of the source's timeout_t encoding.
func (k *Kernel) Connect(curproc *proc.PCB, fid int, port int, timeout time.Duration) error {
	return k.Sockets.Connect(curproc, fid, port, timeout)
}

// Shutdown implements sys_ShutDown.
func (k *Kernel) Shutdown(curproc *proc.PCB, fid int, how socket.ShutdownMode) error {
	return k.Sockets.Shutdown(curproc, fid, how)
}

// OpenInfo implements sys_OpenInfo.
func (k *Kernel) OpenInfo(curproc *proc.PCB) (int, error) {
	return k.Info.Open(curproc)
}
