// Package socket implements connection-oriented local sockets layered on
// top of pipes, grounded directly on tinyos3's kernel_socket.c.
package socket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/klist"
	"github.com/justanotherdot/tinykernel/internal/pipe"
	"github.com/justanotherdot/tinykernel/internal/proc"
)

// Type is a socket's position in the UNBOUND -> {LISTENER,PEER} state
// machine.
type Type int

const (
	Unbound Type = iota
	Listener
	Peer
)

// ErrInvalid covers every −1/NOFILE "invalid argument or wrong state"
// return the source has for socket calls.
var ErrInvalid = errors.New("socket: invalid descriptor, port, or state")

// request is a pending Connect, queued on a listener until Accept pops it
// or Connect's wait times out, grounded on kernel_socket.c's REQUESTCB.
type request struct {
	id     uuid.UUID
	socket *Socket
	cond   *sync.Cond
	served bool
	active bool // activeListener in the source

	node *klist.Element
}

// Socket is the socket control block, grounded on kernel_socket.c's
// SOCKETCB. The listener/peer union fields are just plain struct fields
// here (zero-valued on the side that doesn't apply) rather than an actual
// union, which is the idiomatic Go rendering of the source's untagged
// SST union.
type Socket struct {
	typ  Type
	fcb  *fcb.FCB
	fid  int
	port int

	refcount int

	// listener fields
	queue *klist.List
	cond  *sync.Cond

	// peer fields
	pipeRead  *pipe.Pipe
	pipeWrite *pipe.Pipe
	peer      *Socket
}

func (s *Socket) Fid() int   { return s.fid }
func (s *Socket) Port() int  { return s.port }
func (s *Socket) Type() Type { return s.typ }

// Table owns the port map and mediates every socket syscall. Sockets
// themselves are reached through a process's descriptor table, not
// through Table, mirroring the source's FIDT[sock] lookups.
type Table struct {
	cfg  kernel.Config
	fcbs *fcb.Table

	ports []*Socket // index 0 is never a valid listener: NOPORT
}

// NewTable allocates a port map sized cfg.MaxPort+1, so ports are
// addressed directly by value (port 0 reserved as NOPORT).
func NewTable(cfg kernel.Config, fcbs *fcb.Table) *Table {
	return &Table{cfg: cfg, fcbs: fcbs, ports: make([]*Socket, cfg.MaxPort+1)}
}

// Socket implements sys_Socket: validates the port, reserves one fid/FCB
// in curproc's descriptor table, and allocates an UNBOUND socket wired to
// the stream vtable.
func (t *Table) Socket(curproc *proc.PCB, port int) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()
	return t.socket(curproc, port)
}

// socket is Socket's unlocked body, reused by Accept (which already holds
// kernel.Mu while creating the server-side socket).
func (t *Table) socket(curproc *proc.PCB, port int) (int, error) {
	if port < 0 || port > t.cfg.MaxPort {
		return kernel.NOFILE, errors.Wrap(ErrInvalid, "port out of range")
	}

	fids, fcbs, err := t.fcbs.Reserve(1)
	if err != nil {
		return kernel.NOFILE, err
	}
	fid, f := fids[0], fcbs[0]
	curproc.FDT()[fid] = f

	s := &Socket{typ: Unbound, fcb: f, fid: fid, port: port, refcount: 1}
	f.StreamObj = s
	f.Ops = fcb.Ops{
		Read:  s.read,
		Write: s.write,
		Close: func() error { return t.close(s) },
	}

	kernel.Log.WithFields(map[string]any{"fid": fid, "port": port}).Debug("socket: created")
	return fid, nil
}

// socketAt resolves fid to its *Socket via curproc's descriptor table, or
// nil if fid is out of range, unbound, or not a socket FCB.
func socketAt(curproc *proc.PCB, fid int) *Socket {
	fdt := curproc.FDT()
	if fid < 0 || fid >= len(fdt) || fdt[fid] == nil {
		return nil
	}
	s, ok := fdt[fid].StreamObj.(*Socket)
	if !ok {
		return nil
	}
	return s
}

// Listen implements sys_Listen: promotes an UNBOUND socket with a real,
// unoccupied port to LISTENER.
func (t *Table) Listen(curproc *proc.PCB, fid int) error {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	s := socketAt(curproc, fid)
	if s == nil {
		return ErrInvalid
	}
	if s.port < 1 || s.port > t.cfg.MaxPort {
		return errors.Wrap(ErrInvalid, "no port bound")
	}
	if t.ports[s.port] != nil || s.typ != Unbound {
		return errors.Wrap(ErrInvalid, "port occupied or already bound")
	}

	s.typ = Listener
	s.queue = &klist.List{}
	s.cond = kernel.NewCond()
	t.ports[s.port] = s

	kernel.Log.WithField("port", s.port).Info("socket: listening")
	return nil
}

// Accept implements sys_Accept: waits for a queued request, then creates
// a server-side socket on the listener's port, allocates the pipe pair,
// and promotes both sockets to PEER.
func (t *Table) Accept(curproc *proc.PCB, lfid int) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	listener := socketAt(curproc, lfid)
	if listener == nil || listener.typ != Listener {
		return kernel.NOFILE, ErrInvalid
	}
	lport := listener.port

	for listener.queue.Empty() {
		kernel.Wait(listener.cond)
		if t.ports[lport] == nil {
			return kernel.NOFILE, errors.New("socket: listener closed while waiting")
		}
	}

	v := listener.queue.PopFront()
	req := v.(*request)
	req.node = nil
	client := req.socket

	serverFid, err := t.socket(curproc, listener.port)
	if err != nil {
		return kernel.NOFILE, err
	}
	server := socketAt(curproc, serverFid)

	p1 := pipe.New(t.cfg) // client -> server
	p2 := pipe.New(t.cfg) // server -> client

	p1.SetReader(server.fcb)
	p1.SetWriter(client.fcb)
	p2.SetReader(client.fcb)
	p2.SetWriter(server.fcb)

	client.pipeRead = p2
	client.pipeWrite = p1
	client.peer = server
	client.typ = Peer

	server.pipeRead = p1
	server.pipeWrite = p2
	server.peer = client
	server.typ = Peer

	req.served = true
	client.refcount++
	server.refcount++
	kernel.Broadcast(req.cond)

	kernel.Log.WithFields(map[string]any{
		"server_fid": server.fid,
		"port":       lport,
	}).Info("socket: accepted")

	return server.fid, nil
}

// Connect implements sys_Connect: queues a request on port's listener and
// waits (bounded by timeout; negative blocks forever, zero never blocks,
// per internal/kernel.TimedWait's documented contract) for it to be
// served. See DESIGN.md decision 1 for the own-port check's corrected
// semantics, and decision 3 for removing the request from the queue on
// every exit path instead of only on success.
func (t *Table) Connect(curproc *proc.PCB, fid int, port int, timeout time.Duration) error {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	s := socketAt(curproc, fid)
	if s == nil {
		return ErrInvalid
	}
	if s.port != 0 && t.ports[s.port] != nil {
		return errors.Wrap(ErrInvalid, "connector's own port is a listener")
	}
	if s.typ != Unbound {
		return errors.Wrap(ErrInvalid, "socket already bound")
	}

	if port < 0 || port > t.cfg.MaxPort {
		return errors.Wrap(ErrInvalid, "port out of range")
	}
	listener := t.ports[port]
	if listener == nil || listener.typ != Listener {
		return errors.Wrap(ErrInvalid, "no listener on port")
	}

	req := &request{id: uuid.New(), socket: s, cond: kernel.NewCond(), active: true}
	req.node = listener.queue.PushBack(req)

	kernel.Log.WithFields(map[string]any{
		"request_id": req.id,
		"port":       port,
	}).Debug("socket: connect request queued")

	kernel.Broadcast(listener.cond)
	kernel.TimedWait(req.cond, timeout)

	listener.queue.Remove(req.node)
	req.node = nil

	if !req.served || !req.active {
		return errors.New("socket: connect timed out or rejected")
	}
	return nil
}

// ShutdownMode selects which half(s) of a PEER socket's pipes to close.
type ShutdownMode int

const (
	ShutdownRead ShutdownMode = iota
	ShutdownWrite
	ShutdownBoth
)

// Shutdown implements the intended behavior documented in spec §4.4 and
// DESIGN.md decision 2, correcting the source's SHUTDOWN_BOTH double-close
// of pipe_write and missing close of the local pipe_read.
func (t *Table) Shutdown(curproc *proc.PCB, fid int, how ShutdownMode) error {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	s := socketAt(curproc, fid)
	if s == nil || s.typ != Peer {
		return ErrInvalid
	}

	switch how {
	case ShutdownRead:
		if s.pipeRead != nil {
			s.pipeRead.CloseReader()
			s.pipeRead = nil
		}
		if s.peer != nil && s.peer.pipeWrite != nil {
			s.peer.pipeWrite.CloseWriter()
			s.peer.pipeWrite = nil
		}
	case ShutdownWrite:
		if s.pipeWrite != nil {
			s.pipeWrite.CloseWriter()
			s.pipeWrite = nil
		}
	case ShutdownBoth:
		if s.pipeRead != nil {
			s.pipeRead.CloseReader()
			s.pipeRead = nil
		}
		if s.pipeWrite != nil {
			s.pipeWrite.CloseWriter()
			s.pipeWrite = nil
		}
		if s.peer != nil && s.peer.pipeWrite != nil {
			s.peer.pipeWrite.CloseWriter()
			s.peer.pipeWrite = nil
		}
	default:
		return nil
	}
	return nil
}

// read/write back the stream vtable for a PEER socket onto its pipe
// halves, mirroring socket_read/socket_write. Must be called with
// kernel.Mu held (fcb.Decref and friends already assume this).
func (s *Socket) read(buf []byte) (int, error) {
	if s.typ != Peer || s.pipeRead == nil {
		return 0, pipe.ErrClosed
	}
	return s.pipeRead.Read(buf)
}

func (s *Socket) write(buf []byte) (int, error) {
	if s.typ != Peer || s.pipeWrite == nil {
		return 0, pipe.ErrClosed
	}
	return s.pipeWrite.Write(buf)
}

// close implements socket_close: on a PEER, detaches the peer back-
// reference and closes both local pipe ends; on a LISTENER, rejects every
// queued request (waking its blocked Connect) and broadcasts the listener
// cv before clearing the port map entry (see
// DESIGN.md decision 4 for why that ordering, not the reverse, is
// required for Accept's re-check to observe a cleared entry reliably).
func (t *Table) close(s *Socket) error {
	switch s.typ {
	case Peer:
		if s.peer != nil {
			s.peer.refcount--
			s.peer.peer = nil
		}
		if s.pipeWrite != nil {
			s.pipeWrite.CloseWriter()
		}
		if s.pipeRead != nil {
			s.pipeRead.CloseReader()
		}
	case Listener:
		for !s.queue.Empty() {
			v := s.queue.PopFront()
			req := v.(*request)
			req.active = false
			req.node = nil
			kernel.Broadcast(req.cond)
		}
		kernel.Broadcast(s.cond)
		t.ports[s.port] = nil
	}

	s.refcount--

	kernel.Log.WithField("fid", s.fid).Debug("socket: closed")
	return nil
}
