// Package openinfo implements the read-only process-table snapshot
// stream, grounded directly on tinyos3's kernel_proc.c info_read/
// sys_OpenInfo.
package openinfo

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/justanotherdot/tinykernel/internal/fcb"
	"github.com/justanotherdot/tinykernel/internal/kernel"
	"github.com/justanotherdot/tinykernel/internal/proc"
)

// ErrEOF is returned once the cursor reaches the snapshot's element
// count, the source's info_read "-1" case.
var ErrEOF = errors.New("openinfo: no more records")

// Record is one PCB's row in a snapshot, copied out under the kernel lock
// at Open time — not live-updated thereafter.
type Record struct {
	Pid         int
	PPid        int
	Alive       bool
	ThreadCount int
	MainTask    kernel.Task
	ArgLen      int
	Args        []byte // truncated to cfg.ProcinfoMaxArgsSize
}

// snapshot is the stream object wired into an FCB, grounded on SICB.
type snapshot struct {
	id      uuid.UUID
	records []Record
	cursor  int
}

// Table mediates OpenInfo, reserving an fid against the shared FCB table
// and taking its snapshot from the process table.
type Table struct {
	fcbs  *fcb.Table
	procs *proc.Table
	cfg   kernel.Config
}

// NewTable binds the snapshot reader to the process table it walks and
// the FCB table it reserves descriptors from.
func NewTable(cfg kernel.Config, fcbs *fcb.Table, procs *proc.Table) *Table {
	return &Table{cfg: cfg, fcbs: fcbs, procs: procs}
}

// Open implements sys_OpenInfo: reserves a fid, takes a snapshot of every
// non-FREE PCB under the kernel lock, and wires the stream vtable.
func (t *Table) Open(curproc *proc.PCB) (int, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	fids, fcbs, err := t.fcbs.Reserve(1)
	if err != nil {
		return kernel.NOFILE, err
	}
	fid, f := fids[0], fcbs[0]
	curproc.FDT()[fid] = f

	snap := &snapshot{id: uuid.New()}
	t.procs.Each(func(p *proc.PCB) {
		args := p.Args()
		if len(args) > t.cfg.ProcinfoMaxArgsSize {
			args = args[:t.cfg.ProcinfoMaxArgsSize]
		}
		argsCopy := append([]byte(nil), args...)

		snap.records = append(snap.records, Record{
			Pid:         p.Pid(),
			PPid:        p.ParentPid(),
			Alive:       p.State() == proc.Alive,
			ThreadCount: p.ActiveThreads(),
			MainTask:    p.MainTask(),
			ArgLen:      p.ArgLen(),
			Args:        argsCopy,
		})
	})

	f.StreamObj = snap
	f.Ops = fcb.Ops{
		Read:  snap.read,
		Write: snap.write,
		Close: snap.close,
	}

	kernel.Log.WithFields(map[string]any{
		"fid":     fid,
		"records": len(snap.records),
	}).Debug("openinfo: snapshot taken")

	return fid, nil
}

// read advances the cursor and reports one record available, mirroring
// info_read's size-ignoring, one-record-per-call contract. buf is just a
// presence guard, as in the source; ReadRecord is the typed equivalent
// callers should use to get the actual Record back (Go's answer to the
// source's memcpy into the caller's struct pointer, which Ops.Read's
// []byte-oriented signature can't express directly).
func (s *snapshot) read(buf []byte) (int, error) {
	if s.cursor >= len(s.records) {
		return 0, ErrEOF
	}
	s.cursor++
	return 1, nil
}

func (s *snapshot) write(buf []byte) (int, error) {
	return 0, errors.New("openinfo: write not supported")
}

func (s *snapshot) close() error {
	kernel.Log.WithField("snapshot_id", s.id).Debug("openinfo: snapshot closed")
	return nil
}

// ReadRecord implements the Record-typed form of info_read: advances fid's
// snapshot cursor by one and returns the record it pointed to, or ErrEOF
// once exhausted.
func (t *Table) ReadRecord(curproc *proc.PCB, fid int) (Record, error) {
	kernel.Mu.Lock()
	defer kernel.Mu.Unlock()

	fdt := curproc.FDT()
	if fid < 0 || fid >= len(fdt) || fdt[fid] == nil {
		return Record{}, errors.New("openinfo: invalid fid")
	}
	snap, ok := fdt[fid].StreamObj.(*snapshot)
	if !ok {
		return Record{}, errors.New("openinfo: fid is not an openinfo snapshot")
	}
	if snap.cursor >= len(snap.records) {
		return Record{}, ErrEOF
	}
	r := snap.records[snap.cursor]
	snap.cursor++
	return r, nil
}
