// Package fcb implements the minimal file-control-block table spec §1
// treats as an external collaborator (FCB_reserve/incref/decref). It is
// realized here, rather than left as an assumption, because this module has
// no surrounding kernel to supply one: pipe, socket and openinfo all need a
// concrete fid/FCB contract to reserve against.
package fcb

import (
	"github.com/pkg/errors"
)

// ErrExhausted is wrapped with call-site context whenever Reserve cannot
// satisfy a request.
var ErrExhausted = errors.New("fcb: no free descriptors")

// Ops is the stream vtable every stream object (pipe half, socket,
// openinfo snapshot) wires into its FCB, mirroring the source's file_ops.
type Ops struct {
	Open  func() error
	Read  func(buf []byte) (int, error)
	Write func(buf []byte) (int, error)
	Close func() error
}

// FCB is a single file control block: a stream object plus its vtable,
// reference counted.
type FCB struct {
	StreamObj any
	Ops       Ops
	refcount  int
}

// Table is a fixed-capacity table of fid -> *FCB slots.
type Table struct {
	slots []*FCB
}

// NewTable allocates a table with room for size file descriptors.
func NewTable(size int) *Table {
	return &Table{slots: make([]*FCB, size)}
}

// Reserve finds n free fids and FCBs atomically, or reserves none and
// returns ErrExhausted. Must be called with the kernel lock held.
func (t *Table) Reserve(n int) ([]int, []*FCB, error) {
	fids := make([]int, 0, n)
	for i, s := range t.slots {
		if s == nil {
			fids = append(fids, i)
			if len(fids) == n {
				break
			}
		}
	}
	if len(fids) < n {
		return nil, nil, errors.Wrapf(ErrExhausted, "reserve %d", n)
	}

	fcbs := make([]*FCB, n)
	for i, fid := range fids {
		f := &FCB{refcount: 1}
		t.slots[fid] = f
		fcbs[i] = f
	}
	return fids, fcbs, nil
}

// Get returns the FCB bound to fid, or nil if fid is out of range or free.
func (t *Table) Get(fid int) *FCB {
	if fid < 0 || fid >= len(t.slots) {
		return nil
	}
	return t.slots[fid]
}

// Bind installs f at fid directly (used when a descriptor table inherits an
// entry from a parent process rather than reserving a fresh one).
func (t *Table) Bind(fid int, f *FCB) {
	t.slots[fid] = f
}

// Incref bumps f's reference count. Must be called with the kernel lock
// held.
func (t *Table) Incref(f *FCB) {
	if f == nil {
		return
	}
	f.refcount++
}

// Decref drops f's reference count and clears the slot at fid on every
// call, invoking f's Ops.Close once the count reaches zero. fid identifies
// the slot to clear; pass -1 if f is not (or is no longer) bound to any
// fid in this table
// (e.g. a second table that merely shares the *FCB, as with inherited
// descriptors).
func (t *Table) Decref(fid int, f *FCB) error {
	if f == nil {
		return nil
	}
	f.refcount--
	if fid >= 0 && fid < len(t.slots) {
		t.slots[fid] = nil
	}
	if f.refcount <= 0 {
		if f.Ops.Close != nil {
			return f.Ops.Close()
		}
	}
	return nil
}
