// Package vdi defines the boundary contract to the object/VDI engine
// (§1's explicit external collaborator: "the object store, ... the VDI
// metadata operations"), plus an in-memory test double used by the rest
// of this module's tests.
package vdi

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Lookup when name has no VDI.
var ErrNotFound = errors.New("vdi: not found")

// ErrExists is returned by Add when name already has a VDI.
var ErrExists = errors.New("vdi: already exists")

// Info is the metadata record for one VDI.
type Info struct {
	Name       string
	Ctime      int64
	Copies     int
	Size       uint64
	Recovering bool
	Busy       bool
}

// Engine is the boundary the cluster group engine drives for VDI
// metadata actions dispatched through Op=VdiOp (§4.5), and for object
// state queried by Request Admission (§4.7).
type Engine interface {
	Lookup(name string) (Info, error)
	Add(name string, ctime int64, copies int) (Info, error)
	Del(name string) error
	Attr(name string) (Info, error)
	MakeFs() error

	// Bitmap returns the in-use VDI bitmap, one bit set per allocated
	// VDI slot, used for join-time reconciliation (§4.5, §5).
	Bitmap() []byte
	// MergeBitmap ORs a peer's bitmap into the local one, the
	// reconciliation step of §4.5's "pull the VDI in-use bitmap from
	// every peer".
	MergeBitmap(peer []byte)

	// MarkRecovering/IsRecovering back Request Admission's recovering
	// gate (§4.7). MarkBusy/IsBusy keep a per-VDI busy flag that Request
	// Admission does not consult; it counts its own in-flight I/O.
	MarkRecovering(name string, recovering bool)
	MarkBusy(name string, busy bool)
	IsRecovering(name string) bool
	IsBusy(name string) bool
}

// MemEngine is an in-memory Engine used by tests and by the reference
// single-process wiring in pkg/sheep.
type MemEngine struct {
	mu     sync.RWMutex
	vdis   map[string]*Info
	bitmap []byte
}

// NewMemEngine builds an empty MemEngine with a bitmap of nrBits bits.
func NewMemEngine(nrBits int) *MemEngine {
	return &MemEngine{
		vdis:   make(map[string]*Info),
		bitmap: make([]byte, (nrBits+7)/8),
	}
}

func (e *MemEngine) Lookup(name string) (Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vdis[name]
	if !ok {
		return Info{}, ErrNotFound
	}
	return *v, nil
}

func (e *MemEngine) Add(name string, ctime int64, copies int) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vdis[name]; ok {
		return Info{}, ErrExists
	}
	v := &Info{Name: name, Ctime: ctime, Copies: copies}
	e.vdis[name] = v
	e.setBit(len(e.vdis) - 1)
	return *v, nil
}

func (e *MemEngine) Del(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vdis[name]; !ok {
		return ErrNotFound
	}
	delete(e.vdis, name)
	return nil
}

func (e *MemEngine) Attr(name string) (Info, error) { return e.Lookup(name) }

func (e *MemEngine) MakeFs() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vdis = make(map[string]*Info)
	for i := range e.bitmap {
		e.bitmap[i] = 0
	}
	return nil
}

func (e *MemEngine) Bitmap() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]byte, len(e.bitmap))
	copy(out, e.bitmap)
	return out
}

func (e *MemEngine) MergeBitmap(peer []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < len(e.bitmap) && i < len(peer); i++ {
		e.bitmap[i] |= peer[i]
	}
}

func (e *MemEngine) setBit(i int) {
	byteIdx, bitIdx := i/8, uint(i%8)
	if byteIdx >= len(e.bitmap) {
		return
	}
	e.bitmap[byteIdx] |= 1 << bitIdx
}

func (e *MemEngine) MarkRecovering(name string, recovering bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vdis[name]; ok {
		v.Recovering = recovering
	}
}

func (e *MemEngine) MarkBusy(name string, busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vdis[name]; ok {
		v.Busy = busy
	}
}

func (e *MemEngine) IsRecovering(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vdis[name]
	return ok && v.Recovering
}

func (e *MemEngine) IsBusy(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vdis[name]
	return ok && v.Busy
}
