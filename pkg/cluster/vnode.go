package cluster

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
)

// Vnode is a single point on the replica-placement ring, contributed by a
// member's NrVnodes weight.
type Vnode struct {
	Hash  uint64
	Entry NodeEntry
}

// VnodeRing is the derived replica-placement view of §3. Invalidate resets
// its count to 0, mirroring the cached-count-of-zero invalidation scheme
// spec.md describes; it is not rebuilt on use, only by an explicit
// Rebuild, and Owners returns nil until then.
type VnodeRing struct {
	vnodes []Vnode
}

// NewVnodeRing builds a ring from the given (sorted) entries. Each Node
// contributes NrVnodes points; ordering of the resulting ring determines
// replica placement.
func NewVnodeRing(entries []NodeEntry) *VnodeRing {
	r := &VnodeRing{}
	r.Rebuild(entries)
	return r
}

// Rebuild recomputes the ring from scratch. Called after Invalidate, or
// directly by callers that already hold the new membership snapshot.
func (r *VnodeRing) Rebuild(entries []NodeEntry) {
	vnodes := make([]Vnode, 0, len(entries))
	for _, e := range entries {
		for i := uint16(0); i < e.NrVnodes; i++ {
			vnodes = append(vnodes, Vnode{Hash: vnodeHash(e, i), Entry: e})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool { return vnodes[i].Hash < vnodes[j].Hash })
	r.vnodes = vnodes
}

// Invalidate marks the ring as stale. Count() returns 0 until Rebuild is
// called again, per the "cached count set to 0" invalidation rule in §3.
func (r *VnodeRing) Invalidate() {
	r.vnodes = nil
}

// Count returns the number of vnode points currently cached, 0 if
// invalidated.
func (r *VnodeRing) Count() int {
	return len(r.vnodes)
}

// Owners returns the first n distinct NodeEntry owners responsible for oid,
// walking the ring starting from the first vnode whose hash is >= oid
// (oid itself is not hashed), wrapping around. Used by Request
// Admission to determine replica placement for object I/O.
func (r *VnodeRing) Owners(oid uint64, n int) []NodeEntry {
	if len(r.vnodes) == 0 || n <= 0 {
		return nil
	}
	start := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].Hash >= oid
	})

	out := make([]NodeEntry, 0, n)
	seen := make(map[NodeEntry]bool, n)
	for i := 0; i < len(r.vnodes) && len(out) < n; i++ {
		v := r.vnodes[(start+i)%len(r.vnodes)]
		if seen[v.Entry] {
			continue
		}
		seen[v.Entry] = true
		out = append(out, v.Entry)
	}
	return out
}

func vnodeHash(e NodeEntry, idx uint16) uint64 {
	h := sha1.New()
	h.Write(e.Addr[:])
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], e.Port)
	binary.BigEndian.PutUint16(b[2:4], idx)
	h.Write(b[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
