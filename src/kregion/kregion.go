// Package kregion tracks contiguous kernel frame allocations so that a
// later free can find the run of frames backing a kernel virtual
// address and hand them back to the IPT. It is grounded on
// original_source/paging.c's k_frames fixed pool (the free and in-use
// lists threaded through the same prev/next fields depending on which
// list an entry currently belongs to) and on the teaching kernel's
// msi.go mutex-guarded fixed-pool allocate/free idiom.
package kregion

import (
	"fmt"
	"sync"

	"defs"
)

// run is one pool slot: either linked into the free list or, once
// claimed, describing one outstanding kernel allocation.
type run struct {
	owner     uint32
	baseFrame uint32
	npages    uint32
	kvaddr    uint32
	prev      int32
	next      int32
}

// Info is a read-only view of one outstanding kernel allocation,
// returned by Outstanding for diagnostics.
type Info struct {
	Owner     uint32
	BaseFrame uint32
	NPages    uint32
	KVAddr    uint32
}

// Table is the fixed-capacity pool of kernel-allocation records. Its
// capacity is MAX_PROCESSES, matching the original's assumption that a
// process holds at most one outstanding kernel region.
type Table struct {
	mu        sync.Mutex
	runs      []run
	freeHead  int32
	inUseHead int32
}

// New builds a table with room for capacity outstanding allocations,
// all initially free and doubly linked exactly as vm_bootstrap seeds
// k_frames.
func New(capacity int) *Table {
	if capacity <= 0 {
		defs.Panic(defs.CorruptBookkeeping, "kregion: non-positive capacity")
	}
	runs := make([]run, capacity)
	for i := range runs {
		switch {
		case i == capacity-1:
			runs[i].prev = int32(i - 1)
			runs[i].next = -1
		case i == 0:
			runs[i].prev = -1
			runs[i].next = 1
		default:
			runs[i].prev = int32(i - 1)
			runs[i].next = int32(i + 1)
		}
	}
	return &Table{runs: runs, freeHead: 0, inUseHead: -1}
}

// Record claims a pool slot for a newly made kernel allocation and
// links it onto the tail of the in-use list, mirroring alloc_kpages's
// k_frames bookkeeping in alloc_n_contiguos_pages.
func (t *Table) Record(owner, baseFrame, npages, kvaddr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freeHead == -1 {
		defs.Panic(defs.CorruptBookkeeping, "kregion: pool exhausted, raise MAX_PROCESSES")
	}
	idx := t.freeHead
	t.freeHead = t.runs[idx].next
	if t.freeHead != -1 {
		t.runs[t.freeHead].prev = -1
	}

	t.runs[idx] = run{owner: owner, baseFrame: baseFrame, npages: npages, kvaddr: kvaddr, prev: -1, next: -1}

	if t.inUseHead == -1 {
		t.inUseHead = idx
		return
	}
	i := t.inUseHead
	for t.runs[i].next != -1 {
		i = t.runs[i].next
	}
	t.runs[i].next = idx
	t.runs[idx].prev = i
}

// Release finds the in-use entry whose kernel virtual address is
// kvaddr, removes it from the in-use list, returns it to the free
// list, and reports the frame run it described so the caller can clear
// those frames in the IPT. A miss is fatal: it means free_kpages was
// called on an address with no matching allocation.
func (t *Table) Release(kvaddr uint32) (baseFrame, npages uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.inUseHead
	for i != -1 && t.runs[i].kvaddr != kvaddr {
		i = t.runs[i].next
	}
	if i == -1 {
		defs.Panic(defs.CorruptBookkeeping, fmt.Sprintf("kregion: no allocation for kvaddr %#x", kvaddr))
	}

	baseFrame, npages = t.runs[i].baseFrame, t.runs[i].npages

	if i == t.inUseHead {
		t.inUseHead = t.runs[i].next
		if t.inUseHead != -1 {
			t.runs[t.inUseHead].prev = -1
		}
	} else {
		prev, next := t.runs[i].prev, t.runs[i].next
		t.runs[prev].next = next
		if next != -1 {
			t.runs[next].prev = prev
		}
	}

	if t.freeHead != -1 {
		t.runs[t.freeHead].prev = i
	}
	t.runs[i].next = t.freeHead
	t.runs[i].prev = -1
	t.freeHead = i

	return baseFrame, npages
}

// Outstanding returns every currently-recorded kernel allocation, for
// inspection between AllocContiguousKernel/FreeContiguousKernel pairs. The
// original kernel had no equivalent query; it is supplied here because
// a test or operator wants to confirm the pool returns to empty.
func (t *Table) Outstanding() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Info
	for i := t.inUseHead; i != -1; i = t.runs[i].next {
		out = append(out, Info{
			Owner:     t.runs[i].owner,
			BaseFrame: t.runs[i].baseFrame,
			NPages:    t.runs[i].npages,
			KVAddr:    t.runs[i].kvaddr,
		})
	}
	return out
}
