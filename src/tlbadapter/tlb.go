// Package tlbadapter models the hardware TLB the fault resolver installs
// mappings into after it resolves a miss. The fault-handling contract
// only requires that a resolved mapping become reachable without
// retaking a fault, which real MIPS hardware gives for free; this
// package supplies the same guarantee in software with a bounded table
// and round-robin eviction, the way a MIPS CP0 TLB with a fixed entry
// count evicts via the Random register once Wired entries are exhausted.
package tlbadapter

import "sync"

// entry is one resident virtual-to-physical mapping.
type entry struct {
	used  bool
	vaddr uint32
	paddr uint32
}

// TLB is a fixed-capacity software model of the hardware page-translation
// cache. It is safe for concurrent use.
type TLB struct {
	mu      sync.Mutex
	entries []entry
	cursor  int // next slot to evict, round-robin
}

// New returns a TLB with room for n resident entries.
func New(n int) *TLB {
	if n <= 0 {
		n = 1
	}
	return &TLB{entries: make([]entry, n)}
}

// Install inserts or refreshes the mapping from vaddr to paddr. If
// vaddr is already resident its translation is updated in place;
// otherwise a free slot is used, or, if the table is full, the slot
// under a round-robin cursor is evicted.
func (t *TLB) Install(vaddr, paddr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].used && t.entries[i].vaddr == vaddr {
			t.entries[i].paddr = paddr
			return
		}
	}
	for i := range t.entries {
		if !t.entries[i].used {
			t.entries[i] = entry{used: true, vaddr: vaddr, paddr: paddr}
			return
		}
	}
	i := t.cursor
	t.entries[i] = entry{used: true, vaddr: vaddr, paddr: paddr}
	t.cursor = (t.cursor + 1) % len(t.entries)
}

// Invalidate removes any resident mapping for vaddr. It is a no-op if
// vaddr is not resident.
func (t *TLB) Invalidate(vaddr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].used && t.entries[i].vaddr == vaddr {
			t.entries[i] = entry{}
		}
	}
}

// InvalidateAll clears every resident mapping, for full shootdowns such
// as process exit.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = entry{}
	}
	t.cursor = 0
}

// Lookup returns the resident translation for vaddr, if any.
func (t *TLB) Lookup(vaddr uint32) (paddr uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].used && t.entries[i].vaddr == vaddr {
			return t.entries[i].paddr, true
		}
	}
	return 0, false
}
