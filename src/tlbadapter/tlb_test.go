package tlbadapter

import "testing"

func TestInstallAndLookup(t *testing.T) {
	tlb := New(4)
	tlb.Install(0x1000, 0x2000)

	paddr, ok := tlb.Lookup(0x1000)
	if !ok || paddr != 0x2000 {
		t.Fatalf("Lookup(0x1000) = %#x, %v; want 0x2000, true", paddr, ok)
	}
	if _, ok := tlb.Lookup(0x3000); ok {
		t.Fatal("Lookup of unresident vaddr returned ok=true")
	}
}

func TestInstallRefreshesExistingEntry(t *testing.T) {
	tlb := New(4)
	tlb.Install(0x1000, 0x2000)
	tlb.Install(0x1000, 0x5000)

	paddr, ok := tlb.Lookup(0x1000)
	if !ok || paddr != 0x5000 {
		t.Fatalf("Lookup(0x1000) = %#x, %v; want 0x5000, true", paddr, ok)
	}
}

func TestInstallEvictsRoundRobinWhenFull(t *testing.T) {
	tlb := New(2)
	tlb.Install(0x1000, 0x1000)
	tlb.Install(0x2000, 0x2000)
	tlb.Install(0x3000, 0x3000)

	if _, ok := tlb.Lookup(0x1000); ok {
		t.Error("expected oldest slot evicted round-robin")
	}
	if _, ok := tlb.Lookup(0x2000); !ok {
		t.Error("expected second entry to remain resident")
	}
	if paddr, ok := tlb.Lookup(0x3000); !ok || paddr != 0x3000 {
		t.Error("expected third entry installed into evicted slot")
	}
}

func TestInvalidate(t *testing.T) {
	tlb := New(4)
	tlb.Install(0x1000, 0x2000)
	tlb.Invalidate(0x1000)
	if _, ok := tlb.Lookup(0x1000); ok {
		t.Fatal("Lookup found entry after Invalidate")
	}
	tlb.Invalidate(0x9999) // no-op on a miss
}

func TestInvalidateAll(t *testing.T) {
	tlb := New(4)
	tlb.Install(0x1000, 0x1000)
	tlb.Install(0x2000, 0x2000)
	tlb.InvalidateAll()
	if _, ok := tlb.Lookup(0x1000); ok {
		t.Error("Lookup(0x1000) still resident after InvalidateAll")
	}
	if _, ok := tlb.Lookup(0x2000); ok {
		t.Error("Lookup(0x2000) still resident after InvalidateAll")
	}
}

func TestNewClampsNonPositiveSize(t *testing.T) {
	tlb := New(0)
	if len(tlb.entries) != 1 {
		t.Fatalf("New(0) gave %d entries, want 1", len(tlb.entries))
	}
}
