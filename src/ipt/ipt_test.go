package ipt

import (
	"context"
	"path/filepath"
	"testing"

	"defs"
	"kregion"
	"proc"
	"stats"
	"swapdev"
	"swaptable"
	"tlbadapter"
)

type fixture struct {
	ipt   *IPT
	swap  *swaptable.SwapTable
	procs *proc.Table
	st    *stats.VM
	tlb   *tlbadapter.TLB
}

func newFixture(t *testing.T, nFrames, nChunks int) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.raw")
	dev, err := swapdev.Open(path, nChunks)
	if err != nil {
		t.Fatalf("swapdev.Open: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	st := &stats.VM{}
	procs := proc.NewTable()
	tlb := tlbadapter.New(nFrames)
	swap := swaptable.New(dev, st, tlb)
	table := New(nFrames, 0x1000, swap, procs, st)
	return &fixture{ipt: table, swap: swap, procs: procs, st: st, tlb: tlb}
}

func TestInsertFillsFreeFramesBeforeEvicting(t *testing.T) {
	f := newFixture(t, 2, 4)
	p := f.procs.Register(1)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, p)
	f.ipt.Insert(ctx, 0x1000, 1, p)

	if got := f.st.PageEvicted.Get(); got != 0 {
		t.Fatalf("PageEvicted = %d, want 0 while free frames remain", got)
	}
	if _, _, ok := f.ipt.Lookup(p, 0); !ok {
		t.Error("expected vpn 0 resident")
	}
	if _, _, ok := f.ipt.Lookup(p, 1); !ok {
		t.Error("expected vpn 1 resident")
	}
}

func TestInsertEvictsFIFOVictimWhenFull(t *testing.T) {
	f := newFixture(t, 2, 4)
	p := f.procs.Register(1)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, p) // vpn 0
	f.ipt.Insert(ctx, 0x1000, 1, p) // vpn 1
	f.ipt.Insert(ctx, 0x2000, 1, p) // vpn 2, evicts vpn 0 (FIFO)

	if got := f.st.PageEvicted.Get(); got != 1 {
		t.Fatalf("PageEvicted = %d, want 1", got)
	}
	if _, _, ok := f.ipt.Lookup(p, 0); ok {
		t.Error("expected vpn 0 evicted from the IPT")
	}
	if _, ok := f.swap.Lookup(p, 0); !ok {
		t.Error("expected vpn 0 to have been swapped out")
	}
	if _, _, ok := f.ipt.Lookup(p, 2); !ok {
		t.Error("expected vpn 2 resident")
	}
}

func TestInsertInvalidatesEvictedVaddrInTLB(t *testing.T) {
	f := newFixture(t, 2, 4)
	p := f.procs.Register(1)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, p) // vpn 0
	f.ipt.Insert(ctx, 0x1000, 1, p) // vpn 1
	f.tlb.Install(0x0000, 0xdead0000)

	f.ipt.Insert(ctx, 0x2000, 1, p) // vpn 2, evicts vpn 0 (FIFO)

	if _, ok := f.tlb.Lookup(0x0000); ok {
		t.Fatal("expected the evicted vaddr's TLB mapping to be invalidated")
	}
}

func TestEvictedPageContentSurvivesSwapRoundTrip(t *testing.T) {
	f := newFixture(t, 1, 4)
	p := f.procs.Register(1)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, p)
	frame, _, _ := f.ipt.Lookup(p, 0)
	buf := f.ipt.FrameBytes(frame)
	for i := range buf {
		buf[i] = byte(i % 200)
	}
	want := make([]byte, len(buf))
	copy(want, buf)

	f.ipt.Insert(ctx, 0x1000, 1, p) // evicts vpn 0

	chunk, ok := f.swap.Lookup(p, 0)
	if !ok {
		t.Fatal("expected vpn 0 resident in swap after eviction")
	}
	got := make([]byte, defs.PGSIZE)
	f.swap.SwapIn(ctx, chunk, p, got)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d after swap round trip", i, got[i], want[i])
		}
	}
}

func TestRemoveReturnsFrameToFreeChain(t *testing.T) {
	f := newFixture(t, 1, 4)
	p := f.procs.Register(1)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, p)
	frame, _, _ := f.ipt.Lookup(p, 0)
	f.ipt.Remove(frame)

	if _, _, ok := f.ipt.Lookup(p, 0); ok {
		t.Fatal("expected vpn 0 gone after Remove")
	}
	if got := f.st.PageEvicted.Get(); got != 0 {
		t.Fatalf("PageEvicted = %d, want 0 (freed, not evicted)", got)
	}
	// frame is free again, so inserting another page must not evict.
	f.ipt.Insert(ctx, 0x1000, 1, p)
	if got := f.st.PageEvicted.Get(); got != 0 {
		t.Fatalf("PageEvicted = %d, want 0 after reusing a freed frame", got)
	}
}

func TestEvictProcessDropsAllFrames(t *testing.T) {
	f := newFixture(t, 2, 4)
	p := f.procs.Register(1)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, p)
	f.ipt.Insert(ctx, 0x1000, 1, p)
	f.ipt.EvictProcess(p)

	if p.NFrames != 0 {
		t.Fatalf("p.NFrames = %d, want 0 after EvictProcess", p.NFrames)
	}
	if _, _, ok := f.ipt.Lookup(p, 0); ok {
		t.Error("expected vpn 0 gone after EvictProcess")
	}
}

func TestAllocAndFreeContiguousKernel(t *testing.T) {
	f := newFixture(t, 4, 4)
	p := f.procs.Register(1)
	kr := kregion.New(2)
	ctx := context.Background()

	topBefore := f.ipt.frameNK
	kvaddr := f.ipt.AllocContiguousKernel(ctx, 2, 1, p, kr)

	if f.st.KernelFramesAllocd.Get() != 2 {
		t.Fatalf("KernelFramesAllocd = %d, want 2", f.st.KernelFramesAllocd.Get())
	}
	if f.ipt.frameNK != topBefore-2 {
		t.Fatalf("frameNK = %d, want %d", f.ipt.frameNK, topBefore-2)
	}

	f.ipt.FreeContiguousKernel(kvaddr, kr)
	if f.ipt.frameNK != topBefore {
		t.Fatalf("frameNK = %d after free, want restored to %d", f.ipt.frameNK, topBefore)
	}
}

func TestKernelPinnedFramesAreNeverEvicted(t *testing.T) {
	f := newFixture(t, 4, 8)
	p := f.procs.Register(1)
	kr := kregion.New(1)
	ctx := context.Background()

	f.ipt.AllocContiguousKernel(ctx, 2, 1, p, kr) // pins the top two frames

	f.ipt.Insert(ctx, 0x0000, 1, p) // claims the first remaining free frame
	f.ipt.Insert(ctx, 0x1000, 1, p) // claims the second, free chain now empty
	f.ipt.Insert(ctx, 0x2000, 1, p) // must evict a user frame, never a kernel one

	if got := f.st.PageEvicted.Get(); got != 1 {
		t.Fatalf("PageEvicted = %d, want 1", got)
	}
	for _, frame := range []uint32{2, 3} {
		if !f.ipt.entries[frame].Valid() || !f.ipt.entries[frame].Kernel() {
			t.Fatalf("kernel-pinned frame %d was evicted", frame)
		}
	}
}

func TestForkFramesLeavesParentResident(t *testing.T) {
	f := newFixture(t, 2, 4)
	parent := f.procs.Register(1)
	child := f.procs.Register(2)
	ctx := context.Background()

	f.ipt.Insert(ctx, 0x0000, 1, parent)
	f.ipt.ForkFrames(ctx, parent, 2, child)

	if _, _, ok := f.ipt.Lookup(parent, 0); !ok {
		t.Error("expected parent frame to remain resident after fork")
	}
	if _, ok := f.swap.Lookup(child, 0); !ok {
		t.Error("expected child's forked page to be reachable in swap")
	}
	if got := f.st.ForkFrameCopies.Get(); got != 1 {
		t.Fatalf("ForkFrameCopies = %d, want 1", got)
	}
}

