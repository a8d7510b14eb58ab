// Package ipt is the inverted page table: one entry per physical
// frame, each stamped with the (pid, vpn) pair it currently backs.
// Grounded on original_source/pt.c verbatim for the bit-packed chain
// algorithms (free-frame chain and per-process frame chains threaded
// through the same entries) and biscuit/src/mem/mem.go's
// free-list-via-index structural idiom for the free chain itself.
package ipt

import (
	"context"
	"fmt"
	"sync"

	"bitentry"
	"defs"
	"kregion"
	"proc"
	"stats"
	"swaptable"
)

// IPT is the inverted page table for a fixed-size physical frame pool.
type IPT struct {
	mu      sync.Mutex
	entries []bitentry.IPTEntry
	mem     [][]byte // frame contents, indexed by frame number

	firstFree uint32
	lastFree  uint32

	memBase uint32
	fifo    *fifoRing

	// frameNK is the kernel-allocation watermark: the highest frame
	// index still available to alloc_contiguous_kernel. Signed so the
	// underflow check below can actually fire (the original compares
	// an unsigned counter against zero and never catches the bug).
	frameNK int32

	swap  *swaptable.SwapTable
	procs *proc.Table
	st    *stats.VM
}

// New builds an IPT over nFrames physical frames based at memBase,
// all initially free and singly linked through Next exactly as
// pageTInit seeds them.
func New(nFrames int, memBase uint32, swap *swaptable.SwapTable, procs *proc.Table, st *stats.VM) *IPT {
	if nFrames <= 0 {
		defs.Panic(defs.CorruptBookkeeping, "ipt: non-positive frame count")
	}
	entries := make([]bitentry.IPTEntry, nFrames)
	mem := make([][]byte, nFrames)
	for i := range entries {
		mem[i] = make([]byte, defs.PGSIZE)
		if i < nFrames-1 {
			entries[i] = entries[i].SetChain(true)
			entries[i] = entries[i].SetNext(uint32(i + 1))
		}
	}
	return &IPT{
		entries:   entries,
		mem:       mem,
		firstFree: 0,
		lastFree:  uint32(nFrames - 1),
		memBase:   memBase,
		fifo:      newFIFORing(nFrames),
		frameNK:   int32(nFrames - 1),
		swap:      swap,
		procs:     procs,
		st:        st,
	}
}

func (t *IPT) frameAddr(frame uint32) uint32 {
	return frame*uint32(defs.PGSIZE) + t.memBase
}

// FrameBytes returns the backing byte slice for frame, for callers
// (the fault resolver, tests) that need to read or write page content
// directly.
func (t *IPT) FrameBytes(frame uint32) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mem[frame]
}

func (t *IPT) freeListEmptyLocked() bool {
	return t.firstFree == t.lastFree && t.entries[t.firstFree].Valid()
}

// Lookup walks p's frame chain for vpn, mirroring getFrameAddress.
func (t *IPT) Lookup(p *proc.Info, vpn uint32) (frame, paddr uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.NFrames == 0 {
		return 0, 0, false
	}
	i := p.StartFrame
	for {
		if t.entries[i].VPN() == vpn {
			return i, t.frameAddr(i), true
		}
		if !t.entries[i].Chain() {
			break
		}
		i = t.entries[i].Next()
	}
	return 0, 0, false
}

// unlinkFreeLocked removes frame from the free chain, wherever in the
// chain it sits, mirroring addEntry's free-list removal scan.
func (t *IPT) unlinkFreeLocked(frame uint32) {
	if t.firstFree == t.lastFree {
		return
	}
	if t.firstFree == frame {
		t.firstFree = t.entries[frame].Next()
		return
	}
	i := t.firstFree
	for t.entries[i].Chain() && t.entries[i].Next() != frame {
		i = t.entries[i].Next()
	}
	if i == t.lastFree {
		defs.Panic(defs.CorruptBookkeeping, "ipt: frame missing from free chain")
	}
	if frame == t.lastFree {
		t.lastFree = i
		t.entries[i] = t.entries[i].SetChain(false)
	} else {
		t.entries[i] = t.entries[i].SetNext(t.entries[frame].Next())
	}
}

// addEntryLocked claims frame for (vpn, pid), zeroing its contents,
// and appends it to p's frame chain, mirroring addEntry.
func (t *IPT) addEntryLocked(frame, vpn, pid uint32, p *proc.Info) {
	t.unlinkFreeLocked(frame)

	buf := t.mem[frame]
	for i := range buf {
		buf[i] = 0
	}

	kernel := vpn<<defs.PGSHIFT > defs.MIPS_KSEG0
	e := bitentry.IPTEntry{}.SetValid(true).SetChain(false).SetKernel(kernel).SetVPN(vpn).SetNext(0).SetPID(pid)
	t.entries[frame] = e

	if p.NFrames == 0 {
		p.StartFrame = frame
	} else {
		t.entries[p.LastFrame] = t.entries[p.LastFrame].SetChain(true).SetNext(frame)
	}
	p.LastFrame = frame
	p.NFrames++
}

// removeLocked unlinks frame from its owning process chain (found via
// the pid stamped on the entry) and links it to the tail of the free
// chain, clearing all field bits, mirroring remove_page.
func (t *IPT) removeLocked(frame uint32) {
	pid := t.entries[frame].PID()
	if p := t.procs.Lookup(pid); p != nil {
		if p.NFrames != 1 {
			switch {
			case p.StartFrame == frame:
				p.StartFrame = t.entries[frame].Next()
			case p.LastFrame == frame:
				i := p.StartFrame
				for t.entries[i].Chain() && t.entries[i].Next() != frame {
					i = t.entries[i].Next()
				}
				if i == p.LastFrame {
					defs.Panic(defs.CorruptBookkeeping, "ipt: frame not owned by claimed process")
				}
				p.LastFrame = i
				t.entries[i] = t.entries[i].SetChain(false)
			default:
				i := p.StartFrame
				for t.entries[i].Chain() && t.entries[i].Next() != frame {
					i = t.entries[i].Next()
				}
				if i == p.LastFrame {
					defs.Panic(defs.CorruptBookkeeping, "ipt: frame not owned by claimed process")
				}
				t.entries[i] = t.entries[i].SetNext(t.entries[frame].Next())
			}
		} else {
			p.LastFrame = p.StartFrame
		}
		p.NFrames--
	}

	if t.freeListEmptyLocked() {
		t.firstFree, t.lastFree = frame, frame
	} else {
		t.entries[t.lastFree] = t.entries[t.lastFree].SetChain(true).SetNext(frame)
		t.lastFree = frame
	}
	t.entries[frame] = bitentry.IPTEntry{}
}

// Remove evicts frame from the table and returns it to the free
// chain.
func (t *IPT) Remove(frame uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(frame)
}

// replaceLocked advances the FIFO ring until it finds a non-kernel
// frame, mirroring replace_page's FIFO_RA path.
func (t *IPT) replaceLocked() uint32 {
	for i := 0; i <= len(t.entries); i++ {
		idx := t.fifo.advance()
		if !t.entries[idx].Kernel() {
			return idx
		}
	}
	defs.Panic(defs.CorruptBookkeeping, "ipt: no evictable frame, every frame is kernel-pinned")
	return 0
}

// Insert obtains a physical frame for vaddr, either from the free
// chain or by evicting a FIFO victim through swap-out, stamps it with
// (vpn, pid), appends it to p's frame chain, and pushes it onto the
// FIFO ring. It returns the physical address of the claimed frame.
func (t *IPT) Insert(ctx context.Context, vaddr, pid uint32, p *proc.Info) uint32 {
	vpn := vaddr >> defs.PGSHIFT

	t.mu.Lock()
	if !t.freeListEmptyLocked() {
		frame := t.firstFree
		t.addEntryLocked(frame, vpn, pid, p)
		t.fifo.push(frame)
		paddr := t.frameAddr(frame)
		t.mu.Unlock()
		return paddr
	}

	frame := t.replaceLocked()
	victimVPN := t.entries[frame].VPN()
	victimPID := t.entries[frame].PID()
	victimBuf := t.mem[frame]
	t.mu.Unlock()

	chunk, ok := t.swap.FirstFree()
	if !ok {
		defs.Panic(defs.OutOfSwap, "")
	}
	victimProc := t.procs.Lookup(victimPID)
	t.swap.SwapOut(ctx, chunk, victimPID, victimProc, victimVPN, victimBuf, true)

	t.mu.Lock()
	t.removeLocked(frame)
	t.addEntryLocked(frame, vpn, pid, p)
	t.fifo.push(frame)
	paddr := t.frameAddr(frame)
	t.mu.Unlock()
	t.st.PageEvicted.Inc()
	return paddr
}

// EvictProcess removes every frame pid currently owns, mirroring
// all_proc_page_out.
func (t *IPT) EvictProcess(p *proc.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p.NFrames > 0 {
		frame := p.StartFrame
		t.removeLocked(frame)
	}
}

// AllocContiguousKernel claims the top n frame indices for a kernel
// allocation, evicting any that are currently resident, marks them
// kernel-owned (by inserting them under a kernel-segment vpn and
// setting the kernel bit on each, so frame 0, whose vpn lands exactly
// on MIPS_KSEG0, is pinned too), decrements the kernel watermark, and
// records the run in kr. It
// returns the kernel virtual address backing the run.
func (t *IPT) AllocContiguousKernel(ctx context.Context, n int, pid uint32, p *proc.Info, kr *kregion.Table) uint32 {
	if n <= 0 {
		defs.Panic(defs.CorruptBookkeeping, "ipt: non-positive contiguous kernel request")
	}

	t.mu.Lock()
	top := t.frameNK
	base := top - int32(n) + 1
	if base < 0 {
		t.mu.Unlock()
		defs.Panic(defs.CorruptBookkeeping, "ipt: kernel watermark underflow")
	}
	t.mu.Unlock()

	for i := top; i >= base; i-- {
		frame := uint32(i)

		t.mu.Lock()
		valid := t.entries[frame].Valid()
		var victimVPN, victimPID uint32
		var victimBuf []byte
		if valid {
			victimVPN = t.entries[frame].VPN()
			victimPID = t.entries[frame].PID()
			victimBuf = t.mem[frame]
		}
		t.mu.Unlock()

		if valid {
			chunk, ok := t.swap.FirstFree()
			if !ok {
				defs.Panic(defs.OutOfSwap, "")
			}
			victimProc := t.procs.Lookup(victimPID)
			t.swap.SwapOut(ctx, chunk, victimPID, victimProc, victimVPN, victimBuf, true)

			t.mu.Lock()
			t.removeLocked(frame)
			t.mu.Unlock()
		}

		kvpn := (defs.MIPS_KSEG0 >> defs.PGSHIFT) + frame
		t.mu.Lock()
		t.addEntryLocked(frame, kvpn, pid, p)
		t.entries[frame] = t.entries[frame].SetKernel(true)
		t.fifo.push(frame)
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.frameNK -= int32(n)
	underflowed := t.frameNK < 0
	kvaddr := defs.MIPS_KSEG0 + t.frameAddr(uint32(base))
	t.mu.Unlock()
	if underflowed {
		defs.Panic(defs.CorruptBookkeeping, "ipt: kernel watermark went negative")
	}

	t.st.KernelFramesAllocd.Add(int64(n))
	kr.Record(pid, uint32(base), uint32(n), kvaddr)
	return kvaddr
}

// FreeContiguousKernel clears the frame run kr has recorded for
// kvaddr, returning those frames to the free chain and restoring the
// kernel watermark, mirroring free_kpages.
func (t *IPT) FreeContiguousKernel(kvaddr uint32, kr *kregion.Table) {
	base, n := kr.Release(kvaddr)
	t.mu.Lock()
	for frame := base; frame < base+n; frame++ {
		t.removeLocked(frame)
	}
	t.frameNK += int32(n)
	t.mu.Unlock()
}

// ForkFrames materializes the child's address-space image in swap
// without disturbing the parent's mapping: for every frame in the
// parent's chain it reserves a swap chunk tagged with dstPid and the
// frame's vpn, leaving the parent frame resident and the TLB alone
// (invalidate=false), mirroring pages_fork.
func (t *IPT) ForkFrames(ctx context.Context, src *proc.Info, dstPid uint32, dst *proc.Info) {
	if src.NFrames == 0 {
		return
	}

	t.mu.Lock()
	frames := make([]uint32, 0, src.NFrames)
	i := src.StartFrame
	for {
		frames = append(frames, i)
		if !t.entries[i].Chain() {
			break
		}
		i = t.entries[i].Next()
	}
	t.mu.Unlock()

	for _, frame := range frames {
		t.mu.Lock()
		vpn := t.entries[frame].VPN()
		buf := t.mem[frame]
		t.mu.Unlock()

		chunk, ok := t.swap.FirstFree()
		if !ok {
			defs.Panic(defs.OutOfSwap, "")
		}
		t.swap.SwapOut(ctx, chunk, dstPid, dst, vpn, buf, false)
		t.st.ForkFrameCopies.Inc()
	}
}

// String renders every entry, mirroring print_pt's debug dump.
func (t *IPT) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := ""
	for i := range t.entries {
		e := t.entries[i]
		s += fmt.Sprintf("%2d) valid=%v kernel=%v chain=%v next=%d pid=%d vpn=%#x\n",
			i, e.Valid(), e.Kernel(), e.Chain(), e.Next(), e.PID(), e.VPN())
	}
	s += fmt.Sprintf("first free: %d, last free: %d, kernel watermark: %d\n", t.firstFree, t.lastFree, t.frameNK)
	return s
}
