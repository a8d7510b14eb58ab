// Package fault is the page-fault resolver: the single entry point a
// TLB miss trap calls into. Grounded on original_source/paging.c's
// vm_fault control flow and biscuit/src/vm/as.go's Lock_pmap/
// Unlock_pmap/Lockassert_pmap discipline, generalized from a
// per-address-space mutex to a single VMContext mutex standing in for
// "interrupts disabled throughout" on the fault-handling CPU.
package fault

import (
	"context"
	"errors"
	"sync"

	"defs"
	"ipt"
	"proc"
	"stats"
	"swaptable"
	"tlbadapter"
)

// ExitReadOnlyFault is the Err_t value HandleFault returns when a
// write against a read-only mapping terminated the current process.
// It is distinct from the ordinary recoverable codes in package defs
// because the process, not the caller, is the one being failed.
const ExitReadOnlyFault defs.Err_t = -3

// ErrTerminate is a Go error describing the same read-only termination
// that ExitReadOnlyFault signals. HandleFault returns only the Err_t
// value; nothing in this package returns ErrTerminate.
var ErrTerminate = errors.New("fault: current process terminated after read-only violation")

// ProcessTerminator is supplied by whatever owns process lifecycle; a
// read-only-segment write fault is a fatal user error the resolver
// cannot recover from on its own, so it delegates killing the process
// rather than modeling process teardown itself.
type ProcessTerminator interface {
	Terminate(pid uint32)
}

// VMContext bundles the three paging subsystems and the TLB adapter a
// fault resolves against, plus the lock discipline carried over from
// Vm_t: a single mutex taken for the resolver's entire body, with a
// pgfltaken-style flag so inner helpers can assert it is held.
type VMContext struct {
	sync.Mutex
	pgfltaken bool

	IPT        *ipt.IPT
	Swap       *swaptable.SwapTable
	TLB        *tlbadapter.TLB
	Procs      *proc.Table
	Stats      *stats.VM
	Terminator ProcessTerminator

	// memBase is the physical base address the IPT's frame pool starts
	// at, needed to turn a paddr back into a frame index for FrameBytes.
	memBase uint32
}

// New builds a VMContext over already-initialized subsystems. memBase
// must match the value the IPT was constructed with.
func New(ipt *ipt.IPT, swap *swaptable.SwapTable, tlb *tlbadapter.TLB, procs *proc.Table, st *stats.VM, term ProcessTerminator, memBase uint32) *VMContext {
	return &VMContext{IPT: ipt, Swap: swap, TLB: tlb, Procs: procs, Stats: st, Terminator: term, memBase: memBase}
}

// lock acquires the context mutex and marks that fault handling is in
// progress, mirroring Lock_pmap.
func (vm *VMContext) lock() {
	vm.Lock()
	vm.pgfltaken = true
}

// unlock releases the context mutex, mirroring Unlock_pmap.
func (vm *VMContext) unlock() {
	vm.pgfltaken = false
	vm.Unlock()
}

// lockassert panics if the context mutex is not held, mirroring
// Lockassert_pmap. HandleFault calls this after IPT.Insert, before it
// touches the swap table, to catch a missing lock() on that path.
func (vm *VMContext) lockassert() {
	if !vm.pgfltaken {
		panic("fault: VMContext lock must be held")
	}
}

// HandleFault resolves a single page fault, mirroring vm_fault's
// seven-step control flow.
func (vm *VMContext) HandleFault(ctx context.Context, kind defs.FaultKind, pid uint32, p *proc.Info, vaddr uint32) defs.Err_t {
	// 1. A write against a read-only segment is a fatal user error:
	// terminate the offending process rather than resolve the fault.
	if kind == defs.FaultReadOnly {
		vm.Terminator.Terminate(pid)
		return ExitReadOnlyFault
	}

	// 2. Anything else must be an ordinary read or write fault.
	if kind != defs.FaultRead && kind != defs.FaultWrite {
		return defs.EINVALIDFAULT
	}

	// 3. No current process or address space: this is a kernel fault
	// taken too early to recover from sensibly.
	if p == nil {
		return defs.EFAULT
	}

	// 4. Page-align vaddr and reject kernel-segment addresses: those
	// must never miss.
	vaddr &^= uint32(defs.PGSIZE - 1)
	if vaddr >= defs.MIPS_KSEG0 {
		return defs.EFAULT
	}

	vm.lock()
	defer vm.unlock()

	// 5. Record the TLB fault.
	vm.Stats.TLBFault.Inc()

	vpn := vaddr >> defs.PGSHIFT

	// 6. Resolve the mapping: a chain hit reloads, a miss allocates
	// and either swaps in or leaves the frame zero-filled.
	if _, paddr, ok := vm.IPT.Lookup(p, vpn); ok {
		vm.Stats.TLBReload.Inc()
		vm.TLB.Install(vaddr, paddr)
		return 0
	}

	paddr := vm.IPT.Insert(ctx, vaddr, pid, p)
	vm.lockassert()

	if chunk, ok := vm.Swap.Lookup(p, vpn); ok {
		frame := (paddr - vm.baseOffset()) >> defs.PGSHIFT
		vm.Swap.SwapIn(ctx, chunk, p, vm.IPT.FrameBytes(frame))
		vm.Stats.PageFaultSwapIn.Inc()
	} else {
		vm.Stats.PageFaultZeroed.Inc()
	}

	// 7. Install the resolved translation.
	vm.TLB.Install(vaddr, paddr)
	return 0
}

// baseOffset recovers the frame pool's physical base so HandleFault can
// turn a paddr back into a frame index for FrameBytes. The IPT itself
// never exposes memBase; it is threaded here once at construction.
func (vm *VMContext) baseOffset() uint32 {
	return vm.memBase
}
