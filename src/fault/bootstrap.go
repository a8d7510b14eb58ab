package fault

import (
	"fmt"

	"ipt"
	"kregion"
	"proc"
	"stats"
	"swapdev"
	"swaptable"
	"tlbadapter"
)

// DefaultSwapPath names the raw backing file the swap manager opens,
// matching the teaching kernel's fixed "lhd0raw:" device path.
const DefaultSwapPath = "lhd0raw:"

// Bootstrap builds every paging subsystem exactly once and wires them
// into a VMContext, mirroring vm_bootstrap: open the swap device,
// build the swap table over it, build the IPT over nFrames physical
// frames based at memBase, and size the kernel-region pool to
// maxProcesses.
func Bootstrap(swapPath string, swapChunks, nFrames int, memBase uint32, maxProcesses int, term ProcessTerminator) (*VMContext, *proc.Table, *kregion.Table, error) {
	dev, err := swapdev.Open(swapPath, swapChunks)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fault: bootstrap: %w", err)
	}

	st := &stats.VM{}
	procs := proc.NewTable()
	tlb := tlbadapter.New(nFrames)
	swap := swaptable.New(dev, st, tlb)
	table := ipt.New(nFrames, memBase, swap, procs, st)
	kr := kregion.New(maxProcesses)

	vm := New(table, swap, tlb, procs, st, term, memBase)
	return vm, procs, kr, nil
}
