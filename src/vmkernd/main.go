// Command vmkernd bootstraps the paging subsystems over a raw swap
// file and resolves a trace of page faults read from standard input,
// one "pid vaddr kind" line per fault. It exists to exercise the core
// library from a real process, the way mkfs.go drives the filesystem
// library from outside the kernel proper.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"defs"
	"fault"
)

// killLog is the ProcessTerminator used when no richer one is wired in:
// it records that a process was terminated and leaves teardown to the
// caller, since this command has no real process lifecycle of its own.
type killLog struct{}

func (killLog) Terminate(pid uint32) {
	fmt.Printf("pid %d: terminated (read-only fault)\n", pid)
}

func main() {
	swapPath := flag.String("swap", fault.DefaultSwapPath, "path to the raw swap backing file")
	swapChunks := flag.Int("chunks", 16, "number of page-sized chunks in the swap file")
	nFrames := flag.Int("frames", 8, "number of physical page frames")
	memBase := flag.Uint64("membase", 0, "physical base address of the frame pool")
	maxProcs := flag.Int("maxprocs", 8, "capacity of the kernel-region pool (MAX_PROCESSES)")
	flag.Parse()

	vm, procs, _, err := fault.Bootstrap(*swapPath, *swapChunks, *nFrames, uint32(*memBase), *maxProcs, killLog{})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("vmkernd: %d frames over %q (%d chunks), membase 0x%x\n", *nFrames, *swapPath, *swapChunks, *memBase)

	ctx := context.Background()
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pid, vaddr, kind, err := parseFault(line)
		if err != nil {
			log.Fatal(err)
		}

		p := procs.Lookup(pid)
		if p == nil {
			p = procs.Register(pid)
		}

		if rc := vm.HandleFault(ctx, kind, pid, p, vaddr); rc != 0 {
			fmt.Printf("pid %d vaddr 0x%x: fault returned %d\n", pid, vaddr, rc)
			continue
		}
		fmt.Printf("pid %d vaddr 0x%x: resolved\n", pid, vaddr)
	}
	if err := sc.Err(); err != nil {
		log.Fatal(err)
	}

	fmt.Print(vm.Stats.String())
}

// parseFault decodes a "pid vaddr kind" trace line, where kind is one
// of "read", "write", or "readonly".
func parseFault(line string) (pid uint32, vaddr uint32, kind defs.FaultKind, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed trace line %q: want \"pid vaddr kind\"", line)
	}

	p, err := strconv.ParseUint(fields[0], 0, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad pid in %q: %w", line, err)
	}
	v, err := strconv.ParseUint(fields[1], 0, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad vaddr in %q: %w", line, err)
	}

	switch fields[2] {
	case "read":
		kind = defs.FaultRead
	case "write":
		kind = defs.FaultWrite
	case "readonly":
		kind = defs.FaultReadOnly
	default:
		return 0, 0, 0, fmt.Errorf("bad fault kind %q in %q", fields[2], line)
	}

	return uint32(p), uint32(v), kind, nil
}
