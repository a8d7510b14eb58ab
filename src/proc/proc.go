// Package proc is the minimal per-process registry the paging core
// keeps: just enough bookkeeping for the IPT and swap table to find and
// walk a process's frame chain and chunk chain. It does not create,
// schedule, or tear down processes; that is entirely out of scope here,
// the way the teaching kernel's tinfo package tracks thread notes
// without owning thread lifecycle itself.
package proc

import "sync"

// Info is the bookkeeping record the IPT and swap table attach to a
// running process: the head/tail/count of its resident-frame chain and
// its swap-chunk chain.
type Info struct {
	Pid uint32

	NFrames     int
	StartFrame  uint32
	LastFrame   uint32

	NChunks    int
	StartChunk uint32
	LastChunk  uint32
}

// Table is the set of processes currently known to the paging core.
type Table struct {
	mu    sync.Mutex
	procs map[uint32]*Info
}

// NewTable returns an empty process table.
func NewTable() *Table {
	return &Table{procs: make(map[uint32]*Info)}
}

// Register adds pid to the table with empty chains and returns its
// Info. It panics if pid is already registered.
func (t *Table) Register(pid uint32) *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.procs[pid]; ok {
		panic("proc: pid already registered")
	}
	info := &Info{Pid: pid}
	t.procs[pid] = info
	return info
}

// Lookup returns pid's Info, or nil if pid is not registered.
func (t *Table) Lookup(pid uint32) *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// Unregister removes pid from the table. Callers must have already
// evicted pid's frames and chunks from the IPT and swap table.
func (t *Table) Unregister(pid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Pids returns every registered pid, for diagnostic enumeration.
func (t *Table) Pids() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	pids := make([]uint32, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	return pids
}
