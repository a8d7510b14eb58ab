// Package swapdev is the raw block device the swap table reads and
// writes whole pages from and to. It plays the role the teaching
// kernel's lhd0raw: disk plays for swapfile.c: a flat, page-addressed
// backing store with no filesystem on top of it, grounded on fs.Disk_i
// and the os.OpenFile handling in the teaching kernel's mkfs tool.
package swapdev

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"defs"
)

// maxConcurrentIO bounds the number of swap reads/writes in flight at
// once, the software analogue of a disk's command queue depth.
const maxConcurrentIO = 16

// SwapDevice is a raw, page-granular block device backed by a regular
// file opened for direct positioned I/O.
type SwapDevice struct {
	f      *os.File
	npages int
	sem    *semaphore.Weighted
}

// Open opens (creating if necessary) the backing file at path and
// preallocates it to hold npages pages.
func Open(path string, npages int) (*SwapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("swapdev: open %s: %w", path, err)
	}
	size := int64(npages) * int64(defs.PGSIZE)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("swapdev: truncate %s to %d: %w", path, size, err)
	}
	return &SwapDevice{
		f:      f,
		npages: npages,
		sem:    semaphore.NewWeighted(maxConcurrentIO),
	}, nil
}

// Npages reports the device's capacity in pages.
func (d *SwapDevice) Npages() int { return d.npages }

func (d *SwapDevice) offset(chunk int) int64 {
	if chunk < 0 || chunk >= d.npages {
		defs.Panic(defs.CorruptBookkeeping, fmt.Sprintf("swapdev: chunk %d out of range [0,%d)", chunk, d.npages))
	}
	return int64(chunk) * int64(defs.PGSIZE)
}

// ReadPage reads chunk's full page into buf, which must be PGSIZE
// bytes. A device-level I/O error is fatal: the teaching kernel has no
// recovery path for a failed disk read either.
func (d *SwapDevice) ReadPage(ctx context.Context, chunk int, buf []byte) {
	if len(buf) != defs.PGSIZE {
		defs.Panic(defs.CorruptBookkeeping, "swapdev: read buffer not PGSIZE")
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		defs.Panic(defs.CorruptBookkeeping, "swapdev: "+err.Error())
	}
	defer d.sem.Release(1)

	n, err := unix.Pread(int(d.f.Fd()), buf, d.offset(chunk))
	if err != nil || n != len(buf) {
		defs.Panic(defs.OutOfSwap, fmt.Sprintf("swapdev: read chunk %d: %v", chunk, err))
	}
}

// WritePage writes buf (PGSIZE bytes) to chunk.
func (d *SwapDevice) WritePage(ctx context.Context, chunk int, buf []byte) {
	if len(buf) != defs.PGSIZE {
		defs.Panic(defs.CorruptBookkeeping, "swapdev: write buffer not PGSIZE")
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		defs.Panic(defs.CorruptBookkeeping, "swapdev: "+err.Error())
	}
	defer d.sem.Release(1)

	n, err := unix.Pwrite(int(d.f.Fd()), buf, d.offset(chunk))
	if err != nil || n != len(buf) {
		defs.Panic(defs.OutOfSwap, fmt.Sprintf("swapdev: write chunk %d: %v", chunk, err))
	}
}

// ZeroFillWrite writes a page of zeros to chunk, for swap chunks the
// ELF loader marks as fully-zero segments rather than reading them from
// the executable.
func (d *SwapDevice) ZeroFillWrite(ctx context.Context, chunk int) {
	var zero [4096]byte
	buf := zero[:defs.PGSIZE]
	d.WritePage(ctx, chunk, buf)
}

// Close releases the backing file.
func (d *SwapDevice) Close() error {
	return d.f.Close()
}
