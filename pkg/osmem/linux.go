//go:build linux

package osmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zpagealloc/zpagealloc/pkg/zlog"
)

func bytesAt(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// LinuxReservation reserves virtual address space with a single anonymous
// PROT_NONE mmap, matching how the reference implementation's non-Windows
// reservation backend asks the OS for a plain address-space placeholder
// rather than a placeholder token requiring split/coalesce bookkeeping.
type LinuxReservation struct{}

// NewLinuxReservation constructs the direct (non-placeholder) reservation
// backend used on Linux.
func NewLinuxReservation() *LinuxReservation { return &LinuxReservation{} }

func (r *LinuxReservation) InitializeBeforeReserve() error { return nil }

// Reserve ignores the addr hint: this implementation always lets the kernel
// choose the base address of a fresh anonymous PROT_NONE mapping, which is
// sufficient because the core only ever issues one top-level reservation
// per virtual memory manager (spec §4.2).
func (r *LinuxReservation) Reserve(addr uintptr, size uint64) (uintptr, bool) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		zlog.Warnf("osmem: reserve %d bytes failed: %v", size, err)
		return 0, false
	}
	return uintptr(unsafe.Pointer(&b[0])), true
}

func (r *LinuxReservation) Unreserve(addr uintptr, size uint64) {
	if err := unix.Munmap(bytesAt(addr, size)); err != nil {
		zlog.Warnf("osmem: unreserve 0x%x/%d failed: %v", addr, size, err)
	}
}

// LinuxBacking backs physical segments with a single memfd, one granule
// per backing index, committed via fallocate and uncommitted via
// FALLOC_FL_PUNCH_HOLE — the nearest Linux primitive to ZGC's commit/
// uncommit pair for anonymous memory (the real zMapper_linux.cpp backend
// this spec was distilled from uses the same memfd+fallocate pairing).
// Mapping a virtual granule installs a MAP_FIXED mapping of the
// corresponding memfd page over the reserved, PROT_NONE virtual address;
// golang.org/x/sys/unix's high-level Mmap wrapper has no fixed-address
// form, so Map/Unmap issue the mmap(2) syscall directly via
// unix.Syscall6, the same direct-unix.SYS_* style the teacher uses in
// pkg/sentry/platform/systrap/sysmsg_thread_amd64.go.
type LinuxBacking struct {
	mu   sync.Mutex
	fd   int
	size uint64
}

// NewLinuxBacking creates a memfd-backed implementation sized for maxBytes
// of physical backing storage.
func NewLinuxBacking(maxBytes uint64) (*LinuxBacking, error) {
	fd, err := unix.MemfdCreate("zpagealloc-backing", 0)
	if err != nil {
		return nil, fmt.Errorf("osmem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(maxBytes)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("osmem: ftruncate: %w", err)
	}
	return &LinuxBacking{fd: fd, size: maxBytes}, nil
}

// Close releases the backing memfd.
func (b *LinuxBacking) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return unix.Close(b.fd)
}

func (b *LinuxBacking) ProbeUncommitSupported(granuleSize uint64) bool {
	if _, err := b.Commit(0, granuleSize, 0); err != nil {
		return false
	}
	_, err := b.Uncommit(0, granuleSize)
	return err == nil
}

func (b *LinuxBacking) Commit(backingOffset, size uint64, numaID int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := unix.Fallocate(b.fd, 0, int64(backingOffset), int64(size)); err != nil {
		return 0, fmt.Errorf("osmem: fallocate commit: %w", err)
	}
	return size, nil
}

func (b *LinuxBacking) Uncommit(backingOffset, size uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	const flPunchHole = 0x2
	const flKeepSize = 0x1
	if err := unix.Fallocate(b.fd, flPunchHole|flKeepSize, int64(backingOffset), int64(size)); err != nil {
		return 0, fmt.Errorf("osmem: fallocate punch-hole uncommit: %w", err)
	}
	return size, nil
}

func (b *LinuxBacking) Map(virtualAddr uintptr, size uint64, backingOffset uint64, numaID int) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, virtualAddr, uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(b.fd), uintptr(backingOffset))
	if errno != 0 {
		return fmt.Errorf("osmem: map: %w", errno)
	}
	return nil
}

func (b *LinuxBacking) Unmap(virtualAddr uintptr, size uint64) error {
	// Reinstate a PROT_NONE anonymous mapping at the same fixed address so
	// the virtual range reverts to a bare reservation, matching ZGC's
	// expectation that an unmapped-but-reserved range is still listed in
	// the virtual memory manager.
	noFD := -1
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, virtualAddr, uintptr(size),
		uintptr(unix.PROT_NONE), uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED),
		uintptr(noFD), 0)
	if errno != 0 {
		return fmt.Errorf("osmem: unmap: %w", errno)
	}
	return nil
}
