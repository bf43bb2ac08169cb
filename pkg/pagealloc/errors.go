package pagealloc

import "errors"

// Sentinel errors for the dispositions spec §7 enumerates.
var (
	// ErrOutOfAddressSpace is returned when claim_virtual_memory cannot
	// produce a contiguous range after harvesting (spec §7 "Out of address
	// space mid-run").
	ErrOutOfAddressSpace = errors.New("pagealloc: out of address space")

	// ErrOutOfMemory is surfaced to a stalled caller released by
	// notify_out_of_memory after a major GC cycle cleared soft references
	// (spec §7 "OOM after full GC").
	ErrOutOfMemory = errors.New("pagealloc: out of memory")

	// errNoCapacityOnNode is internal: claim_physical found no usable
	// capacity on one node. Round-robin and multi-NUMA fallback consume it;
	// it should never reach a caller.
	errNoCapacityOnNode = errors.New("pagealloc: no capacity on node")
)
