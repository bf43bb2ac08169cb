package vmem

import "errors"

// errReservationFailed is wrapped into the fatal error returned by
// NewManager when even the discontiguous fallback cannot cover the
// requested size — spec §7's "Reservation failure" disposition, fatal
// during VM init.
var errReservationFailed = errors.New("failed to reserve address space for heap")
