package bus

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownBus is returned for accesses or mappings naming a bus that
	// was never added.
	ErrUnknownBus = errors.New("unknown bus")

	// ErrDuplicateBus is returned when a bus name is added twice.
	ErrDuplicateBus = errors.New("duplicate bus")

	// ErrInvalidConfig is returned for malformed bus configurations.
	ErrInvalidConfig = errors.New("invalid bus config")

	// ErrInvalidWidth is returned for access widths the bus does not allow.
	ErrInvalidWidth = errors.New("invalid access width")

	// ErrInvalidMapping is returned for mappings with an empty or out of
	// range address range.
	ErrInvalidMapping = errors.New("invalid mapping")

	// ErrOverlappingOwnership is returned when two mappings with equal
	// priority cover the same address.
	ErrOverlappingOwnership = errors.New("overlapping ownership")

	// ErrUnknownTarget is returned for mappings whose target has no device
	// attached to the router.
	ErrUnknownTarget = errors.New("unknown mapping target")

	// ErrReentrantRemap is returned for mapping mutations issued while a
	// read or write is in flight on the bus.
	ErrReentrantRemap = errors.New("reentrant remap")

	// ErrIsolation is returned when an isolated access reaches an address
	// that is not owned by the accessing component.
	ErrIsolation = errors.New("access outside own mappings")

	// ErrDenied may be returned by devices refusing an access, such as a
	// write to read-only memory.
	ErrDenied = errors.New("access denied")

	// ErrSelfRedirect is returned when a device redirects an access back
	// into the mapping it was delivered through.
	ErrSelfRedirect = errors.New("redirect into own mapping")

	// ErrRedirectDepth is returned when an access is redirected more than
	// MaxRedirects times.
	ErrRedirectDepth = errors.New("too many redirects")
)

// MaxRedirects bounds how many times one access may be redirected.
const MaxRedirects = 8

// Redirect is returned by a device to forward the access it was handed to
// another address on the same bus, to implement mirrors and aliases. The
// router repeats the access, with the same buffer, at Addr. Addr must lie
// outside the mapping the access came through.
type Redirect struct {
	Addr uint64
}

func (r *Redirect) Error() string {
	return fmt.Sprintf("redirect to 0x%X", r.Addr)
}
