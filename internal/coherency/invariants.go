// Package coherency — invariants.go
//
// Directory invariant checking. A dedicated error type names which
// invariant broke and carries enough detail to diagnose it, rather than a
// bare fmt.Errorf string, so the violation handler and tests can match on
// the kind.

package coherency

import "fmt"

// InvariantKind names one of the directory invariants an entry must always
// satisfy between operations.
type InvariantKind string

const (
	InvariantInvalidHasOwnerOrSharers InvariantKind = "invalid_has_owner_or_sharers"
	InvariantModified                 InvariantKind = "modified_invariant"
	InvariantExclusive                InvariantKind = "exclusive_invariant"
	InvariantOwned                    InvariantKind = "owned_invariant"
	InvariantShared                   InvariantKind = "shared_invariant"
	InvariantOwnerAlsoSharer          InvariantKind = "owner_also_sharer"
)

// InvariantViolation reports a directory entry observed in a state that
// cannot arise from a correct MOESI transition sequence.
type InvariantViolation struct {
	Addr   uint64
	Kind   InvariantKind
	Detail string
}

func newViolation(addr uint64, kind InvariantKind, detail string) *InvariantViolation {
	return &InvariantViolation{Addr: addr, Kind: kind, Detail: detail}
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("coherency invariant violated at addr=0x%x: %s (%s)", v.Addr, v.Kind, v.Detail)
}

// ViolationHandler is invoked synchronously whenever Engine detects a
// broken directory invariant. The handler installed via
// WithViolationHandler may log, abort the process, or both; a detected
// invariant violation indicates a protocol bug and is never silently
// swallowed.
type ViolationHandler func(*InvariantViolation)
