package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure and carry no infrastructure dependency.
// Validation rejections are NOT errors; they travel in CreditResult.

var (
	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrProfileNotFound  = errors.New("profile not found")

	// Kernel errors
	ErrConflictExhausted = errors.New("xp credit conflict retries exhausted")
	ErrIntegrity         = errors.New("integrity fault")

	// Synchronizer errors
	ErrNotCached       = errors.New("no cached dna for user")
	ErrNothingToRevert = errors.New("no optimistic snapshot to roll back")

	// Input errors
	ErrInvalidSource = errors.New("unknown xp source")
	ErrInvalidTraits = errors.New("traits must lie in [0, 1]")
)

// StoreError is a transport or storage fault. It matches
// ErrStoreUnavailable with errors.Is and keeps the original cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) hold for every StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreError for op, unless it already is one.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IntegrityFault reports that the store contradicted an earlier observation
// or that the security log and the profile disagree. Clients must stop
// writing until the fault is cleared.
type IntegrityFault struct {
	UserID   string
	Reason   string
	Expected int64
	Observed int64
}

func (f *IntegrityFault) Error() string {
	return fmt.Sprintf("integrity fault for user %s: %s (expected %d, observed %d)",
		f.UserID, f.Reason, f.Expected, f.Observed)
}

// Is makes errors.Is(err, ErrIntegrity) hold for every IntegrityFault.
func (f *IntegrityFault) Is(target error) bool { return target == ErrIntegrity }
