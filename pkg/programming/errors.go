package programming

import (
	"errors"
	"fmt"
)

var (
	ErrBusy    = errors.New("programming session already running")
	ErrAborted = errors.New("programming aborted")
)

// CapabilityError is returned when the ECU does not support the requested
// programming type or file format.
type CapabilityError struct {
	Type   Type
	Format string
	Reason string
}

func (e *CapabilityError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("%s programming with %q files not supported: %s", e.Type, e.Format, e.Reason)
	}
	return fmt.Sprintf("%s programming not supported: %s", e.Type, e.Reason)
}

// SafetyError is returned when a precondition such as battery voltage is not met.
type SafetyError struct {
	Check  string
	Reason string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("safety check %s failed: %s", e.Check, e.Reason)
}

// SecurityError wraps a failed security access level.
type SecurityError struct {
	Level int
	Err   error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security access level %d failed: %v", e.Level, e.Err)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

// BlockTransferError is returned when writing a block fails.
type BlockTransferError struct {
	Index   int
	Address uint32
	Err     error
}

func (e *BlockTransferError) Error() string {
	return fmt.Sprintf("block %d at 0x%08X failed: %v", e.Index, e.Address, e.Err)
}

func (e *BlockTransferError) Unwrap() error {
	return e.Err
}

// VerificationError is returned when read back data differs from the image.
type VerificationError struct {
	Address uint32
	Message string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification at 0x%08X failed: %s", e.Address, e.Message)
}
