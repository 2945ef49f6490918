package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrBalanceNotFound is returned when an organization has no balance yet
	ErrBalanceNotFound = errors.New("credit balance not found")
	// ErrTransactionNotFound is returned by idempotency key lookups that miss
	ErrTransactionNotFound = errors.New("credit transaction not found")
	// ErrDuplicateIdempotencyKey is returned by stores when a key is already recorded
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	// ErrInvalidAmount is returned for non-positive debit, refund or purchase amounts
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidPeriod is returned when a period ends before it starts
	ErrInvalidPeriod = errors.New("period end must be after period start")
	// ErrMissingOrganization is returned when no organization id is given
	ErrMissingOrganization = errors.New("organization id is required")
	// ErrRefundExceedsUsage is returned when a refund is larger than the job's
	// debit or the period's usage
	ErrRefundExceedsUsage = errors.New("refund exceeds recorded usage")
	// ErrUsageNotFound is returned when a refund names a job that was never debited
	ErrUsageNotFound = errors.New("no usage recorded for job")
	// ErrInconsistentBalance marks a mutation that would break a balance invariant.
	// It is a programming error and always aborts the storage transaction.
	ErrInconsistentBalance = errors.New("inconsistent credit balance")
)

func inconsistent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInconsistentBalance, fmt.Sprintf(format, args...))
}
