package settlement

import (
	"errors"
	"fmt"
	"strings"
)

// Precondition failures. Each is checked before any state is mutated;
// none leaves a trace in the ledger.
var (
	ErrProtocolNotFound = errors.New("protocol not found")
	ErrAccountNotFound  = errors.New("account not found")
)

// ProtocolInactiveError rejects settlement against a protocol that is
// not ACTIVE.
type ProtocolInactiveError struct {
	Status string
}

func (e *ProtocolInactiveError) Error() string {
	return "protocol is " + strings.ToLower(e.Status)
}

// InsufficientBalanceError reports how much the caller needed against
// what they had. Available may be slightly stale when the conditional
// debit itself rejected the reservation.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}
