// Package store is the Postgres ledger behind the exchange: accounts,
// protocols, invocations, balance transactions, and unusable reports.
// Every balance and counter mutation is expressed as a relative SQL
// update so concurrent settlements cannot lose writes, and the
// monetary units that must move together move inside one transaction.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrProtocolNotFound   = errors.New("protocol not found")
	ErrInvocationNotFound = errors.New("invocation not found")
	ErrTokenNotFound      = errors.New("agent token not found")

	// ErrInsufficientFunds is returned when a conditional debit finds
	// less balance than it needs. The debit is atomic; callers must not
	// trust an earlier balance read.
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrEmailTaken      = errors.New("email already registered")
	ErrProtocolExists  = errors.New("protocol with this name and version already exists")
	ErrAlreadyReported = errors.New("invocation already reported")

	// ErrInvalidStatus is returned when a guarded status transition
	// matches no row, i.e. the invocation is not in the state the
	// transition requires.
	ErrInvalidStatus = errors.New("invocation not in required status")
)

// Invocation statuses.
const (
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusFailure  = "FAILURE"
	StatusRefused  = "REFUSED"
	StatusRefunded = "REFUNDED"
)

// Protocol statuses.
const (
	ProtocolActive     = "ACTIVE"
	ProtocolDeprecated = "DEPRECATED"
	ProtocolSuspended  = "SUSPENDED"
)

// Balance transaction types. Transactions are append-only; an account's
// balance is always the sum of its transactions.
const (
	TxnDeposit    = "DEPOSIT"
	TxnWithdrawal = "WITHDRAWAL"
	TxnInvocation = "INVOCATION"
	TxnRefund     = "REFUND"
	TxnEarning    = "EARNING"
	// TxnRefundChargeback records the publisher-side reversal of an
	// EARNING when a dispute auto-refunds.
	TxnRefundChargeback = "REFUND_CHARGEBACK"
)

type Account struct {
	ID                    string    `json:"id"`
	Email                 string    `json:"email"`
	PasswordHash          string    `json:"-"`
	TrustScore            int       `json:"trustScore"`
	BalanceCents          int64     `json:"balanceCents"`
	PublisherBalanceCents int64     `json:"publisherBalanceCents"`
	CreatedAt             time.Time `json:"createdAt"`
}

type AgentToken struct {
	ID        string     `json:"id"`
	AccountID string     `json:"-"`
	TokenHash string     `json:"-"`
	Name      *string    `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

type Protocol struct {
	ID                string     `json:"id"`
	PublisherID       string     `json:"publisherId"`
	Name              string     `json:"name"`
	Version           string     `json:"version"`
	Description       string     `json:"description"`
	LongDescription   *string    `json:"longDescription,omitempty"`
	DeclaredKeywords  []string   `json:"declaredKeywords"`
	EarnedKeywords    []string   `json:"earnedKeywords"`
	HandlerURL        string     `json:"handlerUrl"`
	PriceCents        int64      `json:"pricePerInvocationCents"`
	Status            string     `json:"status"`
	DeprecatedAt      *time.Time `json:"deprecatedAt,omitempty"`
	DeprecationReason *string    `json:"deprecationReason,omitempty"`
	SunsetDate        *time.Time `json:"sunsetDate,omitempty"`
	InvocationCount   int64      `json:"invocationCount"`
	SuccessCount      int64      `json:"successCount"`
	FailureCount      int64      `json:"failureCount"`
	RefundCount       int64      `json:"refundCount"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type Invocation struct {
	ID                   string         `json:"id"`
	CallerID             string         `json:"callerId"`
	ProtocolID           string         `json:"protocolId"`
	AmountCents          int64          `json:"amountCents"`
	PublisherAmountCents int64          `json:"publisherAmountCents"`
	PlatformFeeCents     int64          `json:"platformFeeCents"`
	Status               string         `json:"status"`
	DebugSharing         bool           `json:"debugSharing"`
	ErrorClass           *string        `json:"errorClass,omitempty"`
	InputMetadata        map[string]any `json:"inputMetadata,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
}

type BalanceTransaction struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"-"`
	AmountCents int64     `json:"amountCents"`
	Type        string    `json:"type"`
	ReferenceID *string   `json:"referenceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type UnusableReport struct {
	ID           string    `json:"id"`
	InvocationID string    `json:"invocationId"`
	CallerID     string    `json:"callerId"`
	ProtocolID   string    `json:"protocolId"`
	Reason       *string   `json:"reason,omitempty"`
	Flagged      bool      `json:"flagged"`
	Reviewed     bool      `json:"reviewed"`
	CreatedAt    time.Time `json:"createdAt"`
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.Ping(ctx)
}
