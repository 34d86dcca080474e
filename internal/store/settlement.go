package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReserveInvocation creates the PENDING invocation row, debits the
// caller, and records the INVOCATION ledger entry as one transaction.
// The debit is conditional on sufficient balance; if another settlement
// won the race the whole reservation rolls back and
// ErrInsufficientFunds is returned with no state mutated.
//
// The unit must be durably committed before the handler is dispatched:
// a crash after commit leaves a PENDING invocation with funds reserved,
// never a dispatched call with no reservation.
func (s *Store) ReserveInvocation(ctx context.Context, inv Invocation) (Invocation, error) {
	inv.ID = uuid.NewString()
	inv.Status = StatusPending

	metadata, err := json.Marshal(inv.InputMetadata)
	if err != nil {
		return Invocation{}, err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Invocation{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
INSERT INTO invocations(id,caller_id,protocol_id,amount_cents,publisher_amount_cents,platform_fee_cents,status,debug_sharing,input_metadata)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)
RETURNING created_at
`, inv.ID, inv.CallerID, inv.ProtocolID, inv.AmountCents, inv.PublisherAmountCents, inv.PlatformFeeCents,
		inv.Status, inv.DebugSharing, string(metadata)).Scan(&inv.CreatedAt)
	if err != nil {
		return Invocation{}, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE accounts
SET balance_cents = balance_cents - $1
WHERE id=$2 AND balance_cents >= $1
`, inv.AmountCents, inv.CallerID)
	if err != nil {
		return Invocation{}, err
	}
	if tag.RowsAffected() == 0 {
		return Invocation{}, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type,reference_id)
VALUES($1,$2,$3,$4,$5)
`, uuid.NewString(), inv.CallerID, -inv.AmountCents, TxnInvocation, inv.ID); err != nil {
		return Invocation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}

// refundCaller credits the reserved amount back and records the REFUND
// ledger entry, within the caller's transaction.
func refundCaller(ctx context.Context, tx pgx.Tx, inv Invocation) error {
	if _, err := tx.Exec(ctx, `
UPDATE accounts SET balance_cents = balance_cents + $1 WHERE id=$2
`, inv.AmountCents, inv.CallerID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type,reference_id)
VALUES($1,$2,$3,$4,$5)
`, uuid.NewString(), inv.CallerID, inv.AmountCents, TxnRefund, inv.ID)
	return err
}

// transition flips the invocation's status, guarded by the state it
// must currently be in. A miss means the row was already settled.
func transition(ctx context.Context, tx pgx.Tx, invocationID, from, to string, errorClass *string) error {
	tag, err := tx.Exec(ctx, `
UPDATE invocations SET status=$3, error_class=COALESCE($4, error_class)
WHERE id=$1 AND status=$2
`, invocationID, from, to, errorClass)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// SettleRefusal finalizes a handler refusal: full refund, REFUSED
// status. Protocol counters are deliberately untouched; a refusal is
// not a completed attempt.
func (s *Store) SettleRefusal(ctx context.Context, inv Invocation) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := refundCaller(ctx, tx, inv); err != nil {
		return err
	}
	refused := StatusRefused
	if err := transition(ctx, tx, inv.ID, StatusPending, StatusRefused, &refused); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SettleFailure finalizes a handler failure: full refund, FAILURE
// status with the error class, and the protocol's invocation/failure
// counters bumped atomically.
func (s *Store) SettleFailure(ctx context.Context, inv Invocation, errorClass string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := refundCaller(ctx, tx, inv); err != nil {
		return err
	}
	if err := transition(ctx, tx, inv.ID, StatusPending, StatusFailure, &errorClass); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE protocols
SET invocation_count = invocation_count + 1,
    failure_count = failure_count + 1
WHERE id=$1
`, inv.ProtocolID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SettleSuccess finalizes a successful invocation: SUCCESS status,
// publisher credited their share with an EARNING entry, protocol
// counters bumped, and the caller's trust nudged up (ceiling 200).
func (s *Store) SettleSuccess(ctx context.Context, inv Invocation) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := transition(ctx, tx, inv.ID, StatusPending, StatusSuccess, nil); err != nil {
		return err
	}

	var publisherID string
	if err := tx.QueryRow(ctx, `SELECT publisher_id::text FROM protocols WHERE id=$1`, inv.ProtocolID).Scan(&publisherID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrProtocolNotFound
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE accounts SET publisher_balance_cents = publisher_balance_cents + $1 WHERE id=$2
`, inv.PublisherAmountCents, publisherID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type,reference_id)
VALUES($1,$2,$3,$4,$5)
`, uuid.NewString(), publisherID, inv.PublisherAmountCents, TxnEarning, inv.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE protocols
SET invocation_count = invocation_count + 1,
    success_count = success_count + 1
WHERE id=$1
`, inv.ProtocolID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE accounts SET trust_score = LEAST(trust_score + 1, 200) WHERE id=$1
`, inv.CallerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetInvocation(ctx context.Context, id string) (Invocation, error) {
	var inv Invocation
	var metadata []byte
	err := s.DB.QueryRow(ctx, `
SELECT id::text, caller_id::text, protocol_id::text, amount_cents, publisher_amount_cents, platform_fee_cents,
       status, debug_sharing, error_class, input_metadata, created_at
FROM invocations WHERE id=$1
`, id).Scan(&inv.ID, &inv.CallerID, &inv.ProtocolID, &inv.AmountCents, &inv.PublisherAmountCents, &inv.PlatformFeeCents,
		&inv.Status, &inv.DebugSharing, &inv.ErrorClass, &metadata, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invocation{}, ErrInvocationNotFound
		}
		return Invocation{}, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &inv.InputMetadata)
	}
	return inv, nil
}

// ListStalePending lists PENDING invocations older than the cutoff,
// i.e. reservations abandoned by a crash between debit and settlement.
// An external sweeper can use this; the service itself does not.
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time) ([]Invocation, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id::text, caller_id::text, protocol_id::text, amount_cents, publisher_amount_cents, platform_fee_cents,
       status, debug_sharing, error_class, created_at
FROM invocations
WHERE status='PENDING' AND created_at < $1
ORDER BY created_at ASC
`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		if err := rows.Scan(&inv.ID, &inv.CallerID, &inv.ProtocolID, &inv.AmountCents, &inv.PublisherAmountCents,
			&inv.PlatformFeeCents, &inv.Status, &inv.DebugSharing, &inv.ErrorClass, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
