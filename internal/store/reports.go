package store

import (
	"context"

	"github.com/google/uuid"
)

// HasReport reports whether an unusable report already exists for the
// invocation. The unique constraint remains the arbiter under races;
// this exists to produce a clean error before any work is done.
func (s *Store) HasReport(ctx context.Context, invocationID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM unusable_reports WHERE invocation_id=$1)
`, invocationID).Scan(&exists)
	return exists, err
}

// CreateFlaggedReport records a report routed to manual review. No
// money moves and the invocation stays SUCCESS.
func (s *Store) CreateFlaggedReport(ctx context.Context, rep UnusableReport) (UnusableReport, error) {
	rep.ID = uuid.NewString()
	rep.Flagged = true
	err := s.DB.QueryRow(ctx, `
INSERT INTO unusable_reports(id,invocation_id,caller_id,protocol_id,reason,flagged)
VALUES($1,$2,$3,$4,$5,true)
RETURNING created_at
`, rep.ID, rep.InvocationID, rep.CallerID, rep.ProtocolID, rep.Reason).Scan(&rep.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "unusable_reports_invocation_id_key") {
			return UnusableReport{}, ErrAlreadyReported
		}
		return UnusableReport{}, err
	}
	return rep, nil
}

// RefundInvocation applies an auto-adjudicated dispute as one
// transaction: the report row, the caller's refund with its REFUND
// entry, the publisher's reversal with its REFUND_CHARGEBACK entry, the
// SUCCESS→REFUNDED flip, the protocol refund counter, and the
// reporter's trust penalty (floor 0). Partial application is
// impossible, so a retried report can never double-refund: the report
// insert hits the unique constraint, and the guarded status flip
// refuses anything but SUCCESS.
func (s *Store) RefundInvocation(ctx context.Context, inv Invocation, rep UnusableReport) (UnusableReport, error) {
	rep.ID = uuid.NewString()
	rep.Flagged = false

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return UnusableReport{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
INSERT INTO unusable_reports(id,invocation_id,caller_id,protocol_id,reason,flagged)
VALUES($1,$2,$3,$4,$5,false)
RETURNING created_at
`, rep.ID, rep.InvocationID, rep.CallerID, rep.ProtocolID, rep.Reason).Scan(&rep.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "unusable_reports_invocation_id_key") {
			return UnusableReport{}, ErrAlreadyReported
		}
		return UnusableReport{}, err
	}

	if err := transition(ctx, tx, inv.ID, StatusSuccess, StatusRefunded, nil); err != nil {
		return UnusableReport{}, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE accounts SET balance_cents = balance_cents + $1 WHERE id=$2
`, inv.AmountCents, inv.CallerID); err != nil {
		return UnusableReport{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type,reference_id)
VALUES($1,$2,$3,$4,$5)
`, uuid.NewString(), inv.CallerID, inv.AmountCents, TxnRefund, inv.ID); err != nil {
		return UnusableReport{}, err
	}

	var publisherID string
	if err := tx.QueryRow(ctx, `SELECT publisher_id::text FROM protocols WHERE id=$1`, inv.ProtocolID).Scan(&publisherID); err != nil {
		return UnusableReport{}, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE accounts SET publisher_balance_cents = publisher_balance_cents - $1 WHERE id=$2
`, inv.PublisherAmountCents, publisherID); err != nil {
		return UnusableReport{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type,reference_id)
VALUES($1,$2,$3,$4,$5)
`, uuid.NewString(), publisherID, -inv.PublisherAmountCents, TxnRefundChargeback, inv.ID); err != nil {
		return UnusableReport{}, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE protocols SET refund_count = refund_count + 1 WHERE id=$1
`, inv.ProtocolID); err != nil {
		return UnusableReport{}, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE accounts SET trust_score = GREATEST(trust_score - 10, 0) WHERE id=$1
`, rep.CallerID); err != nil {
		return UnusableReport{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return UnusableReport{}, err
	}
	return rep, nil
}
