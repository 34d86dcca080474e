package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateAccount(ctx context.Context, email, passwordHash string) (Account, error) {
	a := Account{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash}
	err := s.DB.QueryRow(ctx, `
INSERT INTO accounts(id,email,password_hash)
VALUES($1,$2,$3)
RETURNING trust_score, balance_cents, publisher_balance_cents, created_at
`, a.ID, email, passwordHash).Scan(&a.TrustScore, &a.BalanceCents, &a.PublisherBalanceCents, &a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "accounts_email_key") {
			return Account{}, ErrEmailTaken
		}
		return Account{}, err
	}
	return a, nil
}

const accountColumns = `id::text, email, password_hash, trust_score, balance_cents, publisher_balance_cents, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.TrustScore, &a.BalanceCents, &a.PublisherBalanceCents, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	return scanAccount(s.DB.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return scanAccount(s.DB.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, email))
}

// Deposit credits the spending balance and records a DEPOSIT entry.
func (s *Store) Deposit(ctx context.Context, accountID string, amountCents int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE accounts SET balance_cents = balance_cents + $1 WHERE id=$2`, amountCents, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type)
VALUES($1,$2,$3,$4)
`, uuid.NewString(), accountID, amountCents, TxnDeposit); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WithdrawPublisher debits the publisher balance if it is sufficient,
// recording a WITHDRAWAL entry. The debit is conditional-atomic.
func (s *Store) WithdrawPublisher(ctx context.Context, accountID string, amountCents int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE accounts
SET publisher_balance_cents = publisher_balance_cents - $1
WHERE id=$2 AND publisher_balance_cents >= $1
`, amountCents, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO balance_transactions(id,account_id,amount_cents,type)
VALUES($1,$2,$3,$4)
`, uuid.NewString(), accountID, -amountCents, TxnWithdrawal); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]BalanceTransaction, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id::text, amount_cents, type, reference_id::text, created_at
FROM balance_transactions
WHERE account_id=$1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceTransaction
	for rows.Next() {
		t := BalanceTransaction{AccountID: accountID}
		if err := rows.Scan(&t.ID, &t.AmountCents, &t.Type, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateAgentToken(ctx context.Context, accountID, tokenHash string, name *string) (AgentToken, error) {
	t := AgentToken{ID: uuid.NewString(), AccountID: accountID, TokenHash: tokenHash, Name: name}
	err := s.DB.QueryRow(ctx, `
INSERT INTO agent_tokens(id,account_id,token_hash,name)
VALUES($1,$2,$3,$4)
RETURNING created_at
`, t.ID, accountID, tokenHash, name).Scan(&t.CreatedAt)
	if err != nil {
		return AgentToken{}, err
	}
	return t, nil
}

func (s *Store) ListAgentTokens(ctx context.Context, accountID string) ([]AgentToken, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id::text, name, created_at, revoked_at
FROM agent_tokens
WHERE account_id=$1
ORDER BY created_at DESC
`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentToken
	for rows.Next() {
		t := AgentToken{AccountID: accountID}
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAgentToken(ctx context.Context, accountID, tokenID string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE agent_tokens SET revoked_at = now()
WHERE id=$1 AND account_id=$2 AND revoked_at IS NULL
`, tokenID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// AccountIDByTokenHash resolves an unrevoked agent token to its owner.
func (s *Store) AccountIDByTokenHash(ctx context.Context, tokenHash string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
SELECT account_id::text FROM agent_tokens
WHERE token_hash=$1 AND revoked_at IS NULL
`, tokenHash).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTokenNotFound
		}
		return "", err
	}
	return id, nil
}
