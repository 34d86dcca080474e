package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const protocolColumns = `id::text, publisher_id::text, name, version, description, long_description,
declared_keywords, earned_keywords, handler_url, price_per_invocation_cents, status,
deprecated_at, deprecation_reason, sunset_date,
invocation_count, success_count, failure_count, refund_count, created_at, updated_at`

func scanProtocol(row pgx.Row) (Protocol, error) {
	var p Protocol
	err := row.Scan(&p.ID, &p.PublisherID, &p.Name, &p.Version, &p.Description, &p.LongDescription,
		&p.DeclaredKeywords, &p.EarnedKeywords, &p.HandlerURL, &p.PriceCents, &p.Status,
		&p.DeprecatedAt, &p.DeprecationReason, &p.SunsetDate,
		&p.InvocationCount, &p.SuccessCount, &p.FailureCount, &p.RefundCount, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Protocol{}, ErrProtocolNotFound
		}
		return Protocol{}, err
	}
	return p, nil
}

func (s *Store) CreateProtocol(ctx context.Context, p Protocol) (Protocol, error) {
	p.ID = uuid.NewString()
	p.Status = ProtocolActive
	if p.DeclaredKeywords == nil {
		p.DeclaredKeywords = []string{}
	}
	p.EarnedKeywords = []string{}
	err := s.DB.QueryRow(ctx, `
INSERT INTO protocols(id,publisher_id,name,version,description,long_description,declared_keywords,handler_url,price_per_invocation_cents)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING created_at, updated_at
`, p.ID, p.PublisherID, p.Name, p.Version, p.Description, p.LongDescription, p.DeclaredKeywords, p.HandlerURL, p.PriceCents).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "protocols_publisher_name_version_key") {
			return Protocol{}, ErrProtocolExists
		}
		return Protocol{}, err
	}
	return p, nil
}

func (s *Store) GetProtocol(ctx context.Context, id string) (Protocol, error) {
	return scanProtocol(s.DB.QueryRow(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id=$1`, id))
}

// SearchProtocols lists ACTIVE protocols ordered by invocation volume,
// optionally filtered by a name/description substring.
func (s *Store) SearchProtocols(ctx context.Context, q string, limit, offset int) ([]Protocol, error) {
	query := `SELECT ` + protocolColumns + ` FROM protocols WHERE status='ACTIVE'`
	args := []any{}
	if q != "" {
		query += ` AND (name ILIKE '%'||$1||'%' OR description ILIKE '%'||$1||'%')`
		args = append(args, q)
	}
	query += ` ORDER BY invocation_count DESC LIMIT $` + strconv.Itoa(len(args)+1) + ` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeprecateProtocol is the only in-scope status transition: ACTIVE to
// DEPRECATED, one-way, with a sunset date 30 days out.
func (s *Store) DeprecateProtocol(ctx context.Context, id, reason string, now time.Time) (time.Time, error) {
	sunset := now.Add(30 * 24 * time.Hour)
	tag, err := s.DB.Exec(ctx, `
UPDATE protocols
SET status='DEPRECATED', deprecated_at=$2, deprecation_reason=$3, sunset_date=$4, updated_at=now()
WHERE id=$1
`, id, now, reason, sunset)
	if err != nil {
		return time.Time{}, err
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, ErrProtocolNotFound
	}
	return sunset, nil
}

// Leaderboard ranks ACTIVE protocols with enough volume by success
// rate, then volume, then price ascending.
func (s *Store) Leaderboard(ctx context.Context, minInvocations int64, limit, offset int) ([]Protocol, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+protocolColumns+`
FROM protocols
WHERE status='ACTIVE' AND invocation_count >= $1
ORDER BY
  CASE WHEN success_count + failure_count > 0
    THEN success_count::float / (success_count + failure_count)
    ELSE 0 END DESC,
  invocation_count DESC,
  price_per_invocation_cents ASC
LIMIT $2 OFFSET $3
`, minInvocations, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
