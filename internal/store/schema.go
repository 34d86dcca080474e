package store

import (
	"context"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the schema. Statements are idempotent and safe to run
// on every boot.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaSQL)
	return err
}
