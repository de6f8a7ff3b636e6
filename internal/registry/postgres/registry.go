// Package postgres implements the verifier registry on PostgreSQL.
//
// Every mutation is a single statement. ClaimOne selects and locks its candidate row
// with FOR UPDATE SKIP LOCKED inside the UPDATE, so concurrent claimers in any number
// of processes never receive the same verifier.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/verifierpool/internal/platform/migrations"
	"github.com/R3E-Network/verifierpool/internal/registry"
)

// Registry is a registry.Registry backed by the verifiers table.
type Registry struct {
	db *sqlx.DB
}

var _ registry.Registry = (*Registry)(nil)

// New wraps an open database handle. The schema must already exist.
func New(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// Open connects to dsn and applies pending schema migrations.
func Open(ctx context.Context, dsn string) (*Registry, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Apply(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

const claimOneQuery = `
	UPDATE verifiers
	SET is_locked = TRUE,
	    pending_count = pending_count + 1,
	    last_claimed_height = $1,
	    updated_at = NOW()
	WHERE address = (
		SELECT address FROM verifiers
		WHERE is_locked = FALSE AND pending_count < $2
		ORDER BY pending_count, last_claimed_height, address
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	) AND is_locked = FALSE
	RETURNING address, is_locked, pending_count, last_claimed_height`

func (r *Registry) ClaimOne(ctx context.Context, currentHeight uint64, maxPending int64) (*registry.Record, error) {
	var rec registry.Record
	err := r.db.QueryRowxContext(ctx, claimOneQuery, int64(currentHeight), maxPending).StructScan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim verifier: %w", err)
	}
	return &rec, nil
}

func (r *Registry) Release(ctx context.Context, address string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verifiers
		SET is_locked = FALSE,
		    pending_count = GREATEST(pending_count - 1, 0),
		    updated_at = NOW()
		WHERE address = $1
	`, address)
	if err != nil {
		return fmt.Errorf("release verifier %s: %w", address, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrUnknownVerifier, address)
	}
	return nil
}

func (r *Registry) ReclaimStale(ctx context.Context, currentHeight, blockWindow uint64) (int64, error) {
	threshold, ok := registry.StaleThreshold(currentHeight, blockWindow)
	if !ok {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE verifiers
		SET is_locked = FALSE,
		    pending_count = 0,
		    last_claimed_height = $1,
		    updated_at = NOW()
		WHERE is_locked = TRUE AND last_claimed_height < $2
	`, int64(currentHeight), int64(threshold))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale verifiers: %w", err)
	}
	return res.RowsAffected()
}

func (r *Registry) UpsertAll(ctx context.Context, addresses []string) error {
	addrs := dedupe(addresses)
	if len(addrs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verifiers (address)
		SELECT unnest($1::text[])
		ON CONFLICT (address) DO UPDATE
		SET is_locked = FALSE,
		    pending_count = 0,
		    last_claimed_height = 0,
		    updated_at = NOW()
	`, pq.Array(addrs))
	if err != nil {
		return fmt.Errorf("upsert verifiers: %w", err)
	}
	return nil
}

func (r *Registry) EnsureAll(ctx context.Context, addresses []string) error {
	addrs := dedupe(addresses)
	if len(addrs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verifiers (address)
		SELECT unnest($1::text[])
		ON CONFLICT (address) DO NOTHING
	`, pq.Array(addrs))
	if err != nil {
		return fmt.Errorf("ensure verifiers: %w", err)
	}
	return nil
}

func (r *Registry) ResetAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE verifiers
		SET is_locked = FALSE, pending_count = 0, updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("reset verifiers: %w", err)
	}
	return nil
}

func (r *Registry) List(ctx context.Context) ([]registry.Record, error) {
	var out []registry.Record
	err := r.db.SelectContext(ctx, &out, `
		SELECT address, is_locked, pending_count, last_claimed_height
		FROM verifiers
		ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("list verifiers: %w", err)
	}
	return out, nil
}

// dedupe drops repeated addresses; a single INSERT ... ON CONFLICT DO UPDATE cannot
// touch the same row twice.
func dedupe(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
