// Package store provides RouterStore implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/config"
	"github.com/digitalstage/routerdist/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps routers in one table with a unique index on url.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// Connect creates the pool, pings it and makes sure the routers table exists.
func Connect(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{cfg.Database, cfg.Table}.Sanitize(),
	}
	if err := s.migrate(ctx, cfg.Database); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("module", "adapters.store").Str("table", s.table).Msg("postgres store ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context, schema string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              TEXT PRIMARY KEY,
			url             TEXT NOT NULL UNIQUE,
			ipv4            TEXT NOT NULL DEFAULT '',
			ipv6            TEXT NOT NULL DEFAULT '',
			port            INTEGER NOT NULL,
			available_slots INTEGER NOT NULL DEFAULT 0,
			user_id         TEXT NOT NULL
		)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate routers table: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) columns() string {
	return "id, url, ipv4, ipv6, port, available_slots, user_id"
}

func scanRouter(row pgx.Row) (domain.Router, error) {
	var r domain.Router
	err := row.Scan(&r.ID, &r.URL, &r.IPv4, &r.IPv6, &r.Port, &r.AvailableSlots, &r.OwnerID)
	return r, err
}

func (s *PostgresStore) FindByURL(ctx context.Context, url string) (domain.Router, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1`, s.columns(), s.table)
	r, err := scanRouter(s.pool.QueryRow(ctx, q, url))
	if err != nil {
		return domain.Router{}, storeErr("find router by url", err)
	}
	return r, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r domain.Router) (domain.Router, error) {
	r.ID = domain.RouterID(uuid.NewString())
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING %s`,
		s.table, s.columns(), s.columns())
	out, err := scanRouter(s.pool.QueryRow(ctx, q,
		r.ID, r.URL, r.IPv4, r.IPv6, r.Port, r.AvailableSlots, r.OwnerID))
	if err != nil {
		return domain.Router{}, storeErr("insert router", err)
	}
	return out, nil
}

// UpdateByID leaves url and user_id alone; they are immutable once stored.
func (s *PostgresStore) UpdateByID(ctx context.Context, id domain.RouterID, u domain.RouterUpdate) (domain.Router, error) {
	q := fmt.Sprintf(`UPDATE %s SET
			ipv4 = COALESCE($2, ipv4),
			ipv6 = COALESCE($3, ipv6),
			port = COALESCE($4, port),
			available_slots = COALESCE($5, available_slots)
		WHERE id = $1 RETURNING %s`, s.table, s.columns())
	r, err := scanRouter(s.pool.QueryRow(ctx, q, id, u.IPv4, u.IPv6, u.Port, u.AvailableSlots))
	if err != nil {
		return domain.Router{}, storeErr("update router", err)
	}
	return r, nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id domain.RouterID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return storeErr("delete router", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRouterNotFound
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]domain.Router, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY url`, s.columns(), s.table))
	if err != nil {
		return nil, storeErr("list routers", err)
	}
	defer rows.Close()

	out := make([]domain.Router, 0)
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, storeErr("scan router", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list routers", err)
	}
	return out, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return storeErr("clear routers", err)
	}
	log.Info().Str("module", "adapters.store").Int64("removed", tag.RowsAffected()).Msg("cleared stale routers")
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// storeErr classifies driver errors into the domain taxonomy.
func storeErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrRouterNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return domain.ErrURLTaken
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
