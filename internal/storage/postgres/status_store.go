// Package postgres provides the Postgres-backed unit status store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-audit/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "audit_units"

// Config controls the Postgres connection pool used for unit rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// StatusStore persists unit lifecycle records in a single table. Status
// changes are conditional UPDATEs so concurrent writers cannot overwrite each
// other.
type StatusStore struct {
	pool  pool
	table string
}

var _ audit.StatusStore = (*StatusStore)(nil)

// NewStatusStore connects a pool using cfg.
func NewStatusStore(ctx context.Context, cfg Config) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &StatusStore{pool: p, table: table}, nil
}

// NewStatusStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatusStoreWithPool(p pool, table string) (*StatusStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &StatusStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *StatusStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *StatusStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the unit table and its indexes when missing.
func (s *StatusStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'project' CHECK (kind IN ('project', 'session')),
	status        TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'crawling', 'analyzing', 'completed', 'failed')),
	error_message TEXT NOT NULL DEFAULT '',
	config        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s (owner_id);
CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create inserts a new unit. Missing status defaults to pending and missing
// kind to project.
func (s *StatusStore) Create(ctx context.Context, unit audit.Unit) error {
	if unit.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if unit.Status == "" {
		unit.Status = audit.StatusPending
	}
	if unit.Kind == "" {
		unit.Kind = audit.KindProject
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, owner_id, kind, status, error_message, config)
VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	_, err := s.pool.Exec(ctx, query,
		unit.ID,
		unit.OwnerID,
		string(unit.Kind),
		string(unit.Status),
		unit.ErrorMessage,
		nullableJSON(unit.Config),
	)
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

const selectColumns = "id, owner_id, kind, status, error_message, config, created_at, updated_at"

// Get returns the unit or audit.ErrNotFound.
func (s *StatusStore) Get(ctx context.Context, unitID string) (audit.Unit, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)
	unit, err := scanUnit(s.pool.QueryRow(ctx, query, unitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Unit{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Unit{}, fmt.Errorf("select unit: %w", err)
	}
	return unit, nil
}

// Transition applies t as one conditional UPDATE. When no row matches, the
// current row is read back so callers can see what the status moved to.
func (s *StatusStore) Transition(ctx context.Context, t audit.Transition) (audit.Unit, bool, error) {
	if err := t.Validate(); err != nil {
		return audit.Unit{}, false, err
	}
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	message := ""
	if t.To == audit.StatusFailed {
		message = t.ErrorMessage
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, error_message = $2, updated_at = now()
WHERE id = $3 AND status = ANY($4)
RETURNING %s`, s.table, selectColumns)

	unit, err := scanUnit(s.pool.QueryRow(ctx, query, string(t.To), message, t.UnitID, from))
	if err == nil {
		return unit, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return audit.Unit{}, false, fmt.Errorf("update unit status: %w", err)
	}
	current, err := s.Get(ctx, t.UnitID)
	if err != nil {
		return audit.Unit{}, false, err
	}
	return current, false, nil
}

func scanUnit(row pgx.Row) (audit.Unit, error) {
	var (
		unit             audit.Unit
		kind, status     string
		config           []byte
		created, updated time.Time
	)
	if err := row.Scan(&unit.ID, &unit.OwnerID, &kind, &status, &unit.ErrorMessage, &config, &created, &updated); err != nil {
		return audit.Unit{}, err
	}
	parsed, err := audit.ParseStatus(status)
	if err != nil {
		return audit.Unit{}, fmt.Errorf("unit %s: %w", unit.ID, err)
	}
	unit.Kind = audit.UnitKind(kind)
	unit.Status = parsed
	if len(config) > 0 {
		unit.Config = config
	}
	unit.CreatedAt = created.UTC()
	unit.UpdatedAt = updated.UTC()
	return unit, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
