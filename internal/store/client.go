// Package store persists the escrow data model and exposes the
// cursor-based read paths consumed by the Diff Feed and the Earnings
// aggregator. Types live here, alongside the repositories that read/write
// them, the way pkg/database/types.go holds every struct the repositories
// in that package operate on.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/cardano-escrow/orchestrator/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client wraps a pooled Postgres connection plus migration support.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient opens a pooled connection per cfg and verifies it with a ping.
func NewClient(cfg config.DatabaseSettings, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	client := &Client{logger: log.New(log.Writer(), "[Store] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(client)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MinConnections)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime.Duration())
	db.SetConnMaxLifetime(cfg.MaxLifetime.Duration())

	client.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return client, nil
}

// DB returns the underlying *sql.DB for call sites that need it directly.
func (c *Client) DB() *sql.DB { return c.db }

func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *Client) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *Client) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *Client) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// Tx wraps a single serializable transaction. Every Orchestrator
// create/modify operation, the Reconciler's per-cycle commit, and the
// Dispatcher's lease-scoped submit run through exactly one of these.
type Tx struct {
	tx *sql.Tx
}

// BeginSerializable starts a new SERIALIZABLE transaction, matching the
// single-transaction discipline every Orchestrator operation requires.
func (c *Client) BeginSerializable(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }
func (t *Tx) Tx() *sql.Tx     { return t.tx }

// Migration is a single embedded SQL migration file.
type Migration struct {
	Version  string
	Filename string
	SQL      string
}

func (c *Client) getMigrations() ([]Migration, error) {
	var migrations []Migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		migrations = append(migrations, Migration{
			Version:  strings.TrimSuffix(d.Name(), ".sql"),
			Filename: d.Name(),
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (c *Client) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (c *Client) applyMigration(ctx context.Context, m Migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute migration %s: %w", m.Version, err)
	}
	return tx.Commit()
}

// MigrateUp applies every migration not yet recorded in schema_migrations.
// Each migration file is responsible for recording itself via INSERT ...
// ON CONFLICT DO NOTHING, the same convention pkg/database/client.go uses.
func (c *Client) MigrateUp(ctx context.Context) error {
	migrations, err := c.getMigrations()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	applied, err := c.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("list applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		c.logger.Printf("applying migration %s", m.Version)
		if err := c.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// ChangeTimestamps bundles the three monotonic *LastChangedAt columns the
// Diff Feed reads. Payment and Purchase carry all three columns;
// RegistryRequest carries only next_action_last_changed_at and
// on_chain_state_or_result_last_changed.
type ChangeTimestamps struct {
	NextActionLastChangedAt                     time.Time
	OnChainStateOrResultLastChangedAt           time.Time
	NextActionOrOnChainStateOrResultLastChanged time.Time
}

// touchTimestamps advances existing per the flags that actually changed on
// this mutation, leaving the rest untouched, and always advances the
// combined column alongside either finer-grained one. The repositories'
// UPDATE statements (UpdateNextAction, ApplyObservedTransaction,
// UpdateState) set these columns directly in SQL and do not call it.
func touchTimestamps(existing ChangeTimestamps, now time.Time, nextActionChanged, stateOrResultChanged bool) ChangeTimestamps {
	out := existing
	if nextActionChanged {
		out.NextActionLastChangedAt = now
		out.NextActionOrOnChainStateOrResultLastChanged = now
	}
	if stateOrResultChanged {
		out.OnChainStateOrResultLastChangedAt = now
		out.NextActionOrOnChainStateOrResultLastChanged = now
	}
	return out
}
