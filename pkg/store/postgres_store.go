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

	_ "github.com/lib/pq" // postgres driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is a ByteStore backed by a single `kv` table, with an
// embedded migration runner and a transaction-backed Batch.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func OpenPostgresStore(cfg PostgresConfig, logger *log.Logger) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store: postgres URL is empty")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[store] ", log.LstdFlags)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.migrateUp(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Printf("connected to postgres store (max_open=%d, max_idle=%d)", maxOpen, maxIdle)
	return s, nil
}

func (s *PostgresStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapf("get", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(key, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return wrapf("set", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(key []byte) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = $1`, key); err != nil {
		return wrapf("delete", key, err)
	}
	return nil
}

func (s *PostgresStore) NewBatch() Batch {
	return &postgresBatch{db: s.db}
}

func (s *PostgresStore) Iterate(prefix []byte) (Iterator, error) {
	rows, err := s.db.Query(`
		SELECT key, value FROM kv
		WHERE key >= $1 AND ($2::bytea IS NULL OR key < $2)
		ORDER BY key ASC`, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, fmt.Errorf("store: iterate prefix %q: %w", prefix, err)
	}
	return &postgresIterator{rows: rows}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// migrateUp applies embedded migrations/*.sql files in filename order,
// tracked in a schema_migrations table.
func (s *PostgresStore) migrateUp(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var versions []string
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		versions = append(versions, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: walk migrations: %w", err)
	}
	sort.Strings(versions)

	for _, path := range versions {
		version := strings.TrimSuffix(strings.TrimPrefix(path, "migrations/"), ".sql")

		var applied bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("store: check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", path, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", version, err)
		}
		s.logger.Printf("applied migration %s", version)
	}
	return nil
}

// postgresBatch collects writes in a single transaction committed by Write,
// so a multi-key batch lands atomically or not at all.
type postgresBatch struct {
	db      *sql.DB
	sets    [][2][]byte
	deletes [][]byte
}

func (b *postgresBatch) Set(key, value []byte) {
	b.sets = append(b.sets, [2][]byte{key, value})
}

func (b *postgresBatch) Delete(key []byte) {
	b.deletes = append(b.deletes, key)
}

func (b *postgresBatch) Write() error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	for _, kv := range b.sets {
		if _, err := tx.Exec(`
			INSERT INTO kv (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, kv[0], kv[1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: batch set %q: %w", kv[0], err)
		}
	}
	for _, key := range b.deletes {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = $1`, key); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: batch delete %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (b *postgresBatch) Close() error {
	b.sets = nil
	b.deletes = nil
	return nil
}

type postgresIterator struct {
	rows *sql.Rows
	key  []byte
	val  []byte
	err  error
}

func (i *postgresIterator) Next() bool {
	if !i.rows.Next() {
		return false
	}
	if err := i.rows.Scan(&i.key, &i.val); err != nil {
		i.err = err
		return false
	}
	return true
}

func (i *postgresIterator) Key() []byte   { return i.key }
func (i *postgresIterator) Value() []byte { return i.val }
func (i *postgresIterator) Error() error {
	if i.err != nil {
		return i.err
	}
	return i.rows.Err()
}
func (i *postgresIterator) Close() error { return i.rows.Close() }
