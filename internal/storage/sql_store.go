package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	pq "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"catalogscan/internal/config"
	"catalogscan/pkg/types"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

// SQLStore keeps discoveries in a relational table, one row per product.
type SQLStore struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// NewSQLStore opens and verifies the configured database.
func NewSQLStore(cfg config.SQLConfig) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		if err := createDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}

	// SQLite serialises writers; a single connection avoids SQLITE_BUSY on Save.
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	store := &SQLStore{db: db, driver: cfg.Driver, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Load returns a domain's products ordered by position.
func (s *SQLStore) Load(ctx context.Context, domain string) ([]types.Product, error) {
	products, err := s.load(ctx, domain)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		// An empty database simply has no discoveries yet.
		return nil, nil
	}
	return products, err
}

func (s *SQLStore) load(ctx context.Context, domain string) ([]types.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT name, url FROM discoveries WHERE domain = ? ORDER BY position`),
		domain,
	)
	if err != nil {
		return nil, fmt.Errorf("query discoveries: %w", err)
	}
	defer rows.Close()

	var products []types.Product
	for rows.Next() {
		var p types.Product
		if err := rows.Scan(&p.Name, &p.URL); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discoveries: %w", err)
	}
	return products, nil
}

// LastIdentifier returns the highest product id recoverable from the stored URLs.
func (s *SQLStore) LastIdentifier(ctx context.Context, domain string) (int64, error) {
	products, err := s.Load(ctx, domain)
	if err != nil {
		return 0, err
	}
	return MaxIdentifier(products), nil
}

// Save replaces the domain's rows in one transaction.
func (s *SQLStore) Save(ctx context.Context, domain string, products []types.Product) error {
	err := s.save(ctx, domain, products)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = s.save(ctx, domain, products)
	}
	if err != nil {
		return fmt.Errorf("save discoveries: %w", err)
	}
	return nil
}

func (s *SQLStore) save(ctx context.Context, domain string, products []types.Product) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM discoveries WHERE domain = ?`), domain); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		s.rebind(`INSERT INTO discoveries (domain, position, name, url) VALUES (?, ?, ?, ?)`),
	)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, p := range products {
		if _, err = stmt.ExecContext(ctx, domain, i+1, p.Name, p.URL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for the PostgreSQL drivers.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres && s.driver != DriverPgx {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS discoveries (
		    domain TEXT NOT NULL,
		    position INTEGER NOT NULL,
		    name TEXT NOT NULL,
		    url TEXT NOT NULL,
		    PRIMARY KEY (domain, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discoveries_domain_url ON discoveries (domain, url)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if driver != DriverPostgres && driver != DriverPgx {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		if isDuplicateDatabaseErr(err) {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isDuplicateDatabaseErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P04"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P04"
	}
	return false
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no such table") ||
		(strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist"))
}
