// Package store persists jobs, step events and webhook deliveries in SQLite.
//
// Every read and write goes through a tenant-bound transaction obtained from
// WithTenant; callers never pass tenant filters themselves. The tenant bound
// to a Tx is applied to every statement it runs, and schema triggers reject
// transitions that would break the job, event and delivery invariants.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/agentjobs/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist for the bound tenant.
	ErrNotFound = errors.New("not found")
	// ErrNoTenant is returned when a transaction is requested without a tenant.
	ErrNoTenant = errors.New("tenant id is required")
)

const (
	// DriverModernc is the pure-Go SQLite driver.
	DriverModernc = "sqlite"
	// DriverCGO is the mattn cgo SQLite driver and the default.
	DriverCGO = "sqlite3"
)

// Config holds store configuration.
type Config struct {
	Path        string
	Driver      string
	BusyTimeout time.Duration
	Logger      zerolog.Logger
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	driver string
	logger zerolog.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverCGO
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	cfg.Logger.Info().
		Str("path", cfg.Path).
		Str("driver", cfg.Driver).
		Msg("Store opened")

	return &Store{
		db:     db,
		driver: cfg.Driver,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
	}, nil
}

func buildDSN(cfg Config) (string, error) {
	ms := cfg.BusyTimeout.Milliseconds()
	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	switch cfg.Driver {
	case DriverModernc:
		return fmt.Sprintf("file:%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate", cfg.Path, sep, ms), nil
	case DriverCGO:
		return fmt.Sprintf("file:%s%s_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate", cfg.Path, sep, ms), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver: %s", cfg.Driver)
	}
}

// DB exposes the underlying handle so that other durable components
// (the task queue) can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is a transaction bound to a single tenant.
type Tx struct {
	tx       *sql.Tx
	tenantID string
}

// TenantID returns the tenant this transaction is bound to.
func (t *Tx) TenantID() string {
	return t.tenantID
}

// SQL returns the raw transaction for components that must write in the same
// unit of work, such as task enqueueing.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// WithTenant runs fn inside a transaction bound to tenantID. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTenant(ctx context.Context, tenantID string, fn func(tx *Tx) error) (err error) {
	if tenantID == "" {
		return ErrNoTenant
	}

	ctx, span := tracing.StartSpan(ctx, "agentjobs/store", "store.with_tenant",
		attribute.String("tenant_id", tenantID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx, tenantID: tenantID}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Warn().Err(rbErr).Str("tenant_id", tenantID).Msg("Rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendEvent writes one event in its own tenant transaction.
func (s *Store) AppendEvent(ctx context.Context, tenantID string, ev *Event) error {
	return s.WithTenant(ctx, tenantID, func(tx *Tx) error {
		return tx.AppendEvent(ctx, ev)
	})
}

// DeliveryTenant returns the owning tenant of a delivery. It is the only
// lookup that runs outside a tenant binding: background delivery starts from a
// bare delivery id and must discover which tenant to bind.
func (s *Store) DeliveryTenant(ctx context.Context, deliveryID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM webhook_deliveries WHERE id = ?`, deliveryID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up delivery tenant: %w", err)
	}
	return tenantID, nil
}

// NewID returns a new random row id.
func NewID() string {
	return uuid.New().String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
