package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/eventfamily/internal/config"
)

var (
	ErrNoRows = sql.ErrNoRows
	// ErrNotInitialized is returned by statements on a Pool that was never opened.
	ErrNotInitialized = errors.New("database pool is not initialized")
)

type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

// Row defers its error to Scan, like sql.Row.
type Row struct {
	row *sql.Row
	err error
}

func (r *Row) Scan(dest ...any) error {
	switch {
	case r == nil:
		return ErrNoRows
	case r.err != nil:
		return r.err
	case r.row == nil:
		return ErrNoRows
	}
	return r.row.Scan(dest...)
}

// Rows is nil-safe so callers can always defer Close.
type Rows struct {
	rows *sql.Rows
}

func (r *Rows) Next() bool {
	return r != nil && r.rows != nil && r.rows.Next()
}

func (r *Rows) Scan(dest ...any) error {
	if r == nil || r.rows == nil {
		return ErrNoRows
	}
	return r.rows.Scan(dest...)
}

func (r *Rows) Err() error {
	if r == nil || r.rows == nil {
		return nil
	}
	return r.rows.Err()
}

func (r *Rows) Close() {
	if r != nil && r.rows != nil {
		_ = r.rows.Close()
	}
}

// Querier is the statement surface shared by Pool and Tx.
type Querier interface {
	QueryRow(ctx context.Context, query string, args ...any) *Row
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

type Tx interface {
	Querier
	// GORM exposes the transaction for model-based bulk writes.
	GORM() *gorm.DB
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// statements runs raw SQL with $n placeholders on a gorm handle, which is
// either the pool or an open transaction.
type statements struct {
	db *gorm.DB
}

func (s statements) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if s.db == nil {
		return &Row{err: ErrNotInitialized}
	}
	return &Row{row: s.db.WithContext(ctx).Raw(query, args...).Row()}
}

func (s statements) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (s statements) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if s.db == nil {
		return CommandTag{}, ErrNotInitialized
	}
	res := s.db.WithContext(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

type gormTx struct {
	statements
}

func (t *gormTx) GORM() *gorm.DB {
	return t.db
}

func (t *gormTx) Commit(ctx context.Context) error {
	return t.db.WithContext(ctx).Commit().Error
}

func (t *gormTx) Rollback(ctx context.Context) error {
	return t.db.WithContext(ctx).Rollback().Error
}

// Pool owns the gorm handle and its connection pool for the ef schema.
type Pool struct {
	gdb   *gorm.DB
	sqlDB *sql.DB
}

func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(resolveGormLogLevel(cfg.LogLevel, cfg.Environment)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}

	maxOpen := int(cfg.DBMaxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(cfg.DBMinConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool := &Pool{gdb: gdb, sqlDB: sqlDB}
	if err := pool.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}
	return pool, nil
}

func (p *Pool) statements() statements {
	if p == nil {
		return statements{}
	}
	return statements{db: p.gdb}
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *Row {
	return p.statements().QueryRow(ctx, query, args...)
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	return p.statements().Query(ctx, query, args...)
}

func (p *Pool) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	return p.statements().Exec(ctx, query, args...)
}

// InTx runs fn inside one transaction, committing on nil and rolling back on
// error. Each call is one unit of work: earlier committed units are untouched
// by a later failure.
func (p *Pool) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if p == nil || p.gdb == nil {
		return ErrNotInitialized
	}
	begun := p.gdb.WithContext(ctx).Begin()
	if begun.Error != nil {
		return fmt.Errorf("begin transaction: %w", begun.Error)
	}
	tx := &gormTx{statements{db: begun}}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return ErrNotInitialized
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func (p *Pool) GORM() *gorm.DB {
	if p == nil {
		return nil
	}
	return p.gdb
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

var gormLogLevels = map[string]logger.LogLevel{
	"trace":   logger.Info,
	"debug":   logger.Info,
	"warn":    logger.Warn,
	"warning": logger.Warn,
	"error":   logger.Error,
	"fatal":   logger.Error,
	"panic":   logger.Error,
}

// resolveGormLogLevel keeps SQL logging quiet at info level except in local
// environments, where warnings such as slow queries are shown.
func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	if level, ok := gormLogLevels[strings.ToLower(strings.TrimSpace(appLogLevel))]; ok {
		return level
	}
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		return logger.Warn
	}
	return logger.Silent
}
