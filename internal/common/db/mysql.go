package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig configures the submissions database pool.
type MySQLConfig struct {
	// DSN uses the go-sql-driver form, e.g. "user:pass@tcp(host:3306)/gradebox".
	// parseTime and a UTC location are forced regardless of what it says.
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
	PingTimeout        time.Duration `yaml:"pingTimeout"`
}

func (c *MySQLConfig) withDefaults() MySQLConfig {
	out := *c
	if out.MaxOpenConnections <= 0 {
		out.MaxOpenConnections = 25
	}
	if out.MaxIdleConnections <= 0 {
		out.MaxIdleConnections = 5
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 5 * time.Minute
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 10 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// driverConfig parses dsn and pins the settings the repositories rely on:
// DATETIME columns scan into time.Time in UTC.
func driverConfig(dsn string) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg, nil
}

// MySQL is the Database backed by go-sql-driver/mysql.
type MySQL struct {
	db *sql.DB
}

// NewMySQLWithConfig opens the pool and pings it once.
func NewMySQLWithConfig(config *MySQLConfig) (*MySQL, error) {
	if config == nil || config.DSN == "" {
		return nil, errors.New("mysql dsn is required")
	}
	cfg := config.withDefaults()
	dc, err := driverConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(dc)
	if err != nil {
		return nil, fmt.Errorf("build mysql connector: %w", err)
	}

	pool := sql.OpenDB(connector)
	pool.SetMaxOpenConns(cfg.MaxOpenConnections)
	pool.SetMaxIdleConns(cfg.MaxIdleConnections)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping mysql %s: %w", dc.Addr, err)
	}
	return &MySQL{db: pool}, nil
}

func (m *MySQL) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return queryOn(ctx, m.db, query, args)
}

func (m *MySQL) QueryRow(ctx context.Context, query string, args ...any) Row {
	return m.db.QueryRowContext(ctx, query, args...)
}

func (m *MySQL) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return execOn(ctx, m.db, query, args)
}

// Transaction runs fn in a transaction. It commits when fn returns nil and
// rolls back on an error or panic; the panic is re-raised.
func (m *MySQL) Transaction(ctx context.Context, fn func(tx Transaction) error) (err error) {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	tx := &mysqlTx{tx: sqlTx}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *MySQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return queryOn(ctx, t.tx, query, args)
}

func (t *mysqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *mysqlTx) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return execOn(ctx, t.tx, query, args)
}

// sqlConn is the part of *sql.DB and *sql.Tx the helpers need.
type sqlConn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Errors are wrapped with %w so IsNoRows, UniqueViolation and IsLockConflict
// still see the driver error.
func queryOn(ctx context.Context, c sqlConn, query string, args []any) (Rows, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return rows, nil
}

func execOn(ctx context.Context, c sqlConn, query string, args []any) (Result, error) {
	res, err := c.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}
