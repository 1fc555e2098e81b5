package db

import "context"

// Database is the pool surface the grading repository uses.
type Database interface {
	Querier
	// Transaction runs fn atomically; see MySQL.Transaction.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Transaction is a Querier bound to one open transaction. Commit and
// rollback belong to Database.Transaction.
type Transaction interface {
	Querier
}

// Rows iterates a query result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Result summarizes an Exec.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
