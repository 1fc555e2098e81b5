package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers the repositories react to.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errLockDeadlock    = 1213
)

// Querier is the statement surface shared by Database and Transaction.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Exec(ctx context.Context, query string, args ...any) (Result, error)
}

// IsNoRows reports whether err is sql.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UniqueViolation reports a duplicate-entry error and the key it hit.
func UniqueViolation(err error) (string, bool) {
	myErr, ok := serverError(err)
	if !ok || myErr.Number != errDupEntry {
		return "", false
	}
	return duplicateKeyName(myErr.Message), true
}

// IsLockConflict reports a deadlock or lock wait timeout. The transaction
// was rolled back by the server and may be retried by the caller.
func IsLockConflict(err error) bool {
	myErr, ok := serverError(err)
	return ok && (myErr.Number == errLockDeadlock || myErr.Number == errLockWaitTimeout)
}

func serverError(err error) (*mysql.MySQLError, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr, true
	}
	return nil, false
}

// duplicateKeyName extracts 'key' from "Duplicate entry 'x' for key 'key'".
// Newer servers prefix the key with the table name.
func duplicateKeyName(message string) string {
	const marker = "for key "
	idx := strings.LastIndex(message, marker)
	if idx == -1 {
		return ""
	}
	key := strings.Trim(strings.TrimSpace(message[idx+len(marker):]), " `\"'")
	if dot := strings.LastIndexByte(key, '.'); dot >= 0 {
		key = key[dot+1:]
	}
	return key
}
