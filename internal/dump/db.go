// Package dump reads the relational schema and writes it out as a plain SQL
// script that can be replayed statement by statement.
package dump

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the query surface used for introspection and row reads. A pgx.Tx and
// a *pgxpool.Pool both satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner opens the snapshot transaction a dump runs in.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// AlwaysExcluded are never dumped: restoring them would rewind the backup
// registry and the migration history.
var AlwaysExcluded = []string{"backup_runs", "backup_status", "goose_db_version"}

// SchemaReadError means the catalog could not be read. The dump cannot
// continue without the table list.
type SchemaReadError struct {
	Op  string
	Err error
}

func (e *SchemaReadError) Error() string {
	return fmt.Sprintf("read schema: %s: %v", e.Op, e.Err)
}

func (e *SchemaReadError) Unwrap() error { return e.Err }

// TableDumpError records a table whose rows could not be read. The table is
// written as a commented-out block and the dump continues.
type TableDumpError struct {
	Table string
	Err   error
}

func (e *TableDumpError) Error() string {
	return fmt.Sprintf("table %q: %v", e.Table, e.Err)
}

func (e *TableDumpError) Unwrap() error { return e.Err }

// QuoteIdent quotes a PostgreSQL identifier, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString renders s as a standard-conforming string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func qualified(schema, table string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}
