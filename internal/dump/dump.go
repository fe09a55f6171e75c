package dump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/model"
)

// Comment markers written into every dump. The analyzer keys off them.
const (
	markerGenerated = "Generated: "
	markerDatabase  = "Database: "
	markerTables    = "Tables: "
	markerTable     = "Table: "
	markerRows      = "Rows: "
	markerError     = "BACKUP ERROR: "
	markerComplete  = "Dump complete: "
)

var nextvalDefault = regexp.MustCompile(`^nextval\('((?:[^']|'')+)'(?:::regclass)?\)$`)

// Options configures a Dumper.
type Options struct {
	Schema   string
	Excluded []string
}

// Result summarizes a finished dump.
type Result struct {
	Database      string
	ServerVersion string
	Tables        []model.TableSnapshot
	RowCount      int64
}

// TableCount returns the number of tables written, failed ones included.
func (r *Result) TableCount() int { return len(r.Tables) }

// Warnings returns one message per table whose rows could not be read.
func (r *Result) Warnings() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Failed() {
			out = append(out, t.Error)
		}
	}
	return out
}

// Dumper writes every base table of a schema as a replayable SQL script.
type Dumper struct {
	db     TxBeginner
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewDumper creates a Dumper reading through db.
func NewDumper(db TxBeginner, opts Options, logger zerolog.Logger) *Dumper {
	return &Dumper{
		db:     db,
		opts:   opts,
		logger: logger.With().Str("component", "dumper").Logger(),
		now:    time.Now,
	}
}

// Dump writes the script to w. All tables are read in one repeatable-read,
// read-only transaction so the output is a consistent snapshot. A table whose
// rows fail to read is written commented out and the dump continues; only
// catalog and write errors are returned.
func (d *Dumper) Dump(ctx context.Context, w io.Writer) (*Result, error) {
	tx, err := d.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, &SchemaReadError{Op: "begin snapshot", Err: err}
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	return d.dumpFrom(ctx, tx, w)
}

func (d *Dumper) dumpFrom(ctx context.Context, q DB, w io.Writer) (*Result, error) {
	res := &Result{}
	if err := q.QueryRow(ctx, "SELECT current_database(), current_setting('server_version')").Scan(&res.Database, &res.ServerVersion); err != nil {
		return nil, &SchemaReadError{Op: "read database identity", Err: err}
	}

	intro := NewIntrospector(q, d.opts.Schema, d.opts.Excluded)
	tables, err := intro.Tables(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.writeHeader(w, res, len(tables)); err != nil {
		return nil, fmt.Errorf("write dump header: %w", err)
	}

	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		snap, tableErr := d.dumpTable(ctx, q, t, &buf)
		if tableErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			dumpErr := &TableDumpError{Table: t.Name, Err: tableErr}
			d.logger.Warn().Err(tableErr).Str("table", t.Name).Msg("table dump failed, writing commented block")
			buf.Reset()
			writeFailedTable(&buf, t, dumpErr)
			snap = model.TableSnapshot{TableName: t.Name, Columns: t.Columns, Error: dumpErr.Error()}
		}
		if _, err := buf.WriteTo(w); err != nil {
			return nil, fmt.Errorf("write table %s: %w", t.Name, err)
		}
		res.Tables = append(res.Tables, snap)
		res.RowCount += snap.RowCount
	}

	if _, err := fmt.Fprintf(w, "-- %s%d tables, %d rows\n", markerComplete, len(res.Tables), res.RowCount); err != nil {
		return nil, fmt.Errorf("write dump footer: %w", err)
	}

	d.logger.Info().Int("tables", len(res.Tables)).Int64("rows", res.RowCount).Int("failed_tables", len(res.Warnings())).Msg("database dump written")
	return res, nil
}

func (d *Dumper) writeHeader(w io.Writer, res *Result, tables int) error {
	_, err := fmt.Fprintf(w, `--
-- Booster club database backup
-- %s%s
-- %s%s (PostgreSQL %s)
-- %s%d
--

SET LOCAL statement_timeout = 0;
SET LOCAL lock_timeout = 0;
SET LOCAL client_encoding = 'UTF8';
SET LOCAL standard_conforming_strings = on;
SET LOCAL check_function_bodies = false;
SET LOCAL client_min_messages = warning;

`, markerGenerated, d.now().UTC().Format(time.RFC3339),
		markerDatabase, res.Database, res.ServerVersion,
		markerTables, tables)
	return err
}

// dumpTable writes one table block to buf. Reads run under a savepoint so a
// failed query does not abort the snapshot transaction for later tables.
func (d *Dumper) dumpTable(ctx context.Context, q DB, t model.TableDef, buf *bytes.Buffer) (model.TableSnapshot, error) {
	snap := model.TableSnapshot{TableName: t.Name, Columns: t.Columns}

	if _, err := q.Exec(ctx, "SAVEPOINT dump_table"); err != nil {
		return snap, fmt.Errorf("create savepoint: %w", err)
	}

	n, err := writeTable(ctx, q, t, buf)
	if err != nil {
		if _, rbErr := q.Exec(ctx, "ROLLBACK TO SAVEPOINT dump_table"); rbErr != nil {
			d.logger.Error().Err(rbErr).Str("table", t.Name).Msg("rollback to savepoint failed")
		}
		return snap, err
	}
	if _, err := q.Exec(ctx, "RELEASE SAVEPOINT dump_table"); err != nil {
		return snap, fmt.Errorf("release savepoint: %w", err)
	}

	snap.RowCount = n
	return snap, nil
}

func writeTable(ctx context.Context, q DB, t model.TableDef, buf *bytes.Buffer) (int64, error) {
	name := qualified(t.Schema, t.Name)
	fmt.Fprintf(buf, "-- %s%s\n", markerTable, t.Name)
	buf.WriteString(tableDDL(t))

	rows, err := q.Query(ctx, selectRowsSQL(t))
	if err != nil {
		return 0, fmt.Errorf("select rows: %w", err)
	}
	defer rows.Close()

	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = QuoteIdent(c.Name)
	}
	insertPrefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES (", name, strings.Join(cols, ", "))

	values := make([]*string, len(t.Columns))
	dest := make([]any, len(t.Columns))
	for i := range values {
		dest[i] = &values[i]
	}

	var n int64
	for rows.Next() {
		for i := range values {
			values[i] = nil
		}
		if err := rows.Scan(dest...); err != nil {
			return n, fmt.Errorf("scan row %d: %w", n+1, err)
		}
		buf.WriteString(insertPrefix)
		for i, c := range t.Columns {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(TextLiteral(c.Type, values[i]))
		}
		buf.WriteString(");\n")
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("read rows: %w", err)
	}

	for _, c := range t.Columns {
		col := QuoteIdent(c.Name)
		if seq, ok := sequenceName(c); ok {
			fmt.Fprintf(buf, "SELECT setval('%s', COALESCE(MAX(%s), 1), MAX(%s) IS NOT NULL) FROM %s;\n", seq, col, col, name)
		} else if c.Identity != "" {
			seq := fmt.Sprintf("pg_get_serial_sequence(%s, %s)", Literal(name), Literal(c.Name))
			fmt.Fprintf(buf, "SELECT setval(%s, COALESCE(MAX(%s), 1), MAX(%s) IS NOT NULL) FROM %s;\n", seq, col, col, name)
		}
	}
	fmt.Fprintf(buf, "-- %s%d\n\n", markerRows, n)
	return n, nil
}

// tableDDL drops and recreates the table. Sequences are created after the
// drop because CASCADE removes sequences owned by the table's columns.
func tableDDL(t model.TableDef) string {
	var b strings.Builder
	name := qualified(t.Schema, t.Name)
	fmt.Fprintf(&b, "DROP TABLE IF EXISTS %s CASCADE;\n", name)
	for _, c := range t.Columns {
		if seq, ok := sequenceName(c); ok {
			fmt.Fprintf(&b, "CREATE SEQUENCE IF NOT EXISTS %s;\n", strings.ReplaceAll(seq, "''", "'"))
		}
	}

	lines := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		line := "    " + QuoteIdent(c.Name) + " " + c.Type
		if !c.Nullable {
			line += " NOT NULL"
		}
		// Identity columns are recreated as BY DEFAULT so the dumped ids
		// can be inserted explicitly.
		if c.Identity != "" {
			line += " GENERATED BY DEFAULT AS IDENTITY"
		} else if c.Default != nil {
			line += " DEFAULT " + *c.Default
		}
		lines = append(lines, line)
	}
	if len(t.PrimaryKey) > 0 {
		pk := make([]string, len(t.PrimaryKey))
		for i, k := range t.PrimaryKey {
			pk[i] = QuoteIdent(k)
		}
		lines = append(lines, "    PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}
	fmt.Fprintf(&b, "CREATE TABLE %s (\n%s\n);\n", name, strings.Join(lines, ",\n"))
	return b.String()
}

func selectRowsSQL(t model.TableDef) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = QuoteIdent(c.Name) + "::text"
	}

	var order []string
	if t.HasColumn("created_at") {
		order = append(order, QuoteIdent("created_at"))
	}
	for _, k := range t.PrimaryKey {
		if k != "created_at" {
			order = append(order, QuoteIdent(k))
		}
	}
	if len(order) == 0 {
		order = []string{"1"}
	}

	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), qualified(t.Schema, t.Name), strings.Join(order, ", "))
}

// sequenceName returns the sequence referenced by a nextval() default, still
// in its literal form with quotes doubled.
func sequenceName(c model.ColumnDef) (string, bool) {
	if c.Default == nil {
		return "", false
	}
	m := nextvalDefault.FindStringSubmatch(strings.TrimSpace(*c.Default))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func writeFailedTable(buf *bytes.Buffer, t model.TableDef, err error) {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	fmt.Fprintf(buf, "-- %s%s\n", markerTable, t.Name)
	fmt.Fprintf(buf, "-- %s%s\n", markerError, msg)
	for _, line := range strings.Split(strings.TrimRight(tableDDL(t), "\n"), "\n") {
		buf.WriteString("-- ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
}
