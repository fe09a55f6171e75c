package dump

import (
	"context"
	"fmt"

	"github.com/edvin/boosterclub/internal/model"
)

const tablesQuery = `
	SELECT table_name
	FROM information_schema.tables
	WHERE table_schema = $1 AND table_type = 'BASE TABLE'
	ORDER BY table_name`

const columnsQuery = `
	SELECT table_name, column_name, data_type, udt_name,
	       character_maximum_length, numeric_precision, numeric_scale,
	       is_nullable, column_default, ordinal_position,
	       COALESCE(identity_generation, '')
	FROM information_schema.columns
	WHERE table_schema = $1
	ORDER BY table_name, ordinal_position`

const primaryKeysQuery = `
	SELECT c.relname, a.attname
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
	WHERE i.indisprimary AND n.nspname = $1
	ORDER BY c.relname, array_position(i.indkey::int2[], a.attnum)`

// Introspector lists the base tables of one schema with their columns and
// primary keys.
type Introspector struct {
	db       DB
	schema   string
	excluded map[string]bool
}

// NewIntrospector creates an introspector for schema. The tables in
// AlwaysExcluded are skipped in addition to excluded.
func NewIntrospector(db DB, schema string, excluded []string) *Introspector {
	if schema == "" {
		schema = "public"
	}
	skip := make(map[string]bool, len(excluded)+len(AlwaysExcluded))
	for _, t := range AlwaysExcluded {
		skip[t] = true
	}
	for _, t := range excluded {
		skip[t] = true
	}
	return &Introspector{db: db, schema: schema, excluded: skip}
}

// Tables returns the table definitions ordered by table name. Any catalog
// error is returned as a *SchemaReadError.
func (i *Introspector) Tables(ctx context.Context) ([]model.TableDef, error) {
	names, err := i.tableNames(ctx)
	if err != nil {
		return nil, &SchemaReadError{Op: "list tables", Err: err}
	}

	columns, err := i.columns(ctx)
	if err != nil {
		return nil, &SchemaReadError{Op: "list columns", Err: err}
	}

	keys, err := i.primaryKeys(ctx)
	if err != nil {
		return nil, &SchemaReadError{Op: "list primary keys", Err: err}
	}

	tables := make([]model.TableDef, 0, len(names))
	for _, name := range names {
		cols := columns[name]
		if len(cols) == 0 {
			return nil, &SchemaReadError{Op: "list columns", Err: fmt.Errorf("table %q has no columns", name)}
		}
		tables = append(tables, model.TableDef{
			Schema:     i.schema,
			Name:       name,
			Columns:    cols,
			PrimaryKey: keys[name],
		})
	}
	return tables, nil
}

func (i *Introspector) tableNames(ctx context.Context) ([]string, error) {
	rows, err := i.db.Query(ctx, tablesQuery, i.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if i.excluded[name] {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (i *Introspector) columns(ctx context.Context) (map[string][]model.ColumnDef, error) {
	rows, err := i.db.Query(ctx, columnsQuery, i.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]model.ColumnDef)
	for rows.Next() {
		var (
			table, name, dataType, udtName, nullable, identity string
			maxLen, precision, scale                           *int
			def                                                *string
			ordinal                                            int
		)
		if err := rows.Scan(&table, &name, &dataType, &udtName, &maxLen, &precision, &scale, &nullable, &def, &ordinal, &identity); err != nil {
			return nil, err
		}
		out[table] = append(out[table], model.ColumnDef{
			Name:     name,
			Type:     FormatType(dataType, udtName, maxLen, precision, scale),
			Nullable: nullable == "YES",
			Default:  def,
			Ordinal:  ordinal,
			Identity: identity,
		})
	}
	return out, rows.Err()
}

func (i *Introspector) primaryKeys(ctx context.Context) (map[string][]string, error) {
	rows, err := i.db.Query(ctx, primaryKeysQuery, i.schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		out[table] = append(out[table], column)
	}
	return out, rows.Err()
}

var arrayElementTypes = map[string]string{
	"int2":        "smallint",
	"int4":        "integer",
	"int8":        "bigint",
	"float4":      "real",
	"float8":      "double precision",
	"numeric":     "numeric",
	"bool":        "boolean",
	"text":        "text",
	"varchar":     "character varying",
	"bpchar":      "character",
	"bytea":       "bytea",
	"date":        "date",
	"time":        "time",
	"timetz":      "time with time zone",
	"timestamp":   "timestamp",
	"timestamptz": "timestamptz",
	"uuid":        "uuid",
	"json":        "json",
	"jsonb":       "jsonb",
	"inet":        "inet",
	"cidr":        "cidr",
}

// FormatType renders an information_schema column type as it would appear in
// CREATE TABLE. Arrays are reported as "ARRAY" with the element type in
// udtName prefixed by an underscore.
func FormatType(dataType, udtName string, maxLen, precision, scale *int) string {
	switch dataType {
	case "ARRAY":
		if len(udtName) > 1 && udtName[0] == '_' {
			elem := udtName[1:]
			if name, ok := arrayElementTypes[elem]; ok {
				return name + "[]"
			}
			return elem + "[]"
		}
		return "text[]"
	case "USER-DEFINED":
		return QuoteIdent(udtName)
	case "character varying":
		if maxLen != nil {
			return fmt.Sprintf("character varying(%d)", *maxLen)
		}
		return "character varying"
	case "character":
		if maxLen != nil {
			return fmt.Sprintf("character(%d)", *maxLen)
		}
		return "character"
	case "numeric":
		if precision != nil && scale != nil {
			return fmt.Sprintf("numeric(%d,%d)", *precision, *scale)
		}
		if precision != nil {
			return fmt.Sprintf("numeric(%d)", *precision)
		}
		return "numeric"
	case "timestamp without time zone":
		return "timestamp"
	case "timestamp with time zone":
		return "timestamptz"
	default:
		return dataType
	}
}
