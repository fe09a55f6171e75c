package dump

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "simple",
			sql:  "SELECT 1; SELECT 2;",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "semicolon in string",
			sql:  "INSERT INTO t VALUES ('a;b'); SELECT 2;",
			want: []string{"INSERT INTO t VALUES ('a;b')", "SELECT 2"},
		},
		{
			name: "doubled quote",
			sql:  "INSERT INTO t VALUES ('O''Brien; Jr');",
			want: []string{"INSERT INTO t VALUES ('O''Brien; Jr')"},
		},
		{
			name: "escape string",
			sql:  `SELECT E'it\'s; fine'; SELECT 2;`,
			want: []string{`SELECT E'it\'s; fine'`, "SELECT 2"},
		},
		{
			name: "quoted identifier",
			sql:  `SELECT "a;b" FROM t;`,
			want: []string{`SELECT "a;b" FROM t`},
		},
		{
			name: "leading comments dropped",
			sql:  "-- header; with semicolon\n/* block; */\nSELECT 1;",
			want: []string{"SELECT 1"},
		},
		{
			name: "comment inside statement kept",
			sql:  "SELECT 1 -- trailing; note\n+ 1;",
			want: []string{"SELECT 1 -- trailing; note\n+ 1"},
		},
		{
			name: "nested block comment",
			sql:  "/* outer /* inner; */ still; */ SELECT 1;",
			want: []string{"SELECT 1"},
		},
		{
			name: "dollar quoted body",
			sql:  "CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; $$ LANGUAGE sql; SELECT 2;",
			want: []string{"CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; $$ LANGUAGE sql", "SELECT 2"},
		},
		{
			name: "tagged dollar quote",
			sql:  "DO $body$ BEGIN PERFORM 1; END $body$; SELECT 2;",
			want: []string{"DO $body$ BEGIN PERFORM 1; END $body$", "SELECT 2"},
		},
		{
			name: "positional parameter is not a dollar quote",
			sql:  "SELECT $1; SELECT 2;",
			want: []string{"SELECT $1", "SELECT 2"},
		},
		{
			name: "empty statements skipped",
			sql:  ";;  SELECT 1;;",
			want: []string{"SELECT 1"},
		},
		{
			name: "final statement without semicolon",
			sql:  "SELECT 1; SELECT 2",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "multiline value",
			sql:  "INSERT INTO news VALUES ('line one;\nINSERT INTO fake');\nSELECT 1;",
			want: []string{"INSERT INTO news VALUES ('line one;\nINSERT INTO fake')", "SELECT 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.sql))
		})
	}
}

func TestStatementReader_Comments(t *testing.T) {
	sr := NewStatementReader(strings.NewReader("-- Table: officers\nSELECT 1;\n-- Rows: 1\n"))

	tok, err := sr.Next()
	require.NoError(t, err)
	assert.Equal(t, "Table: officers", tok.Comment)

	tok, err = sr.Next()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", tok.Statement)

	tok, err = sr.Next()
	require.NoError(t, err)
	assert.Equal(t, "Rows: 1", tok.Comment)

	_, err = sr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStatementReader_Unterminated(t *testing.T) {
	sr := NewStatementReader(strings.NewReader("SELECT 1; INSERT INTO t VALUES ('never closed"))

	tok, err := sr.Next()
	require.NoError(t, err)
	assert.False(t, tok.Incomplete)

	tok, err = sr.Next()
	require.NoError(t, err)
	assert.True(t, tok.Incomplete)
	assert.Equal(t, "INSERT INTO t VALUES ('never closed", tok.Statement)

	_, err = sr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSplitStatements_RoundTripsRenderedLiterals(t *testing.T) {
	values := []string{"O'Brien", "semi;colon", "-- not a comment", "$$dollar$$", `back\slash`, "multi\nline"}
	var sql strings.Builder
	for _, v := range values {
		sql.WriteString("INSERT INTO t (v) VALUES (" + Literal(v) + ");\n")
	}

	stmts := splitStatements(sql.String())
	require.Len(t, stmts, len(values))
	for i, v := range values {
		assert.Equal(t, "INSERT INTO t (v) VALUES ("+Literal(v)+")", stmts[i])
	}
}
