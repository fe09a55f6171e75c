package dump

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// ---------- Mock DB ----------

// mockDB implements the DB interface for testing.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// ---------- Mock Row ----------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

// ---------- Mock Rows ----------

// mockRows implements pgx.Rows for testing.
// It iterates through a list of scan functions, one per row.
type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
	err       error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	if m.callIndex < len(m.scanFuncs) {
		fn := m.scanFuncs[m.callIndex]
		m.callIndex++
		return fn(dest...)
	}
	return nil
}

func (m *mockRows) Err() error                                   { return m.err }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                 { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

// ---------- Helpers ----------

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.Contains(sql, fragment) })
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func tableNameRow(name string) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = name
		return nil
	}
}

type colFixture struct {
	table, name, dataType, udt string
	maxLen, precision, scale   *int
	nullable                   bool
	def                        *string
	ordinal                    int
	identity                   string
}

func columnRow(c colFixture) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = c.table
		*dest[1].(*string) = c.name
		*dest[2].(*string) = c.dataType
		*dest[3].(*string) = c.udt
		*dest[4].(**int) = c.maxLen
		*dest[5].(**int) = c.precision
		*dest[6].(**int) = c.scale
		if c.nullable {
			*dest[7].(*string) = "YES"
		} else {
			*dest[7].(*string) = "NO"
		}
		*dest[8].(**string) = c.def
		*dest[9].(*int) = c.ordinal
		*dest[10].(*string) = c.identity
		return nil
	}
}

func pkRow(table, column string) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = table
		*dest[1].(*string) = column
		return nil
	}
}

func textRow(values ...*string) func(dest ...any) error {
	return func(dest ...any) error {
		for i, v := range values {
			*dest[i].(**string) = v
		}
		return nil
	}
}

// splitStatements returns the statements in sql, dropping comments.
func splitStatements(sql string) []string {
	sr := NewStatementReader(strings.NewReader(sql))
	var out []string
	for {
		tok, err := sr.Next()
		if err != nil {
			return out
		}
		if tok.Statement != "" {
			out = append(out, tok.Statement)
		}
	}
}
