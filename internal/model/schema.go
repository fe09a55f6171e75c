package model

import "time"

// ColumnDef describes one column as read from the live catalog. Identity is
// "ALWAYS" or "BY DEFAULT" for identity columns and empty otherwise.
type ColumnDef struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
	Ordinal  int     `json:"ordinal"`
	Identity string  `json:"identity,omitempty"`
}

// TableDef is a base table eligible for dumping.
type TableDef struct {
	Schema     string      `json:"schema"`
	Name       string      `json:"name"`
	Columns    []ColumnDef `json:"columns"`
	PrimaryKey []string    `json:"primary_key,omitempty"`
}

// HasColumn reports whether the table declares a column with the given name.
func (t TableDef) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// TableSnapshot is the serialized outcome of one table within a dump.
type TableSnapshot struct {
	TableName string      `json:"table_name"`
	Columns   []ColumnDef `json:"columns"`
	RowCount  int64       `json:"row_count"`
	Error     string      `json:"error,omitempty"`
}

// Failed reports whether the table's rows could not be captured.
func (s TableSnapshot) Failed() bool {
	return s.Error != ""
}

// ObjectManifestEntry is one stored object included in a blob archive.
type ObjectManifestEntry struct {
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	IncludedAt time.Time `json:"included_at"`
}

// SkippedObject is an object that was listed but could not be fetched.
type SkippedObject struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Manifest lists the objects captured by one archive, sorted by path.
type Manifest struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Entries     []ObjectManifestEntry `json:"entries"`
	Skipped     []SkippedObject       `json:"skipped,omitempty"`
	Excluded    int                   `json:"excluded"`
	Duplicates  int                   `json:"duplicates"`
	TotalBytes  int64                 `json:"total_bytes"`
}

// TableDetail is one table as reported by dump analysis.
type TableDetail struct {
	Name    string `json:"name"`
	Records int64  `json:"records"`
	Errored bool   `json:"errored"`
	Error   string `json:"error,omitempty"`
}

// AnalysisReport summarizes a database dump without executing it.
type AnalysisReport struct {
	Path         string        `json:"path,omitempty"`
	GeneratedAt  string        `json:"generated_at,omitempty"`
	Database     string        `json:"database,omitempty"`
	TotalTables  int           `json:"total_tables"`
	TotalRecords int64         `json:"total_records"`
	TableDetails []TableDetail `json:"table_details"`
	Warnings     []string      `json:"warnings"`
}
