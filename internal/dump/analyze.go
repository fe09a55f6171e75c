package dump

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/edvin/boosterclub/internal/model"
)

// Analyze reads a dump script and reports its tables and record counts
// without executing anything. Structural problems such as a missing footer
// or a table whose row trailer disagrees with its INSERT count are returned
// as warnings; only read errors fail the analysis.
func Analyze(r io.Reader) (*model.AnalysisReport, error) {
	report := &model.AnalysisReport{
		TableDetails: []model.TableDetail{},
		Warnings:     []string{},
	}

	var (
		current       *model.TableDetail
		trailerRows   = int64(-1)
		footerSeen    bool
		footerTables  = -1
		footerRecords = int64(-1)
		orphanInserts int64
	)

	closeTable := func() {
		if current == nil {
			return
		}
		if !current.Errored && trailerRows < 0 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("table %q has no row trailer; dump may be truncated", current.Name))
		}
		if trailerRows >= 0 && trailerRows != current.Records {
			report.Warnings = append(report.Warnings, fmt.Sprintf("table %q declares %d rows but contains %d inserts", current.Name, trailerRows, current.Records))
		}
		report.TableDetails = append(report.TableDetails, *current)
		report.TotalRecords += current.Records
		current = nil
		trailerRows = -1
	}

	sr := NewStatementReader(r)
	for {
		tok, err := sr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dump: %w", err)
		}

		if tok.Statement != "" {
			if tok.Incomplete {
				report.Warnings = append(report.Warnings, "final statement is unterminated; dump is truncated")
			}
			if hasPrefixFold(tok.Statement, "INSERT INTO") {
				if current == nil {
					orphanInserts++
				} else {
					current.Records++
				}
			}
			continue
		}

		c := tok.Comment
		switch {
		case strings.HasPrefix(c, markerGenerated) && report.GeneratedAt == "":
			report.GeneratedAt = strings.TrimPrefix(c, markerGenerated)
		case strings.HasPrefix(c, markerDatabase) && report.Database == "":
			report.Database = strings.TrimPrefix(c, markerDatabase)
		case strings.HasPrefix(c, markerTable):
			closeTable()
			current = &model.TableDetail{Name: strings.TrimPrefix(c, markerTable)}
		case strings.HasPrefix(c, markerError):
			msg := strings.TrimPrefix(c, markerError)
			if current != nil {
				current.Errored = true
				current.Error = msg
			}
			report.Warnings = append(report.Warnings, "backup error: "+msg)
		case strings.HasPrefix(c, markerRows) && current != nil:
			if n, err := strconv.ParseInt(strings.TrimPrefix(c, markerRows), 10, 64); err == nil {
				trailerRows = n
			}
		case strings.HasPrefix(c, markerComplete):
			closeTable()
			footerSeen = true
			footerTables, footerRecords = parseFooter(strings.TrimPrefix(c, markerComplete))
		}
	}
	closeTable()

	report.TotalTables = len(report.TableDetails)

	if !footerSeen {
		report.Warnings = append(report.Warnings, "completion footer missing; dump is truncated or was not produced by this tool")
	} else {
		if footerTables >= 0 && footerTables != report.TotalTables {
			report.Warnings = append(report.Warnings, fmt.Sprintf("footer declares %d tables but dump contains %d", footerTables, report.TotalTables))
		}
		if footerRecords >= 0 && footerRecords != report.TotalRecords {
			report.Warnings = append(report.Warnings, fmt.Sprintf("footer declares %d rows but dump contains %d", footerRecords, report.TotalRecords))
		}
	}
	if orphanInserts > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d inserts appear outside any table section", orphanInserts))
	}

	return report, nil
}

// parseFooter reads "N tables, M rows".
func parseFooter(s string) (int, int64) {
	tables, records := -1, int64(-1)
	var t int
	var r int64
	if _, err := fmt.Sscanf(s, "%d tables, %d rows", &t, &r); err == nil {
		tables, records = t, r
	}
	return tables, records
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
