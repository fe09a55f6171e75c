package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/edvin/boosterclub/internal/archive"
	"github.com/edvin/boosterclub/internal/dump"
	"github.com/edvin/boosterclub/internal/registry"
)

var (
	// ErrBackupInProgress rejects a run while another one holds the claim.
	ErrBackupInProgress = registry.ErrRunInProgress
	// ErrNotFound is returned for unknown runs and for runs that exist but
	// cannot be restored.
	ErrNotFound = registry.ErrNotFound
	// ErrInvalidKind rejects an unknown backup kind.
	ErrInvalidKind = errors.New("invalid backup kind")
	// ErrNoDatabaseDump means the artifact holds no database dump, as with
	// blob archives.
	ErrNoDatabaseDump = errors.New("artifact has no database dump")
)

// Errors raised by the packages the orchestrator drives.
type (
	SchemaReadError  = dump.SchemaReadError
	TableDumpError   = dump.TableDumpError
	ObjectFetchError = archive.ObjectFetchError
)

// UploadError means the finished artifact could not be stored.
type UploadError struct {
	Location string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload artifact %s: %v", e.Location, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// TimeoutError means the run exceeded its deadline. It is never retried.
type TimeoutError struct {
	Kind    string
	Stage   string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("backup timeout: %s backup exceeded %s during %s: %v", e.Kind, e.Timeout, e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RestoreStatementError identifies the statement that failed a restore. The
// restore transaction has been rolled back.
type RestoreStatementError struct {
	Index   int
	Snippet string
	Err     error
}

func (e *RestoreStatementError) Error() string {
	return fmt.Sprintf("restore statement %d (%s): %v", e.Index, e.Snippet, e.Err)
}

func (e *RestoreStatementError) Unwrap() error { return e.Err }

// AuthenticationError rejects an external trigger before any work is done.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

func snippet(stmt string, n int) string {
	s := []rune(stmt)
	if len(s) <= n {
		return string(s)
	}
	return string(s[:n]) + "..."
}
