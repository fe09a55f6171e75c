package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/api/response"
	"github.com/edvin/boosterclub/internal/backup"
	"github.com/edvin/boosterclub/internal/model"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var (
		timeoutErr *backup.TimeoutError
		authErr    *backup.AuthenticationError
		stmtErr    *backup.RestoreStatementError
	)
	switch {
	case errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backup.ErrBackupInProgress):
		return http.StatusConflict
	case errors.Is(err, backup.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &stmtErr), errors.Is(err, backup.ErrChecksumMismatch), errors.Is(err, backup.ErrNoDatabaseDump):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	response.WriteError(w, status, err.Error())
}

// writeRun writes the trigger envelope. A run that ended in failure is still
// reported with its record so the caller can see why.
func writeRun(w http.ResponseWriter, r *http.Request, run *model.BackupRun, err error) {
	if err != nil {
		if run == nil {
			writeServiceError(w, r, err)
			return
		}
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("run_id", run.ID).Msg("backup failed")
		}
		response.WriteBackupResult(w, status, run, err)
		return
	}
	response.WriteBackupResult(w, http.StatusOK, run, nil)
}
