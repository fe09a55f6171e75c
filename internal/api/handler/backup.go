package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/boosterclub/internal/api/request"
	"github.com/edvin/boosterclub/internal/api/response"
	"github.com/edvin/boosterclub/internal/backup"
	"github.com/edvin/boosterclub/internal/model"
)

// BackupService is the engine surface the operator routes drive.
type BackupService interface {
	CreateBackup(ctx context.Context, kind, trigger string) (*model.BackupRun, error)
	Status(ctx context.Context) (*model.BackupStatus, error)
	List(ctx context.Context, kind *string, limit int) ([]model.BackupRun, error)
	Get(ctx context.Context, id string) (*model.BackupRun, error)
	Latest(ctx context.Context, kind string) (*model.BackupRun, error)
	Restore(ctx context.Context, runID string) (*backup.RestoreResult, error)
	DeleteArtifacts(ctx context.Context, paths []string) *backup.DeleteResult
	Analyze(ctx context.Context, path string) (*model.AnalysisReport, error)
	Cleanup(ctx context.Context, now time.Time) (*backup.CleanupResult, error)
	DryRun(ctx context.Context, now time.Time) ([]backup.CleanupCandidate, error)
}

// Triggerer runs external backup requests.
type Triggerer interface {
	Trigger(ctx context.Context, kind string) (*model.BackupRun, error)
}

type Backup struct {
	svc     BackupService
	trigger Triggerer
	now     func() time.Time
}

func NewBackup(svc BackupService, trigger Triggerer) *Backup {
	return &Backup{svc: svc, trigger: trigger, now: time.Now}
}

// Trigger handles POST /v1/trigger.
func (h *Backup) Trigger(w http.ResponseWriter, r *http.Request) {
	var req request.TriggerBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The run deadline bounds the work; a dropped connection does not.
	run, err := h.trigger.Trigger(context.WithoutCancel(r.Context()), req.Kind)
	writeRun(w, r, run, err)
}

// Create handles POST /v1/backups.
func (h *Backup) Create(w http.ResponseWriter, r *http.Request) {
	var req request.TriggerBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.svc.CreateBackup(context.WithoutCancel(r.Context()), req.Kind, model.TriggerManual)
	writeRun(w, r, run, err)
}

// Status handles GET /v1/status.
func (h *Backup) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, st)
}

// List handles GET /v1/backups?kind=&limit=.
func (h *Backup) List(w http.ResponseWriter, r *http.Request) {
	var kind *string
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = &k
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 500 {
			response.WriteError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.svc.List(r.Context(), kind, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.BackupRun{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"items": runs})
}

// Get handles GET /v1/backups/{id}.
func (h *Backup) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, run)
}

// Latest handles GET /v1/backups/latest/{kind}. The returned id is what a
// restore request confirms.
func (h *Backup) Latest(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Latest(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, run)
}

// Restore handles POST /v1/backups/{id}/restore. The body must repeat the
// run id as confirmation.
func (h *Backup) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.RestoreBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Confirm != id {
		response.WriteError(w, http.StatusBadRequest, "confirm must equal the backup id")
		return
	}

	result, err := h.svc.Restore(r.Context(), id)
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) || result == nil {
			writeServiceError(w, r, err)
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Str("run_id", id).Msg("restore failed")
		response.WriteJSON(w, statusFor(err), result)
		return
	}
	response.WriteJSON(w, http.StatusOK, result)
}

// DeleteArtifacts handles DELETE /v1/artifacts.
func (h *Backup) DeleteArtifacts(w http.ResponseWriter, r *http.Request) {
	var req request.DeleteArtifacts
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.svc.DeleteArtifacts(r.Context(), req.Paths)
	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	response.WriteJSON(w, status, result)
}

// Analyze handles GET /v1/artifacts/analyze?path=.
func (h *Backup) Analyze(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		response.WriteError(w, http.StatusBadRequest, "missing required path")
		return
	}

	report, err := h.svc.Analyze(r.Context(), path)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, report)
}

// Cleanup handles POST /v1/cleanup[?dry_run=true].
func (h *Backup) Cleanup(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()

	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dry {
		candidates, err := h.svc.DryRun(r.Context(), now)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if candidates == nil {
			candidates = []backup.CleanupCandidate{}
		}
		response.WriteJSON(w, http.StatusOK, map[string]any{"dry_run": true, "candidates": candidates})
		return
	}

	result, err := h.svc.Cleanup(context.WithoutCancel(r.Context()), now)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("cleanup finished with errors")
		if result == nil {
			writeServiceError(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusMultiStatus, result)
		return
	}
	response.WriteJSON(w, http.StatusOK, result)
}
