package response

import (
	"encoding/json"
	"net/http"

	"github.com/edvin/boosterclub/internal/model"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// BackupResult is the envelope returned by backup triggers.
type BackupResult struct {
	Success bool             `json:"success"`
	RunID   string           `json:"run_id,omitempty"`
	Run     *model.BackupRun `json:"run,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// WriteBackupResult writes the trigger envelope for run. runErr, when set,
// becomes the envelope's error message.
func WriteBackupResult(w http.ResponseWriter, status int, run *model.BackupRun, runErr error) {
	res := BackupResult{Run: run}
	if run != nil {
		res.RunID = run.ID
		res.Success = run.Status == model.StatusSuccess && runErr == nil
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	WriteJSON(w, status, res)
}
