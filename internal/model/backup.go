package model

import "time"

// BackupRun is one attempt to produce a backup artifact.
type BackupRun struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	Status           string     `json:"status"`
	Stage            string     `json:"stage,omitempty"`
	Trigger          string     `json:"trigger"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ArtifactLocation string     `json:"artifact_location,omitempty"`
	SizeBytes        int64      `json:"size_bytes"`
	DurationMillis   int64      `json:"duration_millis"`
	Checksum         string     `json:"checksum,omitempty"`
	TableCount       int        `json:"table_count"`
	ObjectCount      int        `json:"object_count"`
	Warnings         []string   `json:"warnings,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	PurgedAt         *time.Time `json:"purged_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const (
	BackupKindDatabase = "database"
	BackupKindBlob     = "blob"
	BackupKindFull     = "full"
)

// BackupKinds lists every kind in the order reports display them.
var BackupKinds = []string{BackupKindDatabase, BackupKindBlob, BackupKindFull}

// ValidBackupKind reports whether k names a known backup kind.
func ValidBackupKind(k string) bool {
	switch k {
	case BackupKindDatabase, BackupKindBlob, BackupKindFull:
		return true
	}
	return false
}

// IncludesDatabase reports whether a run of kind k carries a database dump.
func IncludesDatabase(k string) bool {
	return k == BackupKindDatabase || k == BackupKindFull
}

// IncludesObjects reports whether a run of kind k carries stored objects.
func IncludesObjects(k string) bool {
	return k == BackupKindBlob || k == BackupKindFull
}

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerExternal  = "external"
)

// Orchestrator stages recorded on a running BackupRun.
const (
	StageDump      = "dump"
	StageArchive   = "archive"
	StageUploading = "uploading"
	StageRecording = "recording"
)

// Terminal reports whether the run has reached success or failed.
func (r *BackupRun) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusFailed
}

// Restorable reports whether the run can be replayed into the database.
func (r *BackupRun) Restorable() bool {
	return r.Status == StatusSuccess && IncludesDatabase(r.Kind) && r.PurgedAt == nil && r.ArtifactLocation != ""
}

// BackupStatus is the singleton summary row of the metadata registry.
type BackupStatus struct {
	LastBackup          *time.Time `json:"last_backup,omitempty"`
	LastBackupStatus    string     `json:"last_backup_status,omitempty"`
	BackupCount         int64      `json:"backup_count"`
	TotalBackupSize     int64      `json:"total_backup_size"`
	NextScheduledBackup *time.Time `json:"next_scheduled_backup,omitempty"`
	RunningRunID        *string    `json:"running_run_id,omitempty"`
	RunningSince        *time.Time `json:"running_since,omitempty"`
	// LatestSuccessful maps each kind to its newest live successful run.
	LatestSuccessful map[string]LatestRun `json:"latest_successful,omitempty"`
}

// LatestRun identifies the newest successful run of one kind.
type LatestRun struct {
	ID         string     `json:"id"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	SizeBytes  int64      `json:"size_bytes"`
}

// RetentionWindow configures the maximum artifact age per kind. A zero or
// negative value disables age-based cleanup for that kind.
type RetentionWindow struct {
	MaxAgeDays map[string]int `json:"max_age_days" yaml:"max_age_days"`
}

// MaxAge returns the configured window for kind and whether the kind is
// eligible for automatic deletion at all. Database dumps are never eligible.
func (w RetentionWindow) MaxAge(kind string) (time.Duration, bool) {
	if kind == BackupKindDatabase {
		return 0, false
	}
	days := w.MaxAgeDays[kind]
	if days <= 0 {
		return 0, false
	}
	return time.Duration(days) * 24 * time.Hour, true
}
