package request

// TriggerBackup is the body of an external or operator backup request.
type TriggerBackup struct {
	Kind string `json:"kind" validate:"required,oneof=database blob full"`
}

// RestoreBackup must repeat the run id to confirm the restore.
type RestoreBackup struct {
	Confirm string `json:"confirm" validate:"required,runid"`
}

type DeleteArtifacts struct {
	Paths []string `json:"paths" validate:"required,min=1,max=500,dive,required"`
}
