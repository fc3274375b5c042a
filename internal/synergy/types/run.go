package types

import (
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes the two scheduled tasks.
type RunKind string

const (
	RunDetection   RunKind = "detection"
	RunCalibration RunKind = "calibration"
)

// RunStatus is the outcome of a run or one of its stages.
type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunSkipped        RunStatus = "skipped"
)

// StageReport records one pipeline stage.
type StageReport struct {
	Name     string        `json:"name"`
	Status   RunStatus     `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Records  int           `json:"records"`
}

// RunReport is the persisted summary of a detection or calibration run.
type RunReport struct {
	RunID         uuid.UUID     `json:"run_id"`
	Kind          RunKind       `json:"kind"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Status        RunStatus     `json:"status"`
	WeightVersion int           `json:"weight_version,omitempty"`
	Stages        []StageReport `json:"stages"`
}

// Stage returns the named stage report, nil when absent.
func (r *RunReport) Stage(name string) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}
