package model

import (
	"fmt"
	"slices"
	"time"
)

// JobStatus is the state of a DownloadJob.
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"
	JobDownloading JobStatus = "DOWNLOADING"
	JobCompleted   JobStatus = "COMPLETED"
	JobFailed      JobStatus = "FAILED"
	JobCancelled   JobStatus = "CANCELLED"
)

var allowedJobTransitions = map[JobStatus][]JobStatus{
	JobPending:     {JobDownloading, JobCancelled, JobFailed},
	JobDownloading: {JobCompleted, JobFailed, JobCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// DownloadJob tracks one quality download for one asset.
type DownloadJob struct {
	JobID           string     `json:"jobId"`
	AssetID         int64      `json:"assetId"`
	Quality         string     `json:"quality"`
	SourceURL       string     `json:"sourceUrl"`
	OutputPath      string     `json:"outputPath"`
	Status          JobStatus  `json:"status"`
	ProgressPercent float64    `json:"progressPercent"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

// Transition moves the job to next, stamping CompletedAt on terminal states.
func (j *DownloadJob) Transition(next JobStatus) error {
	if !slices.Contains(allowedJobTransitions[j.Status], next) {
		return fmt.Errorf("invalid job transition %s -> %s", j.Status, next)
	}
	j.Status = next
	if next.IsTerminal() {
		now := time.Now()
		j.CompletedAt = &now
	}
	return nil
}

// ProcessingStatus is the state of a ProcessingRecord.
type ProcessingStatus string

const (
	StatusNew        ProcessingStatus = "NEW"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
	StatusSkipped    ProcessingStatus = "SKIPPED"
)

var allowedProcessingTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusNew:        {StatusProcessing, StatusSkipped, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ProcessingRecord is the durable bookkeeping for one asset.
type ProcessingRecord struct {
	AssetID         int64            `json:"assetId"`
	ProcessingID    string           `json:"processingId"`
	Status          ProcessingStatus `json:"status"`
	StartedAt       time.Time        `json:"startedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Attempts        int              `json:"attempts"`
	LastError       string           `json:"lastError,omitempty"`
	LastStep        string           `json:"lastStep,omitempty"`
	DownloadJobIDs  []string         `json:"downloadJobIds"`
	StoredFilePaths []string         `json:"storedFilePaths"`
}

// Transition moves the record to next, stamping CompletedAt on terminal states.
func (r *ProcessingRecord) Transition(next ProcessingStatus) error {
	if !slices.Contains(allowedProcessingTransitions[r.Status], next) {
		return fmt.Errorf("invalid processing transition %s -> %s", r.Status, next)
	}
	r.Status = next
	if next.IsTerminal() {
		now := time.Now()
		r.CompletedAt = &now
	}
	return nil
}
