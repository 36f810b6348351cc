package model

import (
	"time"

	"citymap-poster-service/internal/domain"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Step is one entry of a Job's append-only step log.
type Step struct {
	Text      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Progress  int        `json:"progress"`
	Timestamp time.Time  `json:"timestamp"`
}

type StepStatus string

const (
	StepCompleted  StepStatus = "completed"
	StepInProgress StepStatus = "in_progress"
	StepPending    StepStatus = "pending"
)

// Job is one theme's poster generation attempt.
type Job struct {
	ID string

	// Request parameters. Latitude/Longitude stay zero until resolution
	// when the submission carried no coordinates.
	City        string
	Country     string
	Theme       string
	Distance    int // map radius in meters
	Latitude    float64
	Longitude   float64
	PreviewMode bool

	// Page format parameters.
	PageFormat         string
	Orientation        string
	DPI                int
	CustomWidthInches  float64
	CustomHeightInches float64

	SessionID string
	BatchID   string // every submission forms a batch; size 1 for single-theme requests
	RetryOf   string // id of the failed job this one was retried from

	Status      JobStatus
	Progress    int
	CurrentStep string
	Steps       []Step

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	FailedAt    time.Time

	ErrorKind    domain.ErrorKind
	ErrorMessage string
}

// Start moves a pending job into processing.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusPending {
		return domain.ErrInvalidTransition
	}
	j.Status = JobStatusProcessing
	j.StartedAt = now
	return nil
}

// Complete finalizes a processing job. Progress is forced to 100.
func (j *Job) Complete(now time.Time) error {
	if j.Status != JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.CompletedAt = now
	return nil
}

// Fail finalizes a processing job with a classified error. Progress keeps
// its last known value.
func (j *Job) Fail(kind domain.ErrorKind, msg string, now time.Time) error {
	if j.Status != JobStatusProcessing {
		return domain.ErrInvalidTransition
	}
	j.Status = JobStatusFailed
	j.FailedAt = now
	j.ErrorKind = kind
	j.ErrorMessage = msg
	return nil
}

// Cancel moves a pending or processing job to cancelled. Cancellation of a
// processing job is best-effort: the render may not be interruptible, but
// its eventual result is discarded rather than persisted.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return domain.ErrJobTerminal
	}
	j.Status = JobStatusCancelled
	j.FailedAt = now
	j.ErrorKind = domain.ErrKindCancelled
	return nil
}

// RecordStep appends a classified step and raises progress monotonically.
// Out-of-order or duplicate stage signals never regress progress.
func (j *Job) RecordStep(step Step) {
	if step.Progress < j.Progress {
		step.Progress = j.Progress
	}
	j.Steps = append(j.Steps, step)
	j.CurrentStep = step.Text
	j.Progress = step.Progress
}

// RetryAllowed reports whether the retry operation applies to this job.
func (j *Job) RetryAllowed() bool {
	return j.Status == JobStatusFailed && j.ErrorKind.RetryAllowed()
}

// CloneForRetry builds a fresh pending job carrying the same request
// parameters and a back-reference to the failed original. The original is
// not mutated.
func (j *Job) CloneForRetry(id string, now time.Time) *Job {
	return &Job{
		ID:                 id,
		City:               j.City,
		Country:            j.Country,
		Theme:              j.Theme,
		Distance:           j.Distance,
		Latitude:           j.Latitude,
		Longitude:          j.Longitude,
		PreviewMode:        j.PreviewMode,
		PageFormat:         j.PageFormat,
		Orientation:        j.Orientation,
		DPI:                j.DPI,
		CustomWidthInches:  j.CustomWidthInches,
		CustomHeightInches: j.CustomHeightInches,
		SessionID:          j.SessionID,
		RetryOf:            j.ID,
		Status:             JobStatusPending,
		CreatedAt:          now,
	}
}
