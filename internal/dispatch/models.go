package dispatch

import (
	"context"
	"time"
)

// ContactStatus values for campaign contacts
const (
	ContactPending   = "pending"
	ContactDialing   = "dialing"
	ContactCompleted = "completed"
	ContactFailed    = "failed"
	ContactSkipped   = "skipped"
)

// Contact is one number queued for a campaign
type Contact struct {
	ID         int64  `json:"id"`
	CampaignID string `json:"campaign_id"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
}

// ContactSource feeds the dispatcher and records per-contact progress.
// RequeueContact puts a contact back in the pending queue with its attempt
// counter bumped, so transient no-capacity situations retry instead of losing
// the contact.
type ContactSource interface {
	PendingContacts(ctx context.Context, campaignID string, limit int) ([]Contact, error)
	MarkContactDialing(ctx context.Context, id int64) error
	MarkContactDone(ctx context.Context, id int64, status string) error
	RequeueContact(ctx context.Context, id int64) error
	CountContactsByStatus(ctx context.Context, campaignID string) (map[string]int, error)
}

// JobStatus is the lifecycle state of a dialing job
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobStopping  JobStatus = "stopping"
	JobStopped   JobStatus = "stopped"
	JobCompleted JobStatus = "completed"
)

// Job is one background dialing run over a campaign's pending contacts
type Job struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	OwnerID    int64      `json:"owner_id"`
	Status     JobStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Dialed    int `json:"dialed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	InFlight  int `json:"in_flight"`
}

// JobStore persists job state transitions for post-mortem inspection.
// May be nil, in which case jobs live only in memory.
type JobStore interface {
	UpsertJob(ctx context.Context, j *Job) error
}
