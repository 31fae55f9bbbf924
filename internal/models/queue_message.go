package models

import "time"

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	JobID    string     `json:"job_id"` // References QueueJob.ID
	Type     string     `json:"type"`
	Priority int        `json:"priority"` // Lower values are received first
	Payload  JobPayload `json:"payload"`
}

// QueueStats is a point-in-time view of the message store.
type QueueStats struct {
	Ready    int  `json:"ready"`
	Delayed  int  `json:"delayed"`
	InFlight int  `json:"in_flight"`
	Paused   bool `json:"paused"`
}

// Notification is emitted when a document or case reaches a terminal state.
type Notification struct {
	Subject NotificationSubject `json:"subject"`
	ID      string              `json:"id"`
	CaseID  string              `json:"case_id"`
	Outcome Status              `json:"outcome"`
	Message string              `json:"message,omitempty"`
	At      time.Time           `json:"at"`
}

// NotificationSubject identifies what a notification is about.
type NotificationSubject string

const (
	SubjectDocument NotificationSubject = "document"
	SubjectCase     NotificationSubject = "case"
)
