// Package domain holds the notification types shared by the store, the queue
// and the dispatch pipeline.
package domain

import (
	"strings"
	"time"
)

// Channel selects the delivery capability for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in-app"
)

// Channels returns every supported channel.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelInApp}
}

// IsValid reports whether c is one of the supported channels.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Status is the lifecycle state of a notification.
//
//	pending  -> sent | retrying | failed
//	retrying -> sent | retrying | failed
//
// sent and failed are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	return next != StatusPending
}

func (s Status) String() string { return string(s) }

// Notification is a request to notify one user through one channel.
// Type and Message never change after creation.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      Channel   `json:"type"`
	Message   string    `json:"message"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// EnqueuedAt is set while a work item for the current attempt is queued.
	EnqueuedAt *time.Time `json:"-"`
}

// StatusUpdate is a conditional transition. It applies only while the stored
// record still has FromStatus and FromAttempts.
type StatusUpdate struct {
	ID           string
	FromStatus   Status
	FromAttempts int
	ToStatus     Status
	Attempts     int
	LastError    string
}

// SubmitRequest is an inbound request to create a notification.
type SubmitRequest struct {
	UserID  string `json:"userId"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Validate checks that every field is present and that Type names a
// supported channel.
func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if strings.TrimSpace(r.Type) == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if strings.TrimSpace(r.Message) == "" {
		return &ValidationError{Field: "message", Reason: "is required"}
	}
	if !Channel(r.Type).IsValid() {
		return &ValidationError{Field: "type", Reason: "must be one of email, sms, in-app"}
	}
	return nil
}
