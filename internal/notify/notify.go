package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Field is a labelled value shown alongside a notification
type Field struct {
	Title string
	Value string
}

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	JobID   string // Optional job reference
	Fields  []Field
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// TypeForStatus maps a terminal job status to a notification type
func TypeForStatus(s domain.JobStatus) NotificationType {
	switch s {
	case domain.JobCompleted:
		return NotifySuccess
	case domain.JobPartialSuccess:
		return NotifyWarning
	case domain.JobFailed, domain.JobRolledBack:
		return NotifyError
	default:
		return NotifyInfo
	}
}

// ForJob builds the notification sent when a job reaches a terminal status
func ForJob(job *domain.JobState) Notification {
	counts := job.Counts()
	n := Notification{
		Title: fmt.Sprintf("Job %s %s", job.JobID, strings.ReplaceAll(string(job.Status), "_", " ")),
		Type:  TypeForStatus(job.Status),
		JobID: job.JobID,
	}

	msg := fmt.Sprintf("%d of %d units completed", counts[domain.UnitCompleted], job.Units.Len())
	if job.FailureReason != "" {
		msg += ": " + job.FailureReason
	}
	n.Message = msg

	for _, s := range []domain.UnitStatus{domain.UnitCompleted, domain.UnitFailed, domain.UnitBlocked} {
		if c := counts[s]; c > 0 {
			n.Fields = append(n.Fields, Field{Title: string(s), Value: fmt.Sprint(c)})
		}
	}
	n.Fields = append(n.Fields, Field{Title: "branch", Value: job.IntegrationBranch})
	return n
}
