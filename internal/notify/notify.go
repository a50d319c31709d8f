package notify

import "fmt"

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	SpecID  string // Optional spec reference
	RunID   string // Optional run reference
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

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// Escalation builds the notification for a checkpoint that needs answers
func Escalation(specID, runID string, pending int) Notification {
	return Notification{
		Title:   fmt.Sprintf("Spec %s needs input", specID),
		Message: fmt.Sprintf("%d quality issue(s) escalated; run is paused until answered", pending),
		Type:    NotifyWarning,
		SpecID:  specID,
		RunID:   runID,
	}
}

// BudgetAlert builds the notification for a crossed budget threshold
func BudgetAlert(specID, runID, message string) Notification {
	return Notification{
		Title:   fmt.Sprintf("Budget alert for spec %s", specID),
		Message: message,
		Type:    NotifyWarning,
		SpecID:  specID,
		RunID:   runID,
	}
}

// RunHalted builds the notification for a halted run
func RunHalted(specID, runID, reason string) Notification {
	return Notification{
		Title:   fmt.Sprintf("Run halted for spec %s", specID),
		Message: reason,
		Type:    NotifyError,
		SpecID:  specID,
		RunID:   runID,
	}
}

// RunCompleted builds the notification for a finished run
func RunCompleted(specID, runID string) Notification {
	return Notification{
		Title:   fmt.Sprintf("Spec %s completed all stages", specID),
		Message: "every stage reached consensus and all checkpoints passed",
		Type:    NotifySuccess,
		SpecID:  specID,
		RunID:   runID,
	}
}
