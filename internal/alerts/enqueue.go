package alerts

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kelmah-platform/escrow-engine/internal/logger"
)

// Notify enqueues a user notification task.
func Notify(n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	b, _ := json.Marshal(n)
	task := asynq.NewTask(TaskUserNotify, b)
	_, err := client.Enqueue(task, asynq.Queue("notifications"))
	return err
}

// OperatorAlert enqueues an alert for the on-call operator.
func OperatorAlert(severity, message string) error {
	p := OperatorAlertPayload{Severity: severity, Message: message, SentAt: time.Now()}
	b, _ := json.Marshal(p)
	task := asynq.NewTask(TaskOperatorAlert, b)
	_, err := client.Enqueue(task, asynq.Queue("alerts"))
	return err
}

// Queue adapts the package-level enqueue functions to the notifier
// interfaces declared by the escrow and payout packages. All sends are
// best effort.
type Queue struct{}

func (Queue) Notify(n Notification) {
	if err := Notify(n); err != nil {
		logger.Warn("[notify] enqueue failed type=%s user=%s: %v", n.Type, n.UserID, err)
	}
}

func (Queue) OperatorAlert(severity, message string) {
	if err := OperatorAlert(severity, message); err != nil {
		logger.Warn("[operator-alert] enqueue failed: %v", err)
	}
}
