package alerts

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/kelmah-platform/escrow-engine/internal/logger"
)

var (
	client *asynq.Client
	server *asynq.Server
)

// Init starts the Asynq server and initializes a shared client.
func Init(redisAddr string) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client = asynq.NewClient(opts)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskUserNotify, handleUserNotify)
	mux.HandleFunc(TaskOperatorAlert, handleOperatorAlert)

	server = asynq.NewServer(opts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"notifications": 10,
			"alerts":        5,
		},
	})
	go func() {
		if err := server.Run(mux); err != nil {
			logger.Warn("Asynq server stopped: %v", err)
		}
	}()

	logger.Info("Asynq initialized (addr=%s)", redisAddr)
}

// Close releases client and stops server.
func Close() {
	if client != nil {
		_ = client.Close()
	}
	if server != nil {
		server.Shutdown()
	}
}

func handleUserNotify(_ context.Context, t *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return err
	}
	if err := deliver(n); err != nil {
		logger.Error("[notify] delivery failed type=%s user=%s: %v", n.Type, n.UserID, err)
		return err
	}
	logger.Info("[notify] delivered type=%s user=%s", n.Type, n.UserID)
	return nil
}

func handleOperatorAlert(_ context.Context, t *asynq.Task) error {
	var p OperatorAlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	// Operator alerts must always leave a durable trace in the log
	// stream even when the collaborator endpoint is down.
	logger.Warn("[operator-alert] severity=%s %s", p.Severity, p.Message)
	return deliverOperator(p)
}
