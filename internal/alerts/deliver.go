package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/kelmah-platform/escrow-engine/internal/logger"
)

// deliver forwards a notification to the messaging collaborator.
// Set NOTIFY_WEBHOOK_URL to the collaborator's intake endpoint; when
// unset, notifications are logged only (local/dev).
func deliver(n Notification) error {
	url := os.Getenv("NOTIFY_WEBHOOK_URL")
	if url == "" {
		logger.Info("[notify] (no collaborator configured) user=%s type=%s title=%q", n.UserID, n.Type, n.Title)
		return nil
	}
	return post(url, n)
}

func deliverOperator(p OperatorAlertPayload) error {
	url := os.Getenv("OPERATOR_ALERT_URL")
	if url == "" {
		return nil
	}
	return post(url, p)
}

func post(url string, payload interface{}) error {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("NOTIFY_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg string
		if b, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024)); readErr == nil && len(b) > 0 {
			msg = string(b)
		}
		if msg != "" {
			return fmt.Errorf("notify send failed: status=%d body=%s", resp.StatusCode, msg)
		}
		return fmt.Errorf("notify send failed: status=%d", resp.StatusCode)
	}
	return nil
}
