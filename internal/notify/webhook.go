// Package notify delivers escalation events to an external alerting channel.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Webhook POSTs events as JSON to a single URL. Delivery is at-most-once:
// a failed POST is logged and dropped, never retried, so a dead alerting
// endpoint cannot back-pressure the recovery layer.
type Webhook struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

var _ schemas.Notifier = (*Webhook)(nil)

func NewWebhook(url string, logger *zap.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.Named("notify"),
	}
}

type event struct {
	Severity schemas.Severity `json:"severity"`
	TaskID   string           `json:"task_id,omitempty"`
	Message  string           `json:"message"`
	At       time.Time        `json:"at"`
}

func (w *Webhook) Notify(ctx context.Context, severity schemas.Severity, taskID, message string) error {
	body, err := json.Marshal(event{
		Severity: severity,
		TaskID:   taskID,
		Message:  message,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	w.log.Debug("event delivered",
		zap.String("severity", string(severity)),
		zap.String("task_id", taskID))
	return nil
}

// Log is a Notifier that only writes to the log, used when no webhook URL is
// configured.
type Log struct {
	log *zap.Logger
}

var _ schemas.Notifier = (*Log)(nil)

func NewLog(logger *zap.Logger) *Log {
	return &Log{log: logger.Named("notify")}
}

func (l *Log) Notify(_ context.Context, severity schemas.Severity, taskID, message string) error {
	l.log.Warn("escalation",
		zap.String("severity", string(severity)),
		zap.String("task_id", taskID),
		zap.String("message", message))
	return nil
}
