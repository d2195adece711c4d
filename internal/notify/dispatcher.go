package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"fieldline/internal/domain"
)

// Sender delivers one notification over a channel.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// LogSender delivers by writing a structured log line. The fallback channel
// when no webhook is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, n domain.Notification) error {
	s.Logger.Info().
		Str("notification_id", n.ID).
		Str("mission_id", n.MissionID).
		Str("recipient", n.Recipient).
		Str("subject", n.Subject).
		Msg("notification")
	return nil
}

// WebhookSender POSTs the notification as JSON to a configured URL.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func (s WebhookSender) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", s.URL, resp.StatusCode)
	}
	return nil
}

// Dispatcher drains the pending queue through per-channel senders.
type Dispatcher struct {
	Queue   Queue
	Senders map[string]Sender
	Logger  zerolog.Logger
}

// NewDispatcher wires the standard channels: log always, webhook when a URL
// is configured.
func NewDispatcher(q Queue, webhookURL string, logger zerolog.Logger) Dispatcher {
	senders := map[string]Sender{
		"log": LogSender{Logger: logger},
	}
	if webhookURL != "" {
		senders["webhook"] = WebhookSender{URL: webhookURL}
	}
	return Dispatcher{Queue: q, Senders: senders, Logger: logger}
}

// DispatchResult is the outcome of one dispatch pass.
type DispatchResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// DispatchPending delivers up to limit pending notifications. A failed send
// marks the row failed rather than retrying; the cleanup sweep purges it once
// expired.
func (d Dispatcher) DispatchPending(ctx context.Context, limit int) (DispatchResult, error) {
	pending, err := d.Queue.Pending(ctx, limit)
	if err != nil {
		return DispatchResult{}, err
	}
	var res DispatchResult
	for _, n := range pending {
		sender, ok := d.Senders[n.Channel]
		if !ok {
			sender = d.Senders["log"]
		}
		if err := sender.Send(ctx, n); err != nil {
			d.Logger.Warn().Err(err).Str("notification_id", n.ID).Str("channel", n.Channel).Msg("notification send failed")
			if err := d.Queue.MarkFailed(ctx, n.ID); err != nil {
				return res, err
			}
			res.Failed++
			continue
		}
		if err := d.Queue.MarkSent(ctx, n.ID); err != nil {
			return res, err
		}
		res.Sent++
	}
	return res, nil
}
