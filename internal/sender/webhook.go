package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/unclebandit/followup-engine/internal/model"
)

// WebhookSender hands messages to a transport gateway over HTTP.
//
// The gateway answers 2xx with {"message_id": "..."}. 4xx means the message
// will never be accepted, except 408 and 429 which, like 5xx and network
// errors, are worth another try.
type WebhookSender struct {
	URL    string
	Token  string
	Client *http.Client
}

type webhookRequest struct {
	Channel     model.Channel `json:"channel"`
	LeadID      string        `json:"lead_id"`
	ContentSlot string        `json:"content_slot"`
}

// NewWebhookSender creates a sender posting to url.
func NewWebhookSender(url, token string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, channel model.Channel, leadID, contentSlot string) (Result, error) {
	body, err := json.Marshal(webhookRequest{Channel: channel, LeadID: leadID, ContentSlot: contentSlot})
	if err != nil {
		return Result{}, Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, Transient(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, Transient(fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	case resp.StatusCode >= 500:
		return Result{}, Transient(fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	case resp.StatusCode >= 400:
		return Result{}, Permanent(fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Result{}, Transient(fmt.Errorf("unexpected gateway status %d", resp.StatusCode))
	}

	// accepted; an unreadable body must not turn into a resend
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, nil
	}
	return res, nil
}
