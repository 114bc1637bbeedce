package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/google/uuid"
)

var _ Publisher = (*WebhookPublisher)(nil)

const SignatureHeader = "X-Paynet-Signature"

type WebhookRequest struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      payments.Event `json:"data"`
	EventTime time.Time      `json:"event_time"`
}

type WebhookResponse struct {
	Success bool `json:"success"`
}

// WebhookPublisher posts events to http endpoint, body is signed with HMAC-SHA256.
type WebhookPublisher struct {
	url    string
	key    []byte
	sender http.Client
}

func NewWebhookPublisher(url string, hmacKey []byte) *WebhookPublisher {
	return &WebhookPublisher{
		url:    url,
		key:    hmacKey,
		sender: http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookPublisher) Publish(ctx context.Context, e payments.Event) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(WebhookRequest{
		ID:        uuid.NewString(),
		Type:      string(e.Type),
		Data:      e,
		EventTime: e.At,
	}); err != nil {
		return fmt.Errorf("failed to serialize body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.key) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.key, buf.Bytes()))
	}

	resp, err := w.sender.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook response status is: %d %s", resp.StatusCode, resp.Status)
	}

	var ok WebhookResponse
	if err = json.NewDecoder(resp.Body).Decode(&ok); err != nil {
		return fmt.Errorf("bad webhook response: %w", err)
	}

	if !ok.Success {
		return fmt.Errorf("webhook response is not success")
	}
	return nil
}

func (w *WebhookPublisher) Close() error {
	w.sender.CloseIdleConnections()
	return nil
}

// Sign returns hex HMAC-SHA256 of body, receivers should compare it with SignatureHeader.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
