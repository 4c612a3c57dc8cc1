package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"solana-custody-engine/internal/errcode"
)

// WebhookEmitter POSTs envelopes to a configured URL. No retry, no backoff:
// a failed delivery is logged by the caller and dropped.
type WebhookEmitter struct {
	url    string
	client *http.Client
}

// NewWebhookEmitter creates an emitter for the given URL.
func NewWebhookEmitter(url string, timeout time.Duration) *WebhookEmitter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookEmitter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

var _ Emitter = (*WebhookEmitter)(nil)

// Emit delivers one envelope.
func (w *WebhookEmitter) Emit(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errcode.Wrap(errcode.WebhookDelivery, err, "marshal envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errcode.Wrap(errcode.WebhookDelivery, err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.WebhookDelivery, err, "post to %s", w.url)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errcode.Wrap(errcode.WebhookDelivery,
			fmt.Errorf("status %d", resp.StatusCode), "post to %s", w.url)
	}
	return nil
}
