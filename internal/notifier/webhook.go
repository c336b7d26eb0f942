package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/openmined/drivesync/internal/version"
)

type webhookPayload struct {
	ID    string    `json:"id"`
	Event string    `json:"event"`
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Time  time.Time `json:"time"`
}

// Webhook POSTs a JSON document to URL for every completed upload.
type Webhook struct {
	URL    string
	client *req.Client
}

func NewWebhook(url string) *Webhook {
	client := req.C().
		SetTimeout(10 * time.Second).
		SetUserAgent(version.AppName + "/" + version.Version).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)
	return &Webhook{URL: url, client: client}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	payload := webhookPayload{
		ID:    uuid.NewString(),
		Event: "upload.completed",
		Name:  ev.Name,
		Path:  ev.Path,
		Time:  ev.Time.UTC(),
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBodyJsonMarshal(payload).
		Post(w.URL)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsErrorState() {
		return fmt.Errorf("webhook post: unexpected status %s", resp.Status)
	}
	return nil
}
