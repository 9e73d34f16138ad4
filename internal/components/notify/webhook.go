package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type WebhookConfig struct {
	Url     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// WebhookNotifier POSTs each message as JSON.
type WebhookNotifier struct {
	http *resty.Client
	url  string
}

func NewWebhookNotifier(config WebhookConfig) WebhookNotifier {
	client := resty.New()
	client.SetTimeout(time.Second * 15)
	client.SetHeaders(config.Headers)
	client.SetRetryCount(2)
	return WebhookNotifier{http: client, url: config.Url}
}

func (w WebhookNotifier) Post(ctx context.Context, msg Message) error {
	res, err := w.http.R().
		SetContext(ctx).
		SetBody(msg).
		Post(w.url)
	if err != nil {
		return wrapPost("webhook", err)
	}
	if res.IsError() {
		return wrapPost("webhook", fmt.Errorf("unexpected status %s", res.Status()))
	}
	return nil
}
