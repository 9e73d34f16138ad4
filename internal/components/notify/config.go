package notify

type Config struct {
	Log     bool           `json:"log"`
	Smtp    *SmtpConfig    `json:"smtp"`
	Webhook *WebhookConfig `json:"webhook"`
}

// FromConfig builds the notifier fan-out, an empty config still logs.
func FromConfig(config Config) Notifier {
	var out Multi
	if config.Log {
		out = append(out, SlogNotifier{})
	}
	if config.Smtp != nil && config.Smtp.Server != "" {
		out = append(out, NewSmtpNotifier(*config.Smtp))
	}
	if config.Webhook != nil && config.Webhook.Url != "" {
		out = append(out, NewWebhookNotifier(*config.Webhook))
	}
	if len(out) == 0 {
		out = append(out, SlogNotifier{})
	}
	return out
}
