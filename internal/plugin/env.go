package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/kvstore"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
)

const report_env_notify = "env.notify"

// WebDefaults are the host wide settings plugins start their http clients from.
type WebDefaults struct {
	Proxy     webclient.Proxy `json:"proxy"`
	UserAgent string          `json:"user_agent"`
	VerifySSL bool            `json:"verify_ssl"`
}

// Env is everything the host lends a plugin.
type Env struct {
	Store  kvstore.Namespace
	Notify notify.Notifier
	Time   chrono.TimeAPI
	// Cron is scoped to the plugin, jobs added here are removed when the
	// plugin stops.
	Cron chrono.CronAPI
	Tel  telemetry.API
	Web  WebDefaults
	// Reregister asks the host to replace the plugin's service jobs with
	// whatever Services returns now.
	Reregister func()
	// Runner returns a cron callback that runs the plugin through the host,
	// so retry runs are bounded and recorded like scheduled ones.
	Runner func(trigger Trigger) func()
}

// Post sends a notification, failures are reported and otherwise ignored.
func (e Env) Post(ctx context.Context, kind notify.Kind, title, text string) {
	err := e.Notify.Post(ctx, notify.Message{
		Kind:   kind,
		Plugin: e.Store.Plugin(),
		Title:  title,
		Text:   text,
	})
	if err != nil {
		e.Tel.ReportBroken(report_env_notify, err)
	}
}

// WebOptions starts client options from the host defaults.
func (e Env) WebOptions(baseUrl string, useProxy bool) webclient.Options {
	return webclient.Options{
		BaseUrl:   baseUrl,
		UserAgent: e.Web.UserAgent,
		Proxy:     e.Web.Proxy,
		UseProxy:  useProxy && !e.Web.Proxy.Empty(),
		VerifySSL: e.Web.VerifySSL,
		Timeout:   time.Second * 30,
	}
}

// History returns the plugin's history log under key.
func (e Env) History(key string, policy history.Policy) history.Log {
	return history.NewLog(e.Store, key, e.Time, policy)
}

// HistoryPage renders records as a page, extra lists the Extra keys that get
// their own column.
func HistoryPage(title string, records []history.Record, extra ...string) Page {
	page := Page{
		Title:   title,
		Columns: append([]string{"time", "status", "message"}, extra...),
	}
	for _, r := range records {
		row := []string{r.Date, string(r.Status), r.Message}
		for _, key := range extra {
			value, ok := r.Extra[key]
			if !ok || value == nil {
				row = append(row, "-")
				continue
			}
			row = append(row, formatValue(value))
		}
		page.Rows = append(page.Rows, row)
	}
	return page
}

func formatValue(value any) string {
	switch v := value.(type) {
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = formatValue(p)
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(v)
	}
}
