// Package plugin defines what a sign-in bot looks like to the host.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Trigger says why a run started.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerRetry     Trigger = "retry"
	TriggerOnce      Trigger = "once"
)

// Label is the human name of the trigger stored in history records.
func (t Trigger) Label() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerRetry:
		return "retry"
	case TriggerOnce:
		return "run once"
	default:
		return "scheduled"
	}
}

// Service is a job the host keeps scheduled while the plugin is enabled.
// Exactly one of Cron and At is set.
type Service struct {
	ID   string
	Name string
	// Cron is a standard 5 field crontab spec.
	Cron string
	// At is a one-shot date trigger.
	At  time.Time
	Run func(ctx context.Context) error
}

// Plugin is a sign-in bot.
type Plugin interface {
	ID() string
	Name() string
	// Init is called once with the plugin's config block, which may be empty.
	Init(ctx context.Context, env Env, config json.RawMessage) error
	Enabled() bool
	// RunOnce asks the host to run the plugin shortly after loading.
	RunOnce() bool
	Services() []Service
	Run(ctx context.Context, trigger Trigger) error
	// Stop is called when the host shuts down, the host removes the jobs.
	Stop()
}

// Page is a table rendered from a plugin's history.
type Page struct {
	Title   string     `json:"title"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Summary []string   `json:"summary,omitempty"`
}

// Pager is implemented by plugins that have something to show.
type Pager interface {
	Page(ctx context.Context) (Page, error)
}

// Commander is implemented by plugins that accept chat-style commands.
type Commander interface {
	Command(ctx context.Context, args []string) (string, error)
}

// Route is an extra HTTP endpoint, Path is relative to /plugins/{id}.
type Route struct {
	Method  string
	Path    string
	Summary string
	Handler http.HandlerFunc
}

// RouteProvider is implemented by plugins that expose extra HTTP endpoints.
type RouteProvider interface {
	Routes() []Route
}

// BaseConfig holds the fields every plugin config has.
type BaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Notify   bool   `json:"notify"`
	Cron     string `json:"cron"`
	RunOnce  bool   `json:"run_once"`
	UseProxy bool   `json:"use_proxy"`

	// RateLimit caps outgoing requests per second for plugins that pace
	// their requests, 0 is unlimited.
	RateLimit float64 `json:"rate_limit"`
}

// DecodeConfig decodes raw over out, fields missing from raw keep the
// defaults out already holds.
func DecodeConfig[T any](raw json.RawMessage, out *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	err := json.Unmarshal(raw, out)
	if err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	return nil
}

// CronService is the common case of a plugin with one daily job.
func CronService(id, name, spec string, run func(ctx context.Context) error) []Service {
	if spec == "" {
		return nil
	}
	return []Service{{
		ID:   id,
		Name: name,
		Cron: spec,
		Run:  run,
	}}
}
