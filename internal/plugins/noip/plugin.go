// Package noip keeps a No-IP hostname pointed at the current address.
package noip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"

	"github.com/go-resty/resty/v2"
)

const ID = "noip"

const (
	report_run     = "run"
	report_history = "history"
)

const keyHistory = "update_history"

type Config struct {
	plugin.BaseConfig
	Username    string `json:"username"`
	Password    string `json:"password"`
	Hostname    string `json:"hostname"`
	BaseUrl     string `json:"base_url"`
	HistoryDays int    `json:"history_days"`
}

func DefaultConfig() Config {
	return Config{
		BaseUrl:     "https://dynupdate.no-ip.com",
		HistoryDays: 30,
	}
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config
	client *resty.Client
	log    history.Log
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "No-IP updater" }
func (p *Plugin) Enabled() bool { return p.config.Enabled }
func (p *Plugin) RunOnce() bool { return p.config.RunOnce }
func (p *Plugin) Stop()         {}

func (p *Plugin) Init(ctx context.Context, env plugin.Env, raw json.RawMessage) error {
	p.env = env
	p.tel = env.Tel
	p.config = DefaultConfig()
	err := plugin.DecodeConfig(raw, &p.config)
	if err != nil {
		return err
	}
	p.config.BaseUrl = strings.TrimRight(p.config.BaseUrl, "/")

	p.client, err = webclient.New(env.WebOptions(p.config.BaseUrl, p.config.UseProxy), webclient.StrategyPlain, p.tel)
	if err != nil {
		return err
	}
	p.log = env.History(keyHistory, history.Policy{RetentionDays: p.config.HistoryDays})
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("noip-update", "No-IP update", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

type errorResponse struct {
	Msg string `json:"msg"`
}

// Update asks No-IP to point the hostname at the caller's address and
// returns the response text.
func (p *Plugin) Update(ctx context.Context) (string, error) {
	if p.config.Username == "" || p.config.Password == "" || p.config.Hostname == "" {
		return "", fmt.Errorf("%w: username, password and hostname are required", plugin.ErrMissingCredential)
	}

	res, err := p.client.R().
		SetContext(ctx).
		SetBasicAuth(p.config.Username, p.config.Password).
		SetQueryParam("hostname", p.config.Hostname).
		Get("/nic/update")
	if err != nil {
		return "", fmt.Errorf("update: %w", err)
	}
	if res.StatusCode() == http.StatusOK {
		return strings.TrimSpace(res.String()), nil
	}

	var body errorResponse
	msg := "unknown error"
	if json.Unmarshal(res.Body(), &body) == nil && body.Msg != "" {
		msg = body.Msg
	}
	return "", fmt.Errorf("update failed with status %d: %s", res.StatusCode(), msg)
}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	response, err := p.Update(ctx)

	rec := p.log.New(history.StatusSuccess, response).With("hostname", p.config.Hostname)
	title := "No-IP update succeeded"
	if err != nil {
		p.tel.ReportWarning(report_run, trigger, err)
		rec.Status = history.StatusFailed
		rec.Message = err.Error()
		title = "No-IP update failed"
	}
	appendErr := p.log.Append(ctx, rec)
	if appendErr != nil {
		p.tel.ReportBroken(report_history, appendErr)
	}

	if p.config.Notify && !errors.Is(err, plugin.ErrMissingCredential) {
		p.env.Post(ctx, notify.KindPlugin, title, fmt.Sprintf("%s\n%s", rec.Message, rec.Date))
	}
	return err
}

func (p *Plugin) Page(ctx context.Context) (plugin.Page, error) {
	records, err := p.log.List(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	return plugin.HistoryPage("No-IP update history", records, "hostname"), nil
}

var _ plugin.Pager = (*Plugin)(nil)
