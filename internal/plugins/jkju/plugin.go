// Package jkju logs in to the JingKeJu discuz forum with a username and
// password and clicks its daily sign button.
package jkju

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/retry"
)

const ID = "jkju"

const (
	report_sign    = "sign"
	report_retry   = "retry"
	report_history = "history"
)

const (
	keyHistory      = "history"
	keyCurrentRetry = "current_retry"
	retryJobName    = "JingKeJu sign-in retry"
)

// ErrRunning is returned when a run starts while another is still going.
var ErrRunning = errors.New("a sign-in is already running")

type Config struct {
	plugin.BaseConfig
	Username    string `json:"username"`
	Password    string `json:"password"`
	IsEmail     bool   `json:"is_email"`
	BaseUrl     string `json:"base_url"`
	HistoryDays int    `json:"history_days"`
	RetryCount  int    `json:"retry_count"`
	// RetryInterval is in hours, the nth retry waits n intervals.
	RetryInterval int `json:"retry_interval"`
}

func DefaultConfig() Config {
	return Config{
		BaseConfig:    plugin.BaseConfig{Cron: "30 9 * * *", UseProxy: true},
		BaseUrl:       "https://www.jkju.cc",
		HistoryDays:   30,
		RetryInterval: 2,
	}
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config

	running atomic.Bool
	client  *Client
	log     history.Log
	budget  retry.Budget
	retries *retry.Rescheduler
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "JingKeJu sign-in" }
func (p *Plugin) Enabled() bool { return p.config.Enabled }
func (p *Plugin) RunOnce() bool { return p.config.RunOnce }

func (p *Plugin) Init(ctx context.Context, env plugin.Env, raw json.RawMessage) error {
	p.env = env
	p.tel = env.Tel
	p.config = DefaultConfig()
	err := plugin.DecodeConfig(raw, &p.config)
	if err != nil {
		return err
	}
	p.config.BaseUrl = strings.TrimRight(p.config.BaseUrl, "/")

	p.log = env.History(keyHistory, history.Policy{RetentionDays: p.config.HistoryDays})
	p.budget = retry.NewBudget(env.Store, keyCurrentRetry, p.config.RetryCount)
	p.retries = retry.NewRescheduler(env.Cron, env.Time, retryJobName)
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("jkju-sign", "JingKeJu sign-in", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

func (p *Plugin) Stop() {
	if p.retries != nil {
		p.retries.Cancel()
	}
}

// newClient starts every run with a fresh cookie jar.
func (p *Plugin) newClient() (*Client, error) {
	opts := p.env.WebOptions(p.config.BaseUrl, p.config.UseProxy)
	opts.RequestsPerSecond = p.config.RateLimit
	chain, err := webclient.NewChain(opts, p.tel)
	if err != nil {
		return nil, err
	}
	return NewClient(p.config.BaseUrl, chain), nil
}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	if !p.running.CompareAndSwap(false, true) {
		p.tel.ReportDebug("sign-in already running, skipping", "trigger", trigger)
		return ErrRunning
	}
	defer p.running.Store(false)

	if trigger != plugin.TriggerRetry {
		p.retries.Cancel()
		err := p.budget.Reset(ctx)
		if err != nil {
			p.tel.ReportBroken(report_retry, err)
		}
	}

	if p.config.Username == "" || p.config.Password == "" {
		err := fmt.Errorf("%w: username and password are not configured", plugin.ErrMissingCredential)
		p.notify(ctx, "JingKeJu sign-in failed", fmt.Sprintf(
			"time: %s\nstatus: %s\nfill in the forum username and password in the plugin config",
			p.now(), err,
		))
		return err
	}

	state, already, err := p.sign(ctx)
	if err != nil {
		p.tel.ReportWarning(report_sign, trigger, err)
		p.fail(ctx, err)
		return err
	}

	err = p.budget.Reset(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
	}

	trend := trendText(state.Trend)
	status := history.StatusSuccess
	title := "JingKeJu sign-in succeeded"
	if already {
		status = history.StatusAlready
		title = "JingKeJu sign-in result"
	}
	p.appendRecord(ctx, p.log.New(status, "").With("trend", trend))
	p.notify(ctx, title, fmt.Sprintf("time: %s\nstatus: %s\ntrend:\n%s", p.now(), status, trend))
	return nil
}

func (p *Plugin) sign(ctx context.Context) (SignState, bool, error) {
	client, err := p.newClient()
	if err != nil {
		return SignState{}, false, err
	}
	err = client.Login(ctx, Credentials{
		Username: p.config.Username,
		Password: p.config.Password,
		Email:    p.config.IsEmail,
	})
	if err != nil {
		return SignState{}, false, err
	}

	state, err := client.SignPage(ctx)
	if err != nil {
		return SignState{}, false, err
	}
	if state.Signed {
		return state, true, nil
	}

	already, err := client.Sign(ctx, state.Hash)
	if err != nil {
		return SignState{}, false, err
	}
	if already {
		return state, true, nil
	}

	// the trend only shows today's sign after a reload
	fresh, err := client.SignPage(ctx)
	if err != nil {
		p.tel.ReportWarning(report_sign, "reload sign page", err)
		return state, false, nil
	}
	return fresh, false, nil
}

// fail records the failure and schedules the next retry when there is one left.
func (p *Plugin) fail(ctx context.Context, cause error) {
	info := &history.RetryInfo{
		Enabled:  p.config.RetryCount > 0,
		Max:      p.config.RetryCount,
		Interval: fmt.Sprintf("%dh", p.config.RetryInterval),
	}

	var next time.Time
	if p.config.RetryCount > 0 {
		attempt, ok, err := p.budget.Next(ctx)
		switch {
		case err != nil:
			p.tel.ReportBroken(report_retry, err)
		case ok:
			info.Current = attempt
			delay := retry.Linear(time.Duration(p.config.RetryInterval) * time.Hour)(attempt)
			next, err = p.retries.Schedule(delay, p.env.Runner(plugin.TriggerRetry))
			if err != nil {
				p.tel.ReportBroken(report_retry, err)
			}
		default:
			info.Current = attempt
		}
	}

	rec := p.log.New(history.StatusFailed, cause.Error())
	rec.Retry = info
	p.appendRecord(ctx, rec)

	text := fmt.Sprintf(
		"time: %s\nstatus: %s\nmax retries: %d\nretry interval: %d hours",
		p.now(), cause, p.config.RetryCount, p.config.RetryInterval,
	)
	if !next.IsZero() {
		text += fmt.Sprintf("\nnext retry (%d/%d): %s", info.Current, info.Max, next.Format(history.TimeLayout))
	}
	p.notify(ctx, "JingKeJu sign-in failed", text)
}

func trendText(trend []string) string {
	if len(trend) == 0 {
		return "trend unavailable"
	}
	return strings.Join(trend, "\n")
}

func (p *Plugin) appendRecord(ctx context.Context, rec history.Record) {
	err := p.log.Append(ctx, rec)
	if err != nil {
		p.tel.ReportBroken(report_history, err)
	}
}

func (p *Plugin) notify(ctx context.Context, title, text string) {
	if !p.config.Notify {
		return
	}
	p.env.Post(ctx, notify.KindSiteMessage, title, text)
}

func (p *Plugin) now() string {
	return p.env.Time.Now().Format(history.TimeLayout)
}

func (p *Plugin) Page(ctx context.Context) (plugin.Page, error) {
	records, err := p.log.List(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	page := plugin.HistoryPage("JingKeJu sign-in history", records, "trend")
	page.Columns = append(page.Columns, "retry")
	for i, r := range records {
		retryText := "-"
		if r.Retry != nil && r.Retry.Enabled {
			retryText = fmt.Sprintf("%d/%d every %s", r.Retry.Current, r.Retry.Max, r.Retry.Interval)
		}
		page.Rows[i] = append(page.Rows[i], retryText)
	}
	return page, nil
}

var _ plugin.Pager = (*Plugin)(nil)
