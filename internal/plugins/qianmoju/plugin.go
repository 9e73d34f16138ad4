// Package qianmoju signs in to the Qianmoju discuz forum every day.
package qianmoju

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/retry"
)

const ID = "qianmoju"

const (
	report_sign    = "sign"
	report_retry   = "retry"
	report_history = "history"
)

const (
	keyHistory       = "sign_history"
	keyLastSignDate  = "last_sign_date"
	keyExtendedCount = "extended_retry_count"
	extendedJobName  = "Qianmoju extended retry"
)

const runLimit = 5 * time.Minute

type Config struct {
	plugin.BaseConfig
	Cookie  string `json:"cookie"`
	BaseUrl string `json:"base_url"`
	// RetryInterval is in seconds.
	RetryInterval   int `json:"retry_interval"`
	MaxRetries      int `json:"max_retries"`
	HistoryDays     int `json:"history_days"`
	ExtendedRetries int `json:"extended_retries"`
	// ExtendedDelay is in minutes.
	ExtendedDelay int `json:"extended_delay"`
}

func DefaultConfig() Config {
	return Config{
		BaseUrl:       "http://www.1000qm.vip",
		RetryInterval: 30,
		MaxRetries:    3,
		HistoryDays:   30,
		ExtendedDelay: 30,
	}
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config

	client   *Client
	log      history.Log
	budget   retry.Budget
	extended *retry.Rescheduler
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "Qianmoju sign-in" }
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

	opts := env.WebOptions(p.config.BaseUrl, p.config.UseProxy)
	opts.Cookies = p.config.Cookie
	opts.RetryOn5xx = 3
	opts.Headers = map[string]string{
		"accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"accept-language": "zh-CN,zh;q=0.9",
	}
	chain, err := webclient.NewChain(opts, p.tel)
	if err != nil {
		return err
	}

	p.client = NewClient(p.config.BaseUrl, chain)
	p.log = env.History(keyHistory, history.Policy{RetentionDays: p.config.HistoryDays})
	p.budget = retry.NewBudget(env.Store, keyExtendedCount, p.config.ExtendedRetries)
	p.extended = retry.NewRescheduler(env.Cron, env.Time, extendedJobName)
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("qianmoju-sign", "Qianmoju sign-in", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

func (p *Plugin) Stop() {
	if p.extended != nil {
		p.extended.Cancel()
	}
}

func (p *Plugin) signOnce(ctx context.Context) (SignResult, error) {
	formhash, err := p.client.Index(ctx)
	if err != nil {
		return SignResult{}, err
	}
	return p.client.Sign(ctx, formhash)
}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	if trigger == plugin.TriggerScheduled && p.extended.Pending() {
		p.tel.ReportDebug("skipping scheduled run, an extended retry is pending")
		return nil
	}

	if trigger != plugin.TriggerManual {
		last, signed, err := p.log.SignedToday(ctx)
		if err != nil {
			return err
		}
		if signed {
			p.notify(ctx, "Qianmoju already signed in", fmt.Sprintf(
				"time: %s\ntrigger: %s\nstatus: already signed in today (%s)",
				p.now(), trigger.Label(), last.Date,
			))
			return nil
		}
	}

	if p.config.Cookie == "" {
		err := fmt.Errorf("%w: cookie is not configured", plugin.ErrMissingCredential)
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		p.notify(ctx, "Qianmoju sign-in failed", err.Error())
		return err
	}

	if trigger != plugin.TriggerRetry {
		p.extended.Cancel()
		err := p.budget.Reset(ctx)
		if err != nil {
			p.tel.ReportBroken(report_retry, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, runLimit)
	defer cancel()

	var result SignResult
	err := retry.Inline(
		runCtx,
		p.config.MaxRetries,
		retry.Fixed(time.Duration(p.config.RetryInterval)*time.Second),
		func(ctx context.Context, attempt int) error {
			var err error
			result, err = p.signOnce(ctx)
			if err != nil {
				p.tel.ReportWarning(report_sign, attempt, err)
			}
			return err
		},
		func(attempt int, err error) {
			p.notify(ctx, "Qianmoju sign-in retry", fmt.Sprintf(
				"Sign-in failed: %s\nRetry %d/%d in %d seconds.",
				err, attempt, p.config.MaxRetries, p.config.RetryInterval,
			))
		},
	)
	if err != nil {
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		if retry.IsPermanent(err) {
			p.notify(ctx, "Qianmoju sign-in failed", fmt.Sprintf("Sign-in failed: %s", err))
			return err
		}
		p.scheduleExtended(ctx, err)
		return err
	}

	status := history.StatusSuccess
	if result.Already {
		status = history.StatusAlready
	}
	rec := p.log.New(status, result.Message)
	if result.Points > 0 {
		rec = rec.With("points", result.Points)
	}
	p.appendRecord(ctx, rec)

	err = p.env.Store.Save(ctx, keyLastSignDate, rec.Date)
	if err != nil {
		p.tel.ReportBroken(report_history, err)
	}
	err = p.budget.Reset(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
	}
	p.extended.Cancel()

	title := "Qianmoju sign-in succeeded"
	if result.Already {
		title = "Qianmoju already signed in"
	}
	p.notify(ctx, title, fmt.Sprintf(
		"time: %s\ntrigger: %s\nstatus: %s\nmessage: %s",
		rec.Date, trigger.Label(), rec.Status, rec.Message,
	))
	return nil
}

func (p *Plugin) scheduleExtended(ctx context.Context, cause error) {
	attempt, ok, err := p.budget.Next(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
	}
	if err != nil || !ok {
		p.notify(ctx, "Qianmoju sign-in failed", fmt.Sprintf("Sign-in failed: %s\nAll retries failed.", cause))
		return
	}

	at, err := p.extended.Schedule(
		time.Duration(p.config.ExtendedDelay)*time.Minute,
		p.env.Runner(plugin.TriggerRetry),
	)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
		return
	}
	p.notify(ctx, "Qianmoju sign-in failed", fmt.Sprintf(
		"Sign-in failed: %s\nExtended retry %d/%d at %s.",
		cause, attempt, p.config.ExtendedRetries, at.Format(history.TimeLayout),
	))
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
	page := plugin.HistoryPage("Qianmoju sign-in history", records, "points")
	if p.extended.Pending() {
		page.Summary = append(page.Summary, "extended retry pending")
	}
	return page, nil
}

var _ plugin.Pager = (*Plugin)(nil)
