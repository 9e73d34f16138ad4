// Package hdhive checks in to HDHive once a day and keeps a local streak.
package hdhive

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

const ID = "hdhive"

const (
	report_checkin = "checkin"
	report_retry   = "retry"
	report_history = "history"
)

const (
	keyHistory       = "sign_history"
	keyExtendedCount = "extended_retry_count"
	extendedJobName  = "HDHive extended retry"
)

// runLimit caps a run including its inline retries.
const runLimit = 5 * time.Minute

type Config struct {
	plugin.BaseConfig
	Cookie  string `json:"cookie"`
	BaseUrl string `json:"base_url"`
	// RetryInterval is in seconds.
	RetryInterval int `json:"retry_interval"`
	MaxRetries    int `json:"max_retries"`
	HistoryDays   int `json:"history_days"`
	// ExtendedRetries are one-shot runs scheduled ExtendedDelay minutes
	// after every inline retry failed.
	ExtendedRetries int `json:"extended_retries"`
	ExtendedDelay   int `json:"extended_delay"`
}

func DefaultConfig() Config {
	return Config{
		BaseConfig:    plugin.BaseConfig{UseProxy: true},
		BaseUrl:       "https://hdhive.online",
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
	streak   history.Streak
	budget   retry.Budget
	extended *retry.Rescheduler
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "HDHive check-in" }
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
	chain, err := webclient.NewChain(opts, p.tel)
	if err != nil {
		return err
	}

	p.client = NewClient(p.config.BaseUrl, chain)
	p.log = env.History(keyHistory, history.Policy{RetentionDays: p.config.HistoryDays})
	p.streak = history.NewStreak(env.Store, env.Time)
	p.budget = retry.NewBudget(env.Store, keyExtendedCount, p.config.ExtendedRetries)
	p.extended = retry.NewRescheduler(env.Cron, env.Time, extendedJobName)
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("hdhive-sign", "HDHive check-in", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

func (p *Plugin) Stop() {
	if p.extended != nil {
		p.extended.Cancel()
	}
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
			p.notify(ctx, "HDHive already checked in", repeatText(p.now(), trigger, last))
			return nil
		}
	}

	session, err := ParseSession(p.config.Cookie)
	if err != nil {
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		p.notify(ctx, "HDHive check-in failed", err.Error())
		return err
	}

	if trigger != plugin.TriggerRetry {
		p.extended.Cancel()
		err = p.budget.Reset(ctx)
		if err != nil {
			p.tel.ReportBroken(report_retry, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, runLimit)
	defer cancel()

	var result SignResult
	err = retry.Inline(
		runCtx,
		p.config.MaxRetries,
		retry.Fixed(time.Duration(p.config.RetryInterval)*time.Second),
		func(ctx context.Context, attempt int) error {
			var err error
			result, err = p.client.Checkin(ctx, session)
			if err != nil {
				p.tel.ReportWarning(report_checkin, attempt, err)
				p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
			}
			return err
		},
		func(attempt int, err error) {
			p.notify(ctx, "HDHive check-in retry", fmt.Sprintf(
				"Check-in failed: %s\nRetry %d/%d in %d seconds.",
				err, attempt, p.config.MaxRetries, p.config.RetryInterval,
			))
		},
	)
	if err != nil {
		p.scheduleExtended(ctx, err)
		return err
	}

	days, err := p.streak.Bump(ctx)
	if err != nil {
		p.tel.ReportBroken(report_history, err)
	}

	status := history.StatusSuccess
	if result.Already {
		status = history.StatusAlready
	}
	rec := p.log.New(status, result.Message).With("days", days)
	if result.Points > 0 {
		rec = rec.With("points", result.Points)
	}
	p.appendRecord(ctx, rec)

	err = p.budget.Reset(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
	}
	p.extended.Cancel()

	p.notify(ctx, resultTitle(status), resultText(rec, trigger))
	return nil
}

func (p *Plugin) scheduleExtended(ctx context.Context, cause error) {
	attempt, ok, err := p.budget.Next(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
	}
	if err != nil || !ok {
		p.notify(ctx, "HDHive check-in failed", fmt.Sprintf("Check-in failed: %s\nAll retries failed.", cause))
		return
	}

	delay := time.Duration(p.config.ExtendedDelay) * time.Minute
	at, err := p.extended.Schedule(delay, p.env.Runner(plugin.TriggerRetry))
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
		return
	}
	p.notify(ctx, "HDHive check-in failed", fmt.Sprintf(
		"Check-in failed: %s\nExtended retry %d/%d at %s.",
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

func resultTitle(status history.Status) string {
	if status == history.StatusAlready {
		return "HDHive already checked in"
	}
	return "HDHive check-in succeeded"
}

func extraText(rec history.Record) string {
	points, ok := rec.Extra["points"]
	if !ok {
		points = "-"
	}
	days, ok := rec.Extra["days"]
	if !ok {
		days = "-"
	}
	return fmt.Sprintf("message: %s\nreward: %v\ndays: %v", rec.Message, points, days)
}

func resultText(rec history.Record, trigger plugin.Trigger) string {
	return fmt.Sprintf("time: %s\ntrigger: %s\nstatus: %s\n%s", rec.Date, trigger.Label(), rec.Status, extraText(rec))
}

func repeatText(now string, trigger plugin.Trigger, last history.Record) string {
	text := fmt.Sprintf("time: %s\ntrigger: %s\nstatus: already checked in today (%s)", now, trigger.Label(), last.Date)
	if last.Message != "" {
		text += "\n" + extraText(last)
	}
	return text
}

func (p *Plugin) Page(ctx context.Context) (plugin.Page, error) {
	records, err := p.log.List(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	page := plugin.HistoryPage("HDHive check-in history", records, "points", "days")

	days, err := p.streak.Current(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	page.Summary = append(page.Summary, fmt.Sprintf("streak: %d days", days))
	last, ok, err := p.log.LastSigned(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	if ok {
		page.Summary = append(page.Summary, "last check-in: "+last.Date)
	}
	if p.extended.Pending() {
		page.Summary = append(page.Summary, "extended retry pending")
	}
	return page, nil
}

var _ plugin.Pager = (*Plugin)(nil)
