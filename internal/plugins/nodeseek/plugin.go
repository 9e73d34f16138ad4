// Package nodeseek signs in to the NodeSeek forum every day to collect its
// chicken leg reward.
package nodeseek

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/kvstore"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/retry"
)

const ID = "nodeseek"

const (
	report_sign        = "sign"
	report_member_info = "member-info"
	report_retry       = "retry"
)

const (
	keyHistory      = "sign_history"
	keyLastSignDate = "last_sign_date"
	keyUserInfo     = "last_user_info"
	keyRetryCount   = "retry_count"
)

type Config struct {
	plugin.BaseConfig
	Cookie       string `json:"cookie"`
	BaseUrl      string `json:"base_url"`
	RandomChoice bool   `json:"random_choice"`
	HistoryDays  int    `json:"history_days"`
	MaxRetries   int    `json:"max_retries"`
	VerifySSL    bool   `json:"verify_ssl"`
	// MinDelay and MaxDelay bound the random wait in seconds before signing.
	MinDelay int    `json:"min_delay"`
	MaxDelay int    `json:"max_delay"`
	MemberID string `json:"member_id"`
}

func DefaultConfig() Config {
	return Config{
		BaseConfig:   plugin.BaseConfig{UseProxy: true},
		BaseUrl:      "https://www.nodeseek.com",
		RandomChoice: true,
		HistoryDays:  30,
		MaxRetries:   3,
		MinDelay:     5,
		MaxDelay:     12,
	}
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config

	client  *Client
	log     history.Log
	budget  retry.Budget
	retries *retry.Rescheduler
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "NodeSeek sign-in" }
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
	p.config.MemberID = strings.TrimSpace(p.config.MemberID)

	opts := env.WebOptions(p.config.BaseUrl, p.config.UseProxy)
	opts.Cookies = p.config.Cookie
	opts.VerifySSL = p.config.VerifySSL
	opts.RequestsPerSecond = p.config.RateLimit
	primary, err := webclient.NewChain(opts, p.tel)
	if err != nil {
		return err
	}
	var alternate *webclient.Chain
	if !env.Web.Proxy.Empty() {
		opts.UseProxy = !opts.UseProxy
		alternate, err = webclient.NewChain(opts, p.tel)
		if err != nil {
			return err
		}
	}

	p.client = NewClient(p.config.BaseUrl, primary, alternate)
	p.log = env.History(keyHistory, history.Policy{RetentionDays: p.config.HistoryDays})
	p.budget = retry.NewBudget(env.Store, keyRetryCount, p.config.MaxRetries)
	p.retries = retry.NewRescheduler(env.Cron, env.Time, "NodeSeek sign-in retry")
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("nodeseek-sign", "NodeSeek sign-in", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

func (p *Plugin) Stop() {
	if p.retries != nil {
		p.retries.Cancel()
	}
}

// signedToday checks the history and the last success date.
func (p *Plugin) signedToday(ctx context.Context) (bool, error) {
	_, signed, err := p.log.SignedToday(ctx)
	if err != nil || signed {
		return signed, err
	}
	last, err := kvstore.Value[string](ctx, p.env.Store, keyLastSignDate)
	if err != nil || last == "" {
		return false, err
	}
	at, err := time.ParseInLocation(history.TimeLayout, last, p.env.Time.Location())
	if err != nil {
		p.tel.ReportWarning(report_sign, "unparseable last sign date", last)
		return false, nil
	}
	return chrono.SameDay(at, p.env.Time.Now()), nil
}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	signed, err := p.signedToday(ctx)
	if err != nil {
		return err
	}
	if signed {
		p.notify(ctx, "NodeSeek already signed in",
			fmt.Sprintf("Already signed in today, skipped.\n%s", p.now()))
		return nil
	}

	if p.config.Cookie == "" {
		err := fmt.Errorf("%w: cookie is not configured", plugin.ErrMissingCredential)
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		p.notify(ctx, "NodeSeek sign-in failed", "No cookie is configured, add one to the plugin config.")
		return err
	}

	if trigger != plugin.TriggerRetry {
		// a fresh run starts a new retry cycle
		p.retries.Cancel()
		err = p.budget.Reset(ctx)
		if err != nil {
			p.tel.ReportBroken(report_retry, err)
		}
	}

	err = chrono.SleepBetween(
		ctx,
		time.Duration(p.config.MinDelay)*time.Second,
		time.Duration(p.config.MaxDelay)*time.Second,
	)
	if err != nil {
		return err
	}

	result, err := p.client.Sign(ctx, p.config.RandomChoice)
	if err != nil {
		p.tel.ReportWarning(report_sign, trigger, err)
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		p.scheduleRetry(ctx, err)
		return err
	}

	status := history.StatusSuccess
	if result.Already {
		status = history.StatusAlready
	}
	p.appendRecord(ctx, p.log.New(status, result.Message))

	err = p.env.Store.Save(ctx, keyLastSignDate, p.now())
	if err != nil {
		p.tel.ReportBroken(report_sign, err)
	}
	err = p.budget.Reset(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
	}
	p.retries.Cancel()

	var member *Member
	if p.config.MemberID != "" {
		info, err := p.client.Member(ctx, p.config.MemberID)
		if err != nil {
			p.tel.ReportWarning(report_member_info, err)
		} else {
			member = &info
			err = p.env.Store.Save(ctx, keyUserInfo, info)
			if err != nil {
				p.tel.ReportBroken(report_member_info, err)
			}
		}
	}

	p.notify(ctx, successTitle(result), successText(status, p.now(), member))
	return nil
}

func (p *Plugin) scheduleRetry(ctx context.Context, cause error) {
	if p.config.MaxRetries <= 0 {
		p.notify(ctx, "NodeSeek sign-in failed", fmt.Sprintf(
			"Sign-in failed: %s\nAutomatic retries are off (max_retries=0).\n%s", cause, p.now(),
		))
		return
	}

	attempt, ok, err := p.budget.Next(ctx)
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
		return
	}
	if !ok {
		p.notify(ctx, "NodeSeek sign-in failed", fmt.Sprintf(
			"Sign-in failed: %s\nReached the maximum of %d retries, giving up for today.\n%s",
			cause, p.config.MaxRetries, p.now(),
		))
		return
	}

	delay := retry.Jitter(5*time.Minute, 15*time.Minute)(attempt)
	_, err = p.retries.Schedule(delay, p.env.Runner(plugin.TriggerRetry))
	if err != nil {
		p.tel.ReportBroken(report_retry, err)
		return
	}
	p.notify(ctx, "NodeSeek sign-in failed", fmt.Sprintf(
		"Sign-in failed: %s\nRetry %d/%d in %d minutes.\n%s",
		cause, attempt, p.config.MaxRetries, int(delay.Round(time.Minute)/time.Minute), p.now(),
	))
}

func (p *Plugin) appendRecord(ctx context.Context, rec history.Record) {
	err := p.log.Append(ctx, rec)
	if err != nil {
		p.tel.ReportBroken(report_sign, "save history", err)
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

func successTitle(result SignResult) string {
	if result.Already {
		return "NodeSeek already signed in"
	}
	return "NodeSeek sign-in succeeded"
}

func successText(status history.Status, at string, member *Member) string {
	var b strings.Builder
	fmt.Fprintf(&b, "time: %s\nstatus: %s\n", at, status)
	if member != nil {
		fmt.Fprintf(&b, "user: %s  rank: %s  coins: %s\n", member.MemberName, member.Rank, member.Coin)
	}
	if status == history.StatusAlready {
		b.WriteString("the account was already signed in today\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (p *Plugin) Page(ctx context.Context) (plugin.Page, error) {
	records, err := p.log.List(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	page := plugin.HistoryPage("NodeSeek sign-in history", records)

	var member Member
	found, err := p.env.Store.Get(ctx, keyUserInfo, &member)
	if err != nil {
		return plugin.Page{}, err
	}
	if found {
		page.Summary = append(page.Summary, fmt.Sprintf(
			"%s (rank %s, %s coins)", member.MemberName, member.Rank, member.Coin,
		))
	}
	if p.retries.Pending() {
		current, err := p.budget.Current(ctx)
		if err == nil {
			page.Summary = append(page.Summary, fmt.Sprintf("retry %d/%d pending", current, p.config.MaxRetries))
		}
	}
	return page, nil
}

var _ plugin.Pager = (*Plugin)(nil)
