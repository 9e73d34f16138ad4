// Package zhuque runs the daily chores of the Zhuque tracker's character
// game: releasing skills for bonus and levelling characters up.
package zhuque

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"signin-bots/internal/components/kvstore"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
)

const ID = "zhuque"

const (
	report_run     = "run"
	report_history = "history"
)

const (
	keyHistory     = "sign_dict"
	keyMinNextTime = "min_next_time"
)

type Config struct {
	plugin.BaseConfig
	Cookie       string `json:"cookie"`
	BaseUrl      string `json:"base_url"`
	HistoryCount int    `json:"history_count"`
	LevelUp      bool   `json:"level_up"`
	SkillRelease bool   `json:"skill_release"`
	TargetLevel  int    `json:"target_level"`
}

func DefaultConfig() Config {
	return Config{
		BaseUrl:      "https://zhuque.in",
		HistoryCount: 10,
		TargetLevel:  79,
	}
}

// Results is what the chores did this run.
type Results struct {
	SkillReleased bool
	SkillBonus    float64
	SkillError    error

	LeveledUp    bool
	LevelLimited bool
	LevelError   error
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config
	chain  *webclient.Chain
	log    history.Log

	mutex       sync.Mutex
	nextRelease time.Time
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "Zhuque helper" }
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
	p.chain, err = webclient.NewChain(opts, p.tel)
	if err != nil {
		return err
	}
	p.log = env.History(keyHistory, history.Policy{MaxCount: p.config.HistoryCount})

	next, err := kvstore.Value[int64](ctx, env.Store, keyMinNextTime)
	if err != nil {
		return err
	}
	if next > 0 {
		p.nextRelease = time.Unix(next, 0).In(env.Time.Location())
	}
	return nil
}

// Services follows the next skill release when releasing is on and the time
// is known, the cron spec otherwise.
func (p *Plugin) Services() []plugin.Service {
	run := func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	}

	p.mutex.Lock()
	next := p.nextRelease
	p.mutex.Unlock()

	if p.config.SkillRelease && next.After(p.env.Time.Now()) {
		return []plugin.Service{{
			ID:   "zhuque-helper",
			Name: "Zhuque helper (skill release)",
			At:   next,
			Run:  run,
		}}
	}
	return plugin.CronService("zhuque-helper", "Zhuque helper", p.config.Cron, run)
}

func (p *Plugin) Stop() {}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	// the date trigger is spent after every run, whatever the outcome
	defer p.env.Reregister()

	if p.config.Cookie == "" {
		err := fmt.Errorf("%w: cookie is not configured", plugin.ErrMissingCredential)
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		return err
	}

	rec, report, err := p.chores(ctx)
	if err != nil {
		p.tel.ReportWarning(report_run, trigger, err)
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		return err
	}
	p.appendRecord(ctx, rec)

	if p.config.Notify {
		p.env.Post(ctx, notify.KindSiteMessage, "Zhuque helper finished", report)
	}
	return nil
}

func (p *Plugin) chores(ctx context.Context) (history.Record, string, error) {
	client := NewClient(p.chain)
	err := client.Start(ctx)
	if err != nil {
		return history.Record{}, "", err
	}
	username, err := client.Username(ctx)
	if err != nil {
		return history.Record{}, "", err
	}
	_, err = client.Summary(ctx, p.env.Time.Now())
	if err != nil {
		return history.Record{}, "", err
	}

	var results Results
	if p.config.SkillRelease {
		results.SkillBonus, results.SkillError = client.FireMagic(ctx)
		results.SkillReleased = results.SkillError == nil
	}
	if p.config.LevelUp {
		results.LevelLimited, results.LevelError = client.Train(ctx, p.config.TargetLevel)
		results.LeveledUp = results.LevelError == nil
	}

	summary, err := client.Summary(ctx, p.env.Time.Now())
	if err != nil {
		return history.Record{}, "", err
	}
	p.setNextRelease(ctx, summary.NextRelease)

	rec := p.log.New(history.StatusSuccess, "").
		With("username", username).
		With("bonus", summary.Bonus).
		With("min_level", summary.MinLevel).
		With("skill_release_bonus", results.SkillBonus)
	return rec, p.report(results, summary), nil
}

func (p *Plugin) setNextRelease(ctx context.Context, next time.Time) {
	p.mutex.Lock()
	p.nextRelease = next
	p.mutex.Unlock()

	var unix int64
	if !next.IsZero() {
		unix = next.Unix()
	}
	err := p.env.Store.Save(ctx, keyMinNextTime, unix)
	if err != nil {
		p.tel.ReportBroken(report_run, err)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (p *Plugin) report(results Results, summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "skill release: %s\n", onOff(p.config.SkillRelease))
	if p.config.SkillRelease {
		if results.SkillReleased {
			fmt.Fprintf(&b, "released, earned %g bonus\n", results.SkillBonus)
		} else {
			fmt.Fprintf(&b, "failed: %s\n", results.SkillError)
		}
		if !summary.NextRelease.IsZero() {
			fmt.Fprintf(&b, "next release: %s\n", summary.NextRelease.Format(history.TimeLayout))
		}
	}
	fmt.Fprintf(&b, "level up: %s\n", onOff(p.config.LevelUp))
	if p.config.LevelUp {
		switch {
		case results.LevelError != nil:
			fmt.Fprintf(&b, "failed: %s\n", results.LevelError)
		case results.LevelLimited:
			b.WriteString("limited by the bonus balance\n")
		default:
			b.WriteString("levelled up\n")
		}
	}
	fmt.Fprintf(&b, "lowest character level: %d\n", summary.MinLevel)
	fmt.Fprintf(&b, "bonus balance: %g", summary.Bonus)
	return b.String()
}

func (p *Plugin) appendRecord(ctx context.Context, rec history.Record) {
	err := p.log.Append(ctx, rec)
	if err != nil {
		p.tel.ReportBroken(report_history, err)
	}
}

func (p *Plugin) Page(ctx context.Context) (plugin.Page, error) {
	records, err := p.log.List(ctx)
	if err != nil {
		return plugin.Page{}, err
	}
	page := plugin.HistoryPage("Zhuque helper history", records, "username", "bonus", "min_level", "skill_release_bonus")

	p.mutex.Lock()
	next := p.nextRelease
	p.mutex.Unlock()
	if !next.IsZero() {
		page.Summary = append(page.Summary, "next skill release: "+next.Format(history.TimeLayout))
	}
	return page, nil
}

var _ plugin.Pager = (*Plugin)(nil)
