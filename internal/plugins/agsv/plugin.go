// Package agsv watches the official seeding volume on AGSVPT and tracks
// progress towards the seeding group's retirement date.
package agsv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signin-bots/internal/components/htmlutil"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"

	"github.com/go-resty/resty/v2"
)

const ID = "agsv"

const (
	report_run     = "run"
	report_history = "history"
)

const keyHistory = "seeding_history"

var ErrSiteNotFound = errors.New("site is not configured")

type Config struct {
	plugin.BaseConfig
	Sites []Site `json:"sites"`
	// SiteName is looked up among Sites.
	SiteName       string  `json:"site_name"`
	MinSeedingSize float64 `json:"min_seeding_size"`
	RetirementDays int     `json:"retirement_days"`
	HistoryDays    int     `json:"history_days"`
	StartDate      string  `json:"start_date"`
}

func DefaultConfig() Config {
	return Config{
		BaseConfig:     plugin.BaseConfig{Cron: "0 */6 * * *"},
		SiteName:       "AGSVPT",
		MinSeedingSize: 5.0,
		RetirementDays: 730,
		HistoryDays:    30,
	}
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config
	start  time.Time
	log    history.Log
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "AGSV seeding monitor" }
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
	if p.config.MinSeedingSize < 0 || p.config.RetirementDays < 0 {
		return errors.New("min_seeding_size and retirement_days must not be negative")
	}

	p.start = time.Time{}
	if p.config.StartDate != "" {
		p.start, err = ParseDate(p.config.StartDate, env.Time.Location())
		if err != nil {
			// progress is reported as unknown rather than failing the load
			p.tel.ReportWarning(report_run, "start_date", err)
		}
	}
	p.log = env.History(keyHistory, history.Policy{RetentionDays: p.config.HistoryDays})
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("agsv-seeding", "AGSV seeding check", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

func (p *Plugin) fetch(ctx context.Context, site Site) (Official, error) {
	if site.Url == "" || site.Cookie == "" {
		return Official{}, fmt.Errorf("%w: site %s has no url or cookie", plugin.ErrMissingCredential, site.Name)
	}

	opts := p.env.WebOptions(strings.TrimRight(site.Url, "/"), p.config.UseProxy)
	opts.Cookies = site.Cookie
	opts.RequestsPerSecond = p.config.RateLimit
	if site.UserAgent != "" {
		opts.UserAgent = site.UserAgent
	}
	opts.Headers = map[string]string{
		"accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"accept-language": "zh-CN,zh;q=0.9,en;q=0.8",
		"cache-control":   "no-cache",
		"pragma":          "no-cache",
	}
	chain, err := webclient.NewChain(opts, p.tel)
	if err != nil {
		return Official{}, err
	}

	res, _, err := chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Get("/mybonus.php")
	})
	if err != nil {
		return Official{}, fmt.Errorf("bonus page: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return Official{}, fmt.Errorf("bonus page: status %d", res.StatusCode())
	}
	doc, err := htmlutil.Parse(res.Body())
	if err != nil {
		return Official{}, fmt.Errorf("bonus page: %w", err)
	}
	return ParseBonusPage(doc)
}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	analysis, err := p.check(ctx)
	if err != nil {
		p.tel.ReportWarning(report_run, trigger, err)
		p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
		return err
	}

	rec := p.log.New(history.StatusSuccess, string(analysis.Status)).
		With("site", analysis.Site).
		With("seeding", analysis.Quantity).
		With("seeding_size", analysis.VolumeText).
		With("seeding_size_tb", analysis.VolumeTB).
		With("meets_requirement", analysis.MeetsRequirement).
		With("days_passed", analysis.DaysPassed).
		With("days_to_retirement", analysis.DaysToRetirement).
		With("retirement_progress", analysis.Progress).
		With("can_retire", analysis.CanRetire)
	p.appendRecord(ctx, rec)

	if p.config.Notify {
		p.env.Post(ctx, notify.KindPlugin, "AGSV seeding report", p.report(analysis))
	}
	return nil
}

func (p *Plugin) check(ctx context.Context) (Analysis, error) {
	site, ok := FindSite(p.config.Sites, p.config.SiteName)
	if !ok {
		return Analysis{}, fmt.Errorf("%w: %s", ErrSiteNotFound, p.config.SiteName)
	}
	official, err := p.fetch(ctx, site)
	if err != nil {
		return Analysis{}, err
	}
	return Analyze(site.Name, official, Requirements{
		MinSizeTB:      p.config.MinSeedingSize,
		RetirementDays: p.config.RetirementDays,
		Start:          p.start,
	}, p.env.Time.Now()), nil
}

func (p *Plugin) report(a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "site: %s\n", a.Site)
	fmt.Fprintf(&b, "status: %s\n", a.Status)
	fmt.Fprintf(&b, "official seeds: %d\n", a.Quantity)
	fmt.Fprintf(&b, "official volume: %.1f TB\n", a.VolumeTB)
	fmt.Fprintf(&b, "required: %g TB\n", p.config.MinSeedingSize)
	if !a.MeetsRequirement {
		fmt.Fprintf(&b, "short by: %.1f TB\n", a.Deficit)
	}
	fmt.Fprintf(&b, "retirement progress: %.1f%%\n", a.Progress)
	if a.CanRetire {
		b.WriteString("retirement conditions met")
	} else {
		fmt.Fprintf(&b, "days to retirement: %d", a.DaysToRetirement)
	}
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
	page := plugin.HistoryPage("AGSV seeding history", records, "seeding", "seeding_size_tb", "retirement_progress", "days_to_retirement")
	for _, r := range records {
		if r.Status != history.StatusSuccess {
			continue
		}
		page.Summary = append(page.Summary, fmt.Sprintf("latest: %s, %v official seeds", r.Message, r.Extra["seeding"]))
		break
	}
	return page, nil
}

var _ plugin.Pager = (*Plugin)(nil)
