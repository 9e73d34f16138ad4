// Package xiaomi monitors a Xiaomi router and manages its port forwards.
package xiaomi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
)

const ID = "xiaomi"

const (
	report_run     = "run"
	report_history = "history"
	report_store   = "store"
)

const (
	keyHistory      = "status_history"
	keyLastStatus   = "last_status"
	keyPortForwards = "last_pf_list"
)

// Rule is a port forward as written in the config.
type Rule struct {
	Name     string `json:"name"`
	Proto    string `json:"proto"`
	SrcPort  int    `json:"sport"`
	IP       string `json:"ip"`
	DestPort int    `json:"dport"`
}

func (r Rule) PortForward() PortForward {
	return PortForward{
		Name:     r.Name,
		Proto:    ParseProto(r.Proto),
		SrcPort:  r.SrcPort,
		DestIP:   r.IP,
		DestPort: r.DestPort,
	}
}

type Config struct {
	plugin.BaseConfig
	// RouterIP may also be a full base url.
	RouterIP     string `json:"router_ip"`
	Password     string `json:"password"`
	HistoryCount int    `json:"history_count"`

	// PfAdd and PfDelPort are applied on run-once runs when their switch is on.
	PfAdd     Rule `json:"pf_add"`
	PfAddRun  bool `json:"pf_add_run"`
	PfDelPort int  `json:"pf_del_port"`
	PfDelRun  bool `json:"pf_del_run"`

	// Quick is the rule the q command toggles.
	Quick Rule `json:"quick"`
}

func DefaultConfig() Config {
	return Config{
		BaseConfig:   plugin.BaseConfig{Cron: "0 */6 * * *"},
		HistoryCount: 50,
	}
}

func (c Config) baseUrl() string {
	if strings.Contains(c.RouterIP, "://") {
		return strings.TrimRight(c.RouterIP, "/")
	}
	return "http://" + strings.TrimRight(c.RouterIP, "/")
}

type Plugin struct {
	env    plugin.Env
	tel    telemetry.API
	config Config
	log    history.Log

	// mutex serializes access to the router session.
	mutex  sync.Mutex
	client *Client
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) ID() string    { return ID }
func (p *Plugin) Name() string  { return "Xiaomi router monitor" }
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

	// the router is on the local network, the proxy never applies
	opts := env.WebOptions(p.config.baseUrl(), false)
	opts.Timeout = 10 * time.Second
	p.client, err = NewClient(opts, p.tel)
	if err != nil {
		return err
	}
	p.log = env.History(keyHistory, history.Policy{MaxCount: p.config.HistoryCount})
	return nil
}

func (p *Plugin) Services() []plugin.Service {
	return plugin.CronService("xiaomi-status", "Xiaomi router status", p.config.Cron, func(ctx context.Context) error {
		return p.Run(ctx, plugin.TriggerScheduled)
	})
}

func (p *Plugin) login(ctx context.Context) error {
	if p.config.RouterIP == "" || p.config.Password == "" {
		return fmt.Errorf("%w: router_ip and password are required", plugin.ErrMissingCredential)
	}
	return p.client.Login(ctx, p.config.Password, p.env.Time.Now())
}

// session runs fn with a logged in client, logging in again once when the
// token has gone stale. The caller holds p.mutex.
func (p *Plugin) session(ctx context.Context, fn func() error) error {
	if !p.client.LoggedIn() {
		err := p.login(ctx)
		if err != nil {
			return err
		}
	}
	err := fn()
	if !errors.Is(err, ErrNotLoggedIn) {
		return err
	}
	err = p.login(ctx)
	if err != nil {
		return err
	}
	return fn()
}

func (p *Plugin) Run(ctx context.Context, trigger plugin.Trigger) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// a scheduled refresh always starts from a fresh login
	err := p.login(ctx)
	if err != nil {
		return p.fail(ctx, trigger, err)
	}

	var changes []string
	if trigger == plugin.TriggerOnce {
		changes = p.applyOnce(ctx)
	}

	forwards, listErr := p.client.PortForwards(ctx)
	if listErr != nil {
		p.tel.ReportWarning(report_run, "port forwards", listErr)
	} else {
		p.save(ctx, keyPortForwards, forwards)
	}

	status, err := p.client.Status(ctx)
	if err != nil {
		return p.fail(ctx, trigger, err)
	}
	p.save(ctx, keyLastStatus, status)

	rec := p.log.New(history.StatusSuccess, fmt.Sprintf("%d devices online", status.OnlineCount)).
		With("online_count", status.OnlineCount).
		With("download_speed", FormatSpeed(status.DownSpeed)).
		With("upload_speed", FormatSpeed(status.UpSpeed)).
		With("uptime", FormatUptime(status.Uptime))
	p.appendRecord(ctx, rec)

	if p.config.Notify {
		if len(changes) > 0 {
			p.env.Post(ctx, notify.KindPlugin, "Router port forward changes", strings.Join(changes, "\n"))
		}
		text := strings.Join(status.Lines(), "\n")
		if listErr == nil {
			text += "\n\n" + summarize(forwards)
		}
		p.env.Post(ctx, notify.KindPlugin, "Router status", text)
	}
	return nil
}

func (p *Plugin) fail(ctx context.Context, trigger plugin.Trigger, err error) error {
	p.tel.ReportWarning(report_run, trigger, err)
	p.appendRecord(ctx, p.log.New(history.StatusFailed, err.Error()))
	if p.config.Notify {
		p.env.Post(ctx, notify.KindPlugin, "Router status failed", err.Error())
	}
	return err
}

// applyOnce performs the configured one-off delete and add, deletes first.
func (p *Plugin) applyOnce(ctx context.Context) []string {
	var out []string
	if p.config.PfDelRun && p.config.PfDelPort > 0 {
		proto, err := p.deletePort(ctx, p.config.PfDelPort)
		out = append(out, outcome(fmt.Sprintf("delete port %d (%s)", p.config.PfDelPort, proto), err))
	}
	rule := p.config.PfAdd.PortForward()
	if p.config.PfAddRun && rule.Valid() {
		err := p.client.AddPortForward(ctx, rule)
		out = append(out, outcome(fmt.Sprintf("add %s %s", rule.Name, rule), err))
	}
	return out
}

func outcome(action string, err error) string {
	if err != nil {
		return fmt.Sprintf("%s failed: %s", action, err)
	}
	return action + " succeeded"
}

// find returns the forward on port, if any.
func (p *Plugin) find(ctx context.Context, port int) (PortForward, bool, error) {
	forwards, err := p.client.PortForwards(ctx)
	if err != nil {
		return PortForward{}, false, err
	}
	for _, f := range forwards {
		if f.SrcPort == port {
			return f, true, nil
		}
	}
	return PortForward{}, false, nil
}

// deletePort removes the forward on port, the protocol is taken from the
// current list and falls back to both.
func (p *Plugin) deletePort(ctx context.Context, port int) (Proto, error) {
	proto := ProtoBoth
	existing, ok, err := p.find(ctx, port)
	if err != nil {
		return proto, err
	}
	if ok {
		proto = existing.Proto
	}
	return proto, p.client.DeletePortForward(ctx, port, proto)
}

func summarize(forwards []PortForward) string {
	if len(forwards) == 0 {
		return "no port forwards"
	}
	lines := make([]string, 0, len(forwards)+1)
	lines = append(lines, "port forwards:")
	for _, f := range forwards {
		lines = append(lines, f.String())
	}
	return strings.Join(lines, "\n")
}

func (p *Plugin) save(ctx context.Context, key string, value any) {
	err := p.env.Store.Save(ctx, key, value)
	if err != nil {
		p.tel.ReportBroken(report_store, key, err)
	}
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
	page := plugin.HistoryPage("Xiaomi router status", records, "online_count", "download_speed", "upload_speed", "uptime")

	var status Status
	found, err := p.env.Store.Get(ctx, keyLastStatus, &status)
	if err != nil {
		return plugin.Page{}, err
	}
	if found {
		page.Summary = append(page.Summary, status.Lines()...)
	}
	var forwards []PortForward
	_, err = p.env.Store.Get(ctx, keyPortForwards, &forwards)
	if err != nil {
		return plugin.Page{}, err
	}
	page.Summary = append(page.Summary, strings.Split(summarize(forwards), "\n")...)
	return page, nil
}

const usage = `commands:
list - show the port forwards
add <name> <tcp|udp|both> <external port> <lan ip> <internal port> - add a port forward
del <port> - delete the port forward on port, the protocol is looked up
q - toggle the preset rule, deleting it when present and adding it otherwise
help - show this help`

func badCommand(format string, args ...any) error {
	return fmt.Errorf("%w: %s", plugin.ErrBadCommand, fmt.Sprintf(format, args...))
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, badCommand("invalid port %q", s)
	}
	return port, nil
}

// Command handles list, add, del, q and help.
func (p *Plugin) Command(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", badCommand("no command given\n%s", usage)
	}

	switch strings.ToLower(args[0]) {
	case "help":
		return usage, nil
	case "list":
		var forwards []PortForward
		err := p.locked(ctx, func() (err error) {
			forwards, err = p.client.PortForwards(ctx)
			return err
		})
		if err != nil {
			return "", err
		}
		return summarize(forwards), nil
	case "add":
		if len(args) < 6 {
			return "", badCommand("add needs name, protocol, external port, lan ip and internal port")
		}
		sport, err := parsePort(args[3])
		if err != nil {
			return "", err
		}
		dport, err := parsePort(args[5])
		if err != nil {
			return "", err
		}
		rule := PortForward{Name: args[1], Proto: ParseProto(args[2]), SrcPort: sport, DestIP: args[4], DestPort: dport}
		return p.change(ctx, fmt.Sprintf("add %s %s", rule.Name, rule), func() error {
			return p.client.AddPortForward(ctx, rule)
		})
	case "del":
		if len(args) < 2 {
			return "", badCommand("del needs a port")
		}
		port, err := parsePort(args[1])
		if err != nil {
			return "", err
		}
		return p.change(ctx, fmt.Sprintf("delete port %d", port), func() error {
			_, err := p.deletePort(ctx, port)
			return err
		})
	case "q":
		return p.toggleQuick(ctx)
	default:
		return "", badCommand("unknown command %q\n%s", args[0], usage)
	}
}

func (p *Plugin) locked(ctx context.Context, fn func() error) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.session(ctx, fn)
}

// change applies fn and reports the outcome with the refreshed list. A
// session lost while listing only repeats the listing.
func (p *Plugin) change(ctx context.Context, action string, fn func() error) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	err := p.session(ctx, fn)
	if err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	var forwards []PortForward
	err = p.session(ctx, func() error {
		forwards, err = p.client.PortForwards(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	p.save(ctx, keyPortForwards, forwards)
	return action + " succeeded\n" + summarize(forwards), nil
}

func (p *Plugin) toggleQuick(ctx context.Context) (string, error) {
	rule := p.config.Quick.PortForward()
	if !rule.Valid() {
		return "", badCommand("the quick rule is not fully configured")
	}

	var action string
	out, err := p.change(ctx, "toggle "+rule.Name, func() error {
		_, present, err := p.find(ctx, rule.SrcPort)
		if err != nil {
			return err
		}
		if present {
			action = fmt.Sprintf("deleted port %d", rule.SrcPort)
			_, err = p.deletePort(ctx, rule.SrcPort)
			return err
		}
		action = fmt.Sprintf("added %s", rule)
		return p.client.AddPortForward(ctx, rule)
	})
	if err != nil {
		return "", err
	}
	return action + "\n" + out, nil
}

var (
	_ plugin.Pager         = (*Plugin)(nil)
	_ plugin.Commander     = (*Plugin)(nil)
	_ plugin.RouteProvider = (*Plugin)(nil)
)
