// Package host loads the sign-in bots, keeps their services scheduled and
// runs them on demand.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"signin-bots/internal/components/assert"
	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/db"
	"signin-bots/internal/components/kvstore"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/plugin"
)

const (
	report_host_load       = "host.load"
	report_host_run        = "host.run"
	report_host_reregister = "host.reregister"
	report_host_record_run = "host.record-run"
	report_host_run_count  = "host.run-count"
)

var (
	ErrNotFound    = errors.New("plugin not found")
	ErrUnsupported = errors.New("plugin does not support this")
	ErrDisabled    = errors.New("plugin is disabled")
)

// runOnceDelay is how long after loading a run_once plugin runs.
const runOnceDelay = 3 * time.Second

// runTimeout caps a single run, retries inside a run count towards it.
const runTimeout = 15 * time.Minute

type Options struct {
	Store   kvstore.Store
	Queries *db.Queries
	Notify  notify.Notifier
	Time    chrono.TimeAPI
	Cron    *chrono.StandardCron
	Tel     telemetry.API
	Web     plugin.WebDefaults
}

type entry struct {
	plugin   plugin.Plugin
	sched    *chrono.Scheduler
	services []chrono.JobID
}

// Host owns the registered plugins.
type Host struct {
	opts Options
	tel  telemetry.API

	mutex   sync.Mutex
	ctx     context.Context
	plugins map[string]*entry
	order   []string
	runs    int64
}

func New(opts Options) *Host {
	assert.NotNil(opts.Queries, "queries")
	assert.NotNil(opts.Notify, "notify")
	assert.NotNil(opts.Time, "time")
	assert.NotNil(opts.Cron, "cron")
	assert.NotNil(opts.Tel, "tel")

	return &Host{
		opts:    opts,
		tel:     telemetry.NewScopedAPI("host", opts.Tel),
		ctx:     context.Background(),
		plugins: map[string]*entry{},
	}
}

// Register adds plugins, a duplicate id panics.
func (h *Host) Register(plugins ...plugin.Plugin) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, p := range plugins {
		id := p.ID()
		assert.NotEmptyStr(id, "plugin id")
		if _, exists := h.plugins[id]; exists {
			panic(fmt.Sprintf("plugin %q registered twice", id))
		}
		h.plugins[id] = &entry{plugin: p, sched: h.opts.Cron.Scope(id)}
		h.order = append(h.order, id)
	}
}

func (h *Host) get(id string) (*entry, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	e, ok := h.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (h *Host) env(id string, e *entry) plugin.Env {
	return plugin.Env{
		Store:  h.opts.Store.Namespace(id),
		Notify: h.opts.Notify,
		Time:   h.opts.Time,
		Cron:   e.sched,
		Tel:    telemetry.NewScopedAPI(id, h.opts.Tel),
		Web:    h.opts.Web,
		Reregister: func() {
			err := h.Reregister(id)
			if err != nil {
				h.tel.ReportBroken(report_host_reregister, id, err)
			}
		},
		Runner: func(trigger plugin.Trigger) func() {
			return func() {
				h.runInBackground(id, trigger, func(ctx context.Context) error {
					return e.plugin.Run(ctx, trigger)
				})
			}
		},
	}
}

// Load initializes every registered plugin with its config block and
// schedules the services of the enabled ones. ctx bounds every run the host
// starts on its own.
func (h *Host) Load(ctx context.Context, configs map[string]json.RawMessage) error {
	h.mutex.Lock()
	h.ctx = ctx
	order := append([]string(nil), h.order...)
	h.mutex.Unlock()

	var errs []error
	for _, id := range order {
		e, err := h.get(id)
		if err != nil {
			return err
		}

		err = e.plugin.Init(ctx, h.env(id, e), configs[id])
		if err != nil {
			h.tel.ReportBroken(report_host_load, id, err)
			errs = append(errs, fmt.Errorf("init %s: %w", id, err))
			continue
		}
		if !e.plugin.Enabled() {
			continue
		}

		err = h.Reregister(id)
		if err != nil {
			h.tel.ReportBroken(report_host_load, id, err)
			errs = append(errs, fmt.Errorf("schedule %s: %w", id, err))
			continue
		}

		if e.plugin.RunOnce() {
			_, err = e.sched.Once(fmt.Sprintf("%s run once", id), h.opts.Time.Now().Add(runOnceDelay), func() {
				h.runInBackground(id, plugin.TriggerOnce, func(ctx context.Context) error {
					return e.plugin.Run(ctx, plugin.TriggerOnce)
				})
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("run once %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Reregister replaces the plugin's service jobs with what Services returns now.
func (h *Host) Reregister(id string) error {
	e, err := h.get(id)
	if err != nil {
		return err
	}

	var services []plugin.Service
	if e.plugin.Enabled() {
		services = e.plugin.Services()
	}
	// a bad spec leaves the current jobs in place
	for _, svc := range services {
		if svc.Cron == "" {
			continue
		}
		err = chrono.ValidateSpec(svc.Cron)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.ID, err)
		}
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, job := range e.services {
		e.sched.Remove(job)
	}
	e.services = nil

	for _, svc := range services {
		svc := svc
		run := func() {
			h.runInBackground(id, plugin.TriggerScheduled, svc.Run)
		}

		var job chrono.JobID
		switch {
		case svc.Cron != "":
			job, err = e.sched.Cron(svc.Name, svc.Cron, run)
		case !svc.At.IsZero():
			job, err = e.sched.Once(svc.Name, svc.At, run)
		default:
			err = fmt.Errorf("service %s has neither a cron spec nor a date", svc.ID)
		}
		if err != nil {
			return err
		}
		e.services = append(e.services, job)
	}
	return nil
}

func (h *Host) runInBackground(id string, trigger plugin.Trigger, run func(ctx context.Context) error) {
	h.mutex.Lock()
	parent := h.ctx
	h.mutex.Unlock()

	err := h.record(parent, id, trigger, run)
	if err != nil {
		h.tel.ReportBroken(report_host_run, id, trigger, err)
	}
}

func (h *Host) record(parent context.Context, id string, trigger plugin.Trigger, run func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, runTimeout)
	defer cancel()

	started := h.opts.Time.Now()
	runErr := run(ctx)
	finished := h.opts.Time.Now()

	h.mutex.Lock()
	h.runs++
	runs := h.runs
	h.mutex.Unlock()
	h.tel.ReportCount(report_host_run_count, runs)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	err := h.opts.Queries.CreatePluginRun(context.WithoutCancel(ctx), db.CreatePluginRunParams{
		Plugin:     id,
		Trigger:    string(trigger),
		StartedAt:  started.Unix(),
		FinishedAt: finished.Unix(),
		Error:      errText,
	})
	if err != nil {
		h.tel.ReportBroken(report_host_record_run, id, err)
	}
	return runErr
}

// Trigger runs a plugin right away and waits for it to finish.
func (h *Host) Trigger(ctx context.Context, id string, trigger plugin.Trigger) error {
	e, err := h.get(id)
	if err != nil {
		return err
	}
	if !e.plugin.Enabled() {
		return fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	return h.record(ctx, id, trigger, func(ctx context.Context) error {
		return e.plugin.Run(ctx, trigger)
	})
}

// Page renders a plugin's page.
func (h *Host) Page(ctx context.Context, id string) (plugin.Page, error) {
	e, err := h.get(id)
	if err != nil {
		return plugin.Page{}, err
	}
	pager, ok := e.plugin.(plugin.Pager)
	if !ok {
		return plugin.Page{}, fmt.Errorf("%w: page", ErrUnsupported)
	}
	return pager.Page(ctx)
}

// Command sends a chat-style command to a plugin.
func (h *Host) Command(ctx context.Context, id string, args []string) (string, error) {
	e, err := h.get(id)
	if err != nil {
		return "", err
	}
	commander, ok := e.plugin.(plugin.Commander)
	if !ok {
		return "", fmt.Errorf("%w: commands", ErrUnsupported)
	}
	return commander.Command(ctx, args)
}

type Run struct {
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Runs lists the most recent runs of a plugin.
func (h *Host) Runs(ctx context.Context, id string, limit int) ([]Run, error) {
	if _, err := h.get(id); err != nil {
		return nil, err
	}
	rows, err := h.opts.Queries.ListPluginRuns(ctx, db.ListPluginRunsParams{
		Plugin: id,
		Limit:  int64(limit),
	})
	if err != nil {
		return nil, err
	}
	loc := h.opts.Time.Location()
	out := make([]Run, len(rows))
	for i, r := range rows {
		out[i] = Run{
			Trigger:    r.Trigger,
			StartedAt:  time.Unix(r.StartedAt, 0).In(loc),
			FinishedAt: time.Unix(r.FinishedAt, 0).In(loc),
			Error:      r.Error,
		}
	}
	return out, nil
}

type Info struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	Jobs    []chrono.Job `json:"jobs"`
}

// Plugins describes every registered plugin in registration order.
func (h *Host) Plugins() []Info {
	h.mutex.Lock()
	order := append([]string(nil), h.order...)
	h.mutex.Unlock()

	out := make([]Info, 0, len(order))
	for _, id := range order {
		e, err := h.get(id)
		if err != nil {
			continue
		}
		out = append(out, Info{
			ID:      id,
			Name:    e.plugin.Name(),
			Enabled: e.plugin.Enabled(),
			Jobs:    e.sched.Jobs(),
		})
	}
	return out
}

// Stop stops every plugin and removes all of their jobs.
func (h *Host) Stop() {
	h.mutex.Lock()
	entries := make([]*entry, 0, len(h.plugins))
	for _, id := range h.order {
		entries = append(entries, h.plugins[id])
	}
	h.mutex.Unlock()

	for _, e := range entries {
		e.plugin.Stop()
		e.sched.RemoveAll()
	}

	h.mutex.Lock()
	for _, e := range entries {
		e.services = nil
	}
	h.mutex.Unlock()
}
