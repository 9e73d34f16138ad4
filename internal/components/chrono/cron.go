package chrono

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"signin-bots/internal/components/telemetry"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const report_cron = "cron"

// JobID identifies a job added through a Scheduler.
type JobID string

// Job describes a job that is currently queued.
type Job struct {
	ID    JobID
	Owner string
	Name  string
	Next  time.Time
}

// CronAPI is the interface that anything depending on things to happen on a schedule should use.
type CronAPI interface {
	// Cron runs callback on a standard 5 field crontab spec.
	Cron(name, spec string, callback func()) (JobID, error)
	// Once runs callback a single time at the given time, a time in the past
	// runs as soon as possible.
	Once(name string, at time.Time, callback func()) (JobID, error)
	Remove(id JobID)
	RemoveAll()
	Jobs() []Job
}

// ValidateSpec reports whether spec is a valid standard crontab expression.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

type jobEntry struct {
	entry cron.EntryID
	owner string
	name  string
}

// StandardCron owns the robfig cron runner that every Scheduler shares.
type StandardCron struct {
	cron *cron.Cron
	time TimeAPI

	mutex sync.Mutex
	jobs  map[JobID]jobEntry
}

// NewStandardCron is the constructor of StandardCron, the runner is started immediately.
func NewStandardCron(tel telemetry.API, time TimeAPI) *StandardCron {
	cronner := cron.New(
		cron.WithLogger(cronLogger{tel: tel}),
		cron.WithLocation(time.Location()),
	)
	cronner.Start()

	return &StandardCron{
		cron: cronner,
		time: time,
		jobs: make(map[JobID]jobEntry),
	}
}

// Stop removes every job and stops the runner, it waits for running jobs to finish.
func (s *StandardCron) Stop() {
	s.mutex.Lock()
	for id, job := range s.jobs {
		s.cron.Remove(job.entry)
		delete(s.jobs, id)
	}
	s.mutex.Unlock()

	<-s.cron.Stop().Done()
}

// Scope returns a Scheduler whose jobs are tracked under owner.
func (s *StandardCron) Scope(owner string) *Scheduler {
	return &Scheduler{parent: s, owner: owner}
}

func (s *StandardCron) add(owner, name string, schedule cron.Schedule, callback func(), once bool) JobID {
	id := JobID(uuid.NewString())

	job := cron.FuncJob(callback)
	if once {
		job = func() {
			s.remove(id)
			callback()
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry := s.cron.Schedule(schedule, job)
	s.jobs[id] = jobEntry{entry: entry, owner: owner, name: name}
	return id
}

func (s *StandardCron) remove(id JobID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	s.cron.Remove(job.entry)
	delete(s.jobs, id)
}

func (s *StandardCron) list(owner string) []Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []Job
	for id, job := range s.jobs {
		if owner != "" && job.owner != owner {
			continue
		}
		out = append(out, Job{
			ID:    id,
			Owner: job.owner,
			Name:  job.name,
			Next:  s.cron.Entry(job.entry).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Jobs lists every queued job across all owners.
func (s *StandardCron) Jobs() []Job {
	return s.list("")
}

// onceSchedule fires a single time at `at`.
type onceSchedule struct {
	at time.Time
}

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// Scheduler is a CronAPI whose jobs all belong to a single owner so they can
// be removed together.
type Scheduler struct {
	parent *StandardCron
	owner  string
}

func (s *Scheduler) Cron(name, spec string, callback func()) (JobID, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return s.parent.add(s.owner, name, schedule, callback, false), nil
}

func (s *Scheduler) Once(name string, at time.Time, callback func()) (JobID, error) {
	earliest := s.parent.time.Now().Add(time.Second)
	if at.Before(earliest) {
		at = earliest
	}
	return s.parent.add(s.owner, name, onceSchedule{at: at}, callback, true), nil
}

func (s *Scheduler) Remove(id JobID) {
	s.parent.remove(id)
}

func (s *Scheduler) RemoveAll() {
	for _, job := range s.Jobs() {
		s.parent.remove(job.ID)
	}
}

func (s *Scheduler) Jobs() []Job {
	return s.parent.list(s.owner)
}

// HasJob reports whether a job whose name contains substr is queued.
func HasJob(c CronAPI, substr string) bool {
	for _, job := range c.Jobs() {
		if strings.Contains(job.Name, substr) {
			return true
		}
	}
	return false
}

type cronLogger struct {
	tel telemetry.API
}

func (l cronLogger) formatParams(keysAndValues []any) []any {
	params := []any{}
	for i := 0; i < len(keysAndValues)/2; i++ {
		idx := i * 2
		params = append(params, fmt.Sprintf("%v: %v", keysAndValues[idx], keysAndValues[idx+1]))
	}
	return params
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.tel.ReportDebug(
		fmt.Sprintf("cron: %s", msg),
		l.formatParams(keysAndValues)...,
	)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.tel.ReportBroken(
		report_cron,
		append([]any{fmt.Errorf("%s: %w", msg, err)}, l.formatParams(keysAndValues)...)...,
	)
}
