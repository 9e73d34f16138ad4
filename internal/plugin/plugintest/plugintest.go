// Package plugintest builds a plugin.Env backed by an in-memory database, a
// fake clock and recording notifiers.
package plugintest

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/db"
	"signin-bots/internal/components/kvstore"
	"signin-bots/internal/components/notify"
	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/plugin"

	_ "modernc.org/sqlite"
)

// Start is the time the fake clock starts at, a morning in the default timezone.
var Start = time.Date(2024, 5, 1, 9, 0, 0, 0, mustLocation(chrono.DefaultTimezone))

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

type Harness struct {
	Env    plugin.Env
	Time   *chrono.FakeTime
	Cron   *chrono.StandardCron
	Notify *notify.Recorder
	Tel    *telemetry.RecordingAPI

	mutex       sync.Mutex
	triggers    []plugin.Trigger
	reregisters int
}

// New returns a harness for the plugin id, everything is torn down with t.
func New(t testing.TB, id string) *Harness {
	t.Helper()

	sqlite, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	sqlite.SetMaxOpenConns(1)
	_, err = sqlite.Exec(db.Schema)
	if err != nil {
		t.Fatal(err)
	}

	clock := chrono.NewFakeTime(Start)
	tel := &telemetry.RecordingAPI{}
	runner := chrono.NewStandardCron(tel, clock)
	t.Cleanup(func() {
		runner.Stop()
		sqlite.Close()
	})

	h := &Harness{
		Time:   clock,
		Cron:   runner,
		Notify: &notify.Recorder{},
		Tel:    tel,
	}
	h.Env = plugin.Env{
		Store:  kvstore.NewStore(sqlite, clock).Namespace(id),
		Notify: h.Notify,
		Time:   clock,
		Cron:   runner.Scope(id),
		Tel:    tel,
		Reregister: func() {
			h.mutex.Lock()
			h.reregisters++
			h.mutex.Unlock()
		},
		Runner: func(trigger plugin.Trigger) func() {
			return func() {
				h.mutex.Lock()
				h.triggers = append(h.triggers, trigger)
				h.mutex.Unlock()
			}
		},
	}
	return h
}

// Triggers lists the runs started through Env.Runner callbacks.
func (h *Harness) Triggers() []plugin.Trigger {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]plugin.Trigger(nil), h.triggers...)
}

// Reregisters counts the calls to Env.Reregister.
func (h *Harness) Reregisters() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.reregisters
}

// Titles returns the titles of the posted notifications in order.
func (h *Harness) Titles() []string {
	var out []string
	for _, msg := range h.Notify.Messages() {
		out = append(out, msg.Title)
	}
	return out
}
