// Package history keeps the per-plugin list of run records.
package history

import (
	"context"
	"sort"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/kvstore"
)

// TimeLayout is how record dates are stored and shown.
const TimeLayout = "2006-01-02 15:04:05"

type Status string

const (
	StatusSuccess Status = "success"
	StatusAlready Status = "already_signed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Signed reports whether the status means the account is signed in for the day.
func (s Status) Signed() bool {
	return s == StatusSuccess || s == StatusAlready
}

// RetryInfo is attached to failure records of plugins that reschedule.
type RetryInfo struct {
	Enabled  bool   `json:"enabled"`
	Current  int    `json:"current"`
	Max      int    `json:"max"`
	Interval string `json:"interval"`
}

type Record struct {
	Date    string         `json:"date"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
	Retry   *RetryInfo     `json:"retry,omitempty"`
}

// Time parses Date in loc.
func (r Record) Time(loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation(TimeLayout, r.Date, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// With returns r with key set in Extra.
func (r Record) With(key string, value any) Record {
	extra := make(map[string]any, len(r.Extra)+1)
	for k, v := range r.Extra {
		extra[k] = v
	}
	extra[key] = value
	r.Extra = extra
	return r
}

// Policy decides which records survive an append. A zero field is not enforced.
type Policy struct {
	// RetentionDays drops records whose age in whole days is >= RetentionDays.
	RetentionDays int
	// MaxCount keeps only the newest MaxCount records.
	MaxCount int
}

// Prune applies policy to records, returning them oldest first. Records with
// a date that does not parse are kept and re-stamped with now.
func Prune(records []Record, now time.Time, policy Policy) []Record {
	type dated struct {
		record Record
		at     time.Time
	}

	kept := make([]dated, 0, len(records))
	for _, r := range records {
		at, ok := r.Time(now.Location())
		if !ok {
			at = now
			r.Date = now.Format(TimeLayout)
		}
		if policy.RetentionDays > 0 && now.Sub(at) >= time.Duration(policy.RetentionDays)*24*time.Hour {
			continue
		}
		kept = append(kept, dated{record: r, at: at})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].at.Before(kept[j].at)
	})
	if policy.MaxCount > 0 && len(kept) > policy.MaxCount {
		kept = kept[len(kept)-policy.MaxCount:]
	}

	out := make([]Record, len(kept))
	for i, d := range kept {
		out[i] = d.record
	}
	return out
}

// Log is a plugin's history list stored under one key.
type Log struct {
	ns     kvstore.Namespace
	key    string
	time   chrono.TimeAPI
	policy Policy
}

func NewLog(ns kvstore.Namespace, key string, time chrono.TimeAPI, policy Policy) Log {
	return Log{ns: ns, key: key, time: time, policy: policy}
}

// New returns a record stamped with the current time.
func (l Log) New(status Status, message string) Record {
	return Record{
		Date:    l.time.Now().Format(TimeLayout),
		Status:  status,
		Message: message,
	}
}

// Append stores rec and prunes the list.
func (l Log) Append(ctx context.Context, rec Record) error {
	now := l.time.Now()
	return kvstore.UpdateIn(ctx, l.ns, l.key, func(current []Record, _ bool) ([]Record, error) {
		return Prune(append(current, rec), now, l.policy), nil
	})
}

// List returns the stored records, newest first.
func (l Log) List(ctx context.Context) ([]Record, error) {
	records, err := kvstore.Value[[]Record](ctx, l.ns, l.key)
	if err != nil {
		return nil, err
	}
	loc := l.time.Location()
	sort.SliceStable(records, func(i, j int) bool {
		a, _ := records[i].Time(loc)
		b, _ := records[j].Time(loc)
		return a.After(b)
	})
	return records, nil
}

// SignedToday returns the newest record from today whose status is Signed.
func (l Log) SignedToday(ctx context.Context) (Record, bool, error) {
	records, err := l.List(ctx)
	if err != nil {
		return Record{}, false, err
	}
	now := l.time.Now()
	for _, r := range records {
		at, ok := r.Time(now.Location())
		if !ok || !chrono.SameDay(now, at) {
			continue
		}
		if r.Status.Signed() {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// LastSigned returns the newest record whose status is Signed.
func (l Log) LastSigned(ctx context.Context) (Record, bool, error) {
	records, err := l.List(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range records {
		if r.Status.Signed() {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}
