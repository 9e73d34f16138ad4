package chrono

import (
	"context"
	"sync"
	"time"
)

// DefaultTimezone is the zone the sign-in sites count their days in.
const DefaultTimezone = "Asia/Shanghai"

// TimeAPI is the interface that anything depending on the system clock should use.
type TimeAPI interface {
	// Now returns the current time in Location.
	Now() time.Time
	Location() *time.Location
}

// StandardTime is the standard implementation of TimeAPI using the standard library.
type StandardTime struct {
	location *time.Location
}

// NewStandardTime is the constructor of StandardTime, an empty timezone means DefaultTimezone.
func NewStandardTime(timezone string) (StandardTime, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return StandardTime{}, err
	}
	return StandardTime{location: location}, nil
}

func (s StandardTime) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardTime) Location() *time.Location {
	return s.location
}

// FakeTime is a TimeAPI whose clock only moves when told to.
type FakeTime struct {
	mutex sync.Mutex
	now   time.Time
}

func NewFakeTime(now time.Time) *FakeTime {
	return &FakeTime{now: now}
}

func (f *FakeTime) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now
}

func (f *FakeTime) Location() *time.Location {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now.Location()
}

func (f *FakeTime) Set(now time.Time) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.now = now
}

func (f *FakeTime) Advance(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.now = f.now.Add(d)
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar day in a's location.
func SameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
