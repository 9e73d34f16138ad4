package history

import (
	"context"
	"fmt"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/kvstore"
)

const (
	keyLastSuccessDate = "last_success_date"
	keyConsecutiveDays = "consecutive_days"
	dateLayout         = "2006-01-02"
)

// Streak counts consecutive days with a successful sign-in.
type Streak struct {
	ns   kvstore.Namespace
	time chrono.TimeAPI
}

func NewStreak(ns kvstore.Namespace, time chrono.TimeAPI) Streak {
	return Streak{ns: ns, time: time}
}

// NextStreak computes the streak after a success on `today`, given the date
// of the previous success and the streak at that point.
func NextStreak(last string, days int, today time.Time) int {
	prev, err := time.ParseInLocation(dateLayout, last, today.Location())
	if err != nil {
		return 1
	}
	start := chrono.StartOfDay(today)
	switch {
	case prev.Equal(start):
		if days < 1 {
			return 1
		}
		return days
	case prev.Equal(start.AddDate(0, 0, -1)):
		return days + 1
	default:
		return 1
	}
}

// Bump records a success for today and returns the new streak.
func (s Streak) Bump(ctx context.Context) (int, error) {
	last, err := kvstore.Value[string](ctx, s.ns, keyLastSuccessDate)
	if err != nil {
		return 0, err
	}
	days, err := kvstore.Value[int](ctx, s.ns, keyConsecutiveDays)
	if err != nil {
		return 0, err
	}

	now := s.time.Now()
	next := NextStreak(last, days, now)

	err = s.ns.Save(ctx, keyConsecutiveDays, next)
	if err != nil {
		return 0, fmt.Errorf("save streak: %w", err)
	}
	err = s.ns.Save(ctx, keyLastSuccessDate, now.Format(dateLayout))
	if err != nil {
		return 0, fmt.Errorf("save streak: %w", err)
	}
	return next, nil
}

// Current returns the stored streak without changing it.
func (s Streak) Current(ctx context.Context) (int, error) {
	return kvstore.Value[int](ctx, s.ns, keyConsecutiveDays)
}
