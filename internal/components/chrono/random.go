package chrono

import (
	"context"
	"time"

	random "github.com/mazen160/go-random"
)

// RandomBetween picks a random duration in [min, max] with millisecond resolution.
func RandomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	ms, err := random.IntRange(int(min.Milliseconds()), int(max.Milliseconds()))
	if err != nil {
		return min
	}
	return time.Duration(ms) * time.Millisecond
}

// SleepBetween sleeps a random duration between min and max.
func SleepBetween(ctx context.Context, min, max time.Duration) error {
	return Sleep(ctx, RandomBetween(min, max))
}
