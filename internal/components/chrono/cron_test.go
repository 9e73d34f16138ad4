package chrono

import (
	"testing"
	"time"

	"signin-bots/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	sched := onceSchedule{at: at}

	require.Equal(t, at, sched.Next(at.Add(-time.Minute)))
	require.True(t, sched.Next(at).IsZero())
	require.True(t, sched.Next(at.Add(time.Minute)).IsZero())
}

func TestValidateSpec(t *testing.T) {
	require.NoError(t, ValidateSpec("0 9 * * *"))
	require.NoError(t, ValidateSpec("*/5 * * * *"))
	require.NoError(t, ValidateSpec("@daily"))
	require.Error(t, ValidateSpec("0 9 * *"))
	require.Error(t, ValidateSpec("not a cron"))
}

func TestSchedulerOnce(t *testing.T) {
	clock, err := NewStandardTime("UTC")
	require.NoError(t, err)
	runner := NewStandardCron(telemetry.SlogAPI{}, clock)
	defer runner.Stop()

	sched := runner.Scope("nodeseek")
	other := runner.Scope("hdhive")

	fired := make(chan struct{}, 1)
	_, err = sched.Once("retry", clock.Now(), func() {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	_, err = other.Cron("daily", "0 9 * * *", func() {})
	require.NoError(t, err)

	require.Len(t, sched.Jobs(), 1)
	require.True(t, HasJob(sched, "retry"))
	require.False(t, HasJob(other, "retry"))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot job did not fire")
	}

	require.Eventually(t, func() bool {
		return len(sched.Jobs()) == 0
	}, time.Second, 10*time.Millisecond)
	require.Len(t, other.Jobs(), 1)

	other.RemoveAll()
	require.Len(t, runner.Jobs(), 0)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	clock, err := NewStandardTime("UTC")
	require.NoError(t, err)
	runner := NewStandardCron(telemetry.SlogAPI{}, clock)
	defer runner.Stop()

	_, err = runner.Scope("x").Cron("bad", "61 * * * *", func() {})
	require.Error(t, err)
}

func TestSameDay(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	a := time.Date(2024, 5, 1, 0, 30, 0, 0, loc)
	b := time.Date(2024, 4, 30, 16, 30, 0, 0, time.UTC)
	require.True(t, SameDay(a, b))
	require.False(t, SameDay(a, b.Add(-time.Hour)))
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, loc), StartOfDay(a))
}

func TestRandomBetween(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := RandomBetween(5*time.Second, 12*time.Second)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 12*time.Second)
	}
	require.Equal(t, time.Second, RandomBetween(time.Second, time.Second))
}
