package history

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/db"
	"signin-bots/internal/components/kvstore"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

var shanghai = time.FixedZone("CST", 8*3600)

func newTestNamespace(t testing.TB, clock chrono.TimeAPI) kvstore.Namespace {
	sqlite, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	sqlite.SetMaxOpenConns(1)
	_, err = sqlite.Exec(db.Schema)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return kvstore.NewStore(sqlite, clock).Namespace("test")
}

func TestPrune(t *testing.T) {
	now := time.Date(2024, 5, 31, 12, 0, 0, 0, shanghai)

	records := []Record{
		{Date: "2024-05-01 12:00:00", Status: StatusSuccess},
		{Date: "2024-05-01 12:00:01", Status: StatusSuccess},
		{Date: "garbage", Status: StatusFailed},
		{Date: "2024-05-30 08:00:00", Status: StatusAlready},
	}

	pruned := Prune(records, now, Policy{RetentionDays: 30})
	expected := []Record{
		{Date: "2024-05-01 12:00:01", Status: StatusSuccess},
		{Date: "2024-05-30 08:00:00", Status: StatusAlready},
		{Date: "2024-05-31 12:00:00", Status: StatusFailed},
	}
	if diff := cmp.Diff(expected, pruned); diff != "" {
		t.Fatal(diff)
	}

	capped := Prune(records, now, Policy{MaxCount: 2})
	require.Len(t, capped, 2)
	require.Equal(t, "2024-05-30 08:00:00", capped[0].Date)
	require.Equal(t, StatusFailed, capped[1].Status)
}

func TestLog(t *testing.T) {
	clock := chrono.NewFakeTime(time.Date(2024, 5, 1, 9, 0, 0, 0, shanghai))
	ns := newTestNamespace(t, clock)
	log := NewLog(ns, "sign_history", clock, Policy{RetentionDays: 7})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	{
		_, ok, err := log.SignedToday(ctx)
		require.NoError(t, err)
		require.False(t, ok)
	}
	{
		require.NoError(t, log.Append(ctx, log.New(StatusFailed, "timeout")))
		clock.Advance(time.Minute)
		require.NoError(t, log.Append(ctx, log.New(StatusSuccess, "got 5 drumsticks").With("points", 5)))

		rec, ok, err := log.SignedToday(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "got 5 drumsticks", rec.Message)
		require.EqualValues(t, 5, rec.Extra["points"])

		list, err := log.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, StatusSuccess, list[0].Status)
	}
	{
		clock.Advance(24 * time.Hour)
		_, ok, err := log.SignedToday(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		last, ok, err := log.LastSigned(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, StatusSuccess, last.Status)
	}
	{
		clock.Advance(7 * 24 * time.Hour)
		require.NoError(t, log.Append(ctx, log.New(StatusAlready, "")))
		list, err := log.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
	}
}

func TestNextStreak(t *testing.T) {
	today := time.Date(2024, 5, 2, 10, 0, 0, 0, shanghai)

	table := []struct {
		last     string
		days     int
		expected int
	}{
		{last: "", days: 0, expected: 1},
		{last: "2024-05-02", days: 4, expected: 4},
		{last: "2024-05-02", days: 0, expected: 1},
		{last: "2024-05-01", days: 4, expected: 5},
		{last: "2024-04-29", days: 4, expected: 1},
		{last: "not a date", days: 9, expected: 1},
	}
	for _, row := range table {
		require.Equal(t, row.expected, NextStreak(row.last, row.days, today), row.last)
	}
}

func TestStreak(t *testing.T) {
	clock := chrono.NewFakeTime(time.Date(2024, 5, 1, 9, 0, 0, 0, shanghai))
	streak := NewStreak(newTestNamespace(t, clock), clock)
	ctx := context.Background()

	days, err := streak.Bump(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, days)

	days, err = streak.Bump(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, days)

	clock.Advance(24 * time.Hour)
	days, err = streak.Bump(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, days)

	clock.Advance(72 * time.Hour)
	days, err = streak.Bump(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, days)

	current, err := streak.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, current)
}
