package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDayOfUsesLocalCalendarDate(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	require.NoError(t, err)

	// 23:30 UTC on the 10th is already 07:30 on the 11th in Hong Kong.
	instant := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), DayOf(instant, hk))
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), DayOf(instant, time.UTC))
}

func TestParseAndFormatDay(t *testing.T) {
	day, err := ParseDay("2026-03-11")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), day)
	require.Equal(t, "2026-03-11", FormatDay(day))

	_, err = ParseDay("11/03/2026")
	require.Error(t, err)
}

func TestWeekStart(t *testing.T) {
	monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		require.Equal(t, monday, WeekStart(monday.AddDate(0, 0, i)), "offset %d", i)
	}
	require.Equal(t, monday.AddDate(0, 0, 7), WeekStart(monday.AddDate(0, 0, 7)))
}

func TestRefreshPolicyAdmits(t *testing.T) {
	today := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	lastWeek := today.AddDate(0, 0, -7)

	require.True(t, Full().Admits(lastWeek, today))

	require.True(t, TodayOnly().Admits(today, today))
	require.False(t, TodayOnly().Admits(yesterday, today))

	window := RecentWindow(2)
	require.True(t, window.Admits(today, today))
	require.True(t, window.Admits(yesterday, today))
	require.False(t, window.Admits(today.AddDate(0, 0, -2), today))

	require.False(t, InsertOnly().Admits(today, today))

	// A degenerate window still covers today.
	require.True(t, RecentWindow(0).Admits(today, today))
	require.False(t, RecentWindow(0).Admits(yesterday, today))
}

func TestRefreshPolicyString(t *testing.T) {
	require.Equal(t, "full", Full().String())
	require.Equal(t, "today_only", TodayOnly().String())
	require.Equal(t, "recent_window(3)", RecentWindow(3).String())
	require.Equal(t, "insert_only", InsertOnly().String())
}
