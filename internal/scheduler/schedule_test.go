package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEveryUnits(t *testing.T) {
	s, err := Parse("every 5 minutes")
	require.NoError(t, err)
	require.Equal(t, KindEvery, s.Kind)
	require.Equal(t, 5, s.EveryN)
	require.Equal(t, time.Minute, s.EveryUnit)

	s, err = Parse("every 1 hour")
	require.NoError(t, err)
	require.Equal(t, time.Hour, s.EveryUnit)

	s, err = Parse("every 2 days")
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, s.EveryUnit)
}

func TestParseDailyAtWithAmPm(t *testing.T) {
	s, err := Parse("daily at 2:30pm")
	require.NoError(t, err)
	require.Equal(t, KindDailyAt, s.Kind)
	require.Equal(t, 14, s.DailyHour)
	require.Equal(t, 30, s.DailyMin)

	s, err = Parse("daily at 12:00am")
	require.NoError(t, err)
	require.Equal(t, 0, s.DailyHour)
}

func TestParseOnceAt(t *testing.T) {
	s, err := Parse("once at 2026-08-01T09:00:00Z")
	require.NoError(t, err)
	require.Equal(t, KindOnce, s.Kind)
	require.Equal(t, 2026, s.OnceAt.Year())
}

func TestParseCronExpression(t *testing.T) {
	s, err := Parse("0 9 * * *")
	require.NoError(t, err)
	require.Equal(t, KindCron, s.Kind)
}

func TestParseUnrecognizedGrammarErrors(t *testing.T) {
	_, err := Parse("whenever I feel like it")
	require.Error(t, err)
}

func TestEveryShouldFireRespectsElapsedDuration(t *testing.T) {
	s, _ := Parse("every 10 minutes")
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	fire, catchUp, err := s.ShouldFire(now, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.False(t, fire)
	require.False(t, catchUp)

	fire, _, err = s.ShouldFire(now, now.Add(-11*time.Minute))
	require.NoError(t, err)
	require.True(t, fire)
}

func TestEveryNeverRunFiresImmediately(t *testing.T) {
	s, _ := Parse("every 1 hour")
	now := time.Now()
	fire, _, err := s.ShouldFire(now, time.Time{})
	require.NoError(t, err)
	require.True(t, fire)
}

func TestDailyAtFiresOnceThenNotAgainSameDay(t *testing.T) {
	s, _ := Parse("daily at 09:00")
	scheduled := time.Date(2026, 7, 31, 9, 0, 0, 0, time.Local)

	fire, _, err := s.ShouldFire(scheduled.Add(-time.Minute), time.Time{})
	require.NoError(t, err)
	require.False(t, fire, "should not fire before the scheduled moment")

	fire, _, err = s.ShouldFire(scheduled.Add(time.Minute), time.Time{})
	require.NoError(t, err)
	require.True(t, fire)

	fire, _, err = s.ShouldFire(scheduled.Add(time.Hour), scheduled.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, fire, "already fired today")

	nextDay := scheduled.AddDate(0, 0, 1).Add(time.Minute)
	fire, _, err = s.ShouldFire(nextDay, scheduled.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, fire, "a new calendar day after the scheduled moment should fire again")
}

func TestOnceFiresOnlyAfterTarget(t *testing.T) {
	s, _ := Parse("once at 2026-08-01T09:00:00Z")
	before := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	after := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	fire, _, err := s.ShouldFire(before, time.Time{})
	require.NoError(t, err)
	require.False(t, fire)

	fire, _, err = s.ShouldFire(after, time.Time{})
	require.NoError(t, err)
	require.True(t, fire)
}

func TestCronFiresOnExactMatchingMinute(t *testing.T) {
	s, _ := Parse("30 9 * * *")
	match := time.Date(2026, 7, 31, 9, 30, 0, 0, time.Local)
	miss := time.Date(2026, 7, 31, 9, 31, 0, 0, time.Local)

	fire, catchUp, err := s.ShouldFire(match, time.Time{})
	require.NoError(t, err)
	require.True(t, fire)
	require.False(t, catchUp)

	fire, _, err = s.ShouldFire(miss, match)
	require.NoError(t, err)
	require.False(t, fire)
}

func TestCronDailyEquivalentCatchUpFiresWithinSixHours(t *testing.T) {
	s, _ := Parse("0 9 * * *")
	scheduled := time.Date(2026, 7, 31, 9, 0, 0, 0, time.Local)
	missedTick := scheduled.Add(2 * time.Hour) // the exact-minute tick never happened

	fire, catchUp, err := s.ShouldFire(missedTick, time.Time{})
	require.NoError(t, err)
	require.True(t, fire)
	require.True(t, catchUp)
}

func TestCronDailyEquivalentCatchUpExpiresAfterSixHours(t *testing.T) {
	s, _ := Parse("0 9 * * *")
	scheduled := time.Date(2026, 7, 31, 9, 0, 0, 0, time.Local)
	tooLate := scheduled.Add(7 * time.Hour)

	fire, _, err := s.ShouldFire(tooLate, time.Time{})
	require.NoError(t, err)
	require.False(t, fire)
}

func TestCronWithWildcardDayOfWeekIsNotDailyEquivalentWhenDomLiteral(t *testing.T) {
	// DOM literal (not "*") disqualifies catch-up, even with literal min/hour.
	s, _ := Parse("0 9 15 * *")
	scheduled := time.Date(2026, 7, 15, 9, 0, 0, 0, time.Local)
	missedTick := scheduled.Add(2 * time.Hour)

	fire, catchUp, err := s.ShouldFire(missedTick, time.Time{})
	require.NoError(t, err)
	require.False(t, fire)
	require.False(t, catchUp)
}

func TestMondayZeroToCronDow(t *testing.T) {
	require.Equal(t, 1, MondayZeroToCronDow(0)) // Monday -> cron Mon=1
	require.Equal(t, 0, MondayZeroToCronDow(6)) // Sunday -> cron Sun=0
}
