package cronspec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	t.Parallel()

	utc := time.UTC
	cases := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{"hourly", "0 * * * *", time.Date(2024, 5, 10, 10, 0, 0, 0, utc), time.Date(2024, 5, 10, 11, 0, 0, 0, utc)},
		{"hourly mid minute", "0 * * * *", time.Date(2024, 5, 10, 10, 0, 30, 0, utc), time.Date(2024, 5, 10, 11, 0, 0, 0, utc)},
		{"monthly", "0 0 1 * *", time.Date(2024, 5, 10, 10, 0, 0, 0, utc), time.Date(2024, 6, 1, 0, 0, 0, 0, utc)},
		{"weekly monday", "0 0 * * 1", time.Date(2024, 5, 6, 0, 0, 0, 0, utc), time.Date(2024, 5, 13, 0, 0, 0, 0, utc)},
		{"every five minutes", "*/5 * * * *", time.Date(2024, 5, 10, 10, 3, 0, 0, utc), time.Date(2024, 5, 10, 10, 5, 0, 0, utc)},
		{"list", "15,45 9 * * *", time.Date(2024, 5, 10, 9, 15, 0, 0, utc), time.Date(2024, 5, 10, 9, 45, 0, 0, utc)},
		{"range", "0 9-17 * * 1-5", time.Date(2024, 5, 10, 17, 0, 0, 0, utc), time.Date(2024, 5, 13, 9, 0, 0, 0, utc)},
		{"year rollover", "0 0 1 1 *", time.Date(2024, 12, 31, 23, 59, 0, 0, utc), time.Date(2025, 1, 1, 0, 0, 0, 0, utc)},
		{"leap day", "0 0 29 2 *", time.Date(2023, 3, 1, 0, 0, 0, 0, utc), time.Date(2024, 2, 29, 0, 0, 0, 0, utc)},
		{"monthly from first", "0 0 1 * *", time.Date(2024, 5, 1, 0, 0, 0, 0, utc), time.Date(2024, 6, 1, 0, 0, 0, 0, utc)},
		{"day or weekday hits weekday", "0 0 13 * 5", time.Date(2024, 9, 1, 0, 0, 0, 0, utc), time.Date(2024, 9, 6, 0, 0, 0, 0, utc)},
		{"day or weekday hits day", "0 0 13 * 5", time.Date(2024, 9, 6, 0, 0, 0, 0, utc), time.Date(2024, 9, 13, 0, 0, 0, 0, utc)},
		{"day or weekday non friday thirteenth", "0 0 13 * 5", time.Date(2024, 10, 11, 0, 0, 0, 0, utc), time.Date(2024, 10, 13, 0, 0, 0, 0, utc)},
		{"weekday star keeps day", "0 0 13 * *", time.Date(2024, 9, 1, 0, 0, 0, 0, utc), time.Date(2024, 9, 13, 0, 0, 0, 0, utc)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(tc.from, tc.expr)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestNextIsStrictlyIncreasingAndMinuteAligned(t *testing.T) {
	t.Parallel()

	s := MustParse("*/7 */3 * * *")
	from := time.Date(2024, 1, 1, 0, 0, 13, 500, time.UTC)
	times, err := s.Upcoming(from, 50)
	require.NoError(t, err)
	require.Len(t, times, 50)

	prev := from
	for _, ts := range times {
		assert.True(t, ts.After(prev))
		assert.Zero(t, ts.Second())
		assert.Zero(t, ts.Nanosecond())
		prev = ts
	}
}

func TestNextUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*3600)
	from := time.Date(2024, 5, 10, 1, 30, 0, 0, loc)
	got, err := Next(from, "0 2 * * *")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Hour())
	assert.Equal(t, loc, got.Location())
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		expr  string
		field string
	}{
		{"empty", "", ""},
		{"four fields", "* * * *", ""},
		{"seconds field", "0 0 * * * *", ""},
		{"descriptor", "@hourly", ""},
		{"timezone", "CRON_TZ=UTC 0 * * * *", ""},
		{"minute out of range", "61 * * * *", "minute"},
		{"hour out of range", "0 24 * * *", "hour"},
		{"dom zero", "0 0 0 * *", "day-of-month"},
		{"month thirteen", "0 0 1 13 *", "month"},
		{"dow seven", "0 0 * * 7", "day-of-week"},
		{"reversed range", "30-10 * * * *", "minute"},
		{"zero step", "*/0 * * * *", "minute"},
		{"garbage", "a b c d e", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchedule))

			var se *ScheduleError
			require.True(t, errors.As(err, &se))
			if tc.field != "" {
				assert.Equal(t, tc.field, se.Field)
			}
		})
	}
}

func TestParseOutOfRangeMessage(t *testing.T) {
	t.Parallel()

	err := Validate("61 * * * *")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid interval [61-61], must be 0<=_<=59")
}

func TestParseNormalizesWhitespace(t *testing.T) {
	t.Parallel()

	s, err := Parse("  0   12 * *  1 ")
	require.NoError(t, err)
	assert.Equal(t, "0 12 * * 1", s.String())
}

func TestNeverMatches(t *testing.T) {
	t.Parallel()

	_, err := Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "0 0 30 2 *")
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestUpcomingZero(t *testing.T) {
	t.Parallel()

	got, err := Upcoming(time.Now(), "* * * * *", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
