package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"$25 M", 25_000_000, true},
		{"$1.5M", 1_500_000, true},
		{"$800 K", 800_000, true},
		{"$3 million", 3_000_000, true},
		{"US$2 Million", 2_000_000, true},
		{"¥5万", 50_000, true},
		{"¥3亿", 300_000_000, true},
		{"$1.2B", 1_200_000_000, true},
		{"$1,000", 1_000, true},
		{"--", 0, false},
		{"", 0, false},
		{"   ", 0, false},
		{"$", 0, false},
		{"undisclosed", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseAmount(tc.raw)
		require.Equal(t, tc.ok, ok, "ParseAmount(%q) ok", tc.raw)
		if tc.ok {
			require.InDelta(t, tc.want, got, 0.0001, "ParseAmount(%q)", tc.raw)
		}
	}
}

func TestParseAmountIsDeterministic(t *testing.T) {
	t.Parallel()

	first, ok1 := ParseAmount("$12.5 M")
	second, ok2 := ParseAmount("$12.5 M")
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, first, second)
}

func TestParseDateAt(t *testing.T) {
	t.Parallel()

	ref := time.Date(2024, time.March, 3, 12, 0, 0, 0, time.UTC)
	ms := func(y int, m time.Month, d int) int64 {
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	cases := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"Aug 01, 2023", ms(2023, time.August, 1), true},
		{"Feb 22, 2022", ms(2022, time.February, 22), true},
		{"May, 2018", ms(2018, time.May, 1), true},
		{"Jun 2016", ms(2016, time.June, 1), true},
		{"Oct 21", ms(2024, time.October, 21), true},
		{"Sep 16", ms(2024, time.September, 16), true},
		{"2023-08-01", ms(2023, time.August, 1), true},
		{"08-01", ms(2024, time.August, 1), true},
		{"  Aug   01,  2023 ", ms(2023, time.August, 1), true},
		{"Feb 30, 2023", 0, false},
		{"13-01", 0, false},
		{"garbage", 0, false},
		{"", 0, false},
		{"Foo 12, 2020", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseDateAt(tc.raw, ref)
		require.Equal(t, tc.ok, ok, "ParseDateAt(%q) ok", tc.raw)
		require.Equal(t, tc.want, got, "ParseDateAt(%q)", tc.raw)
	}
}

func TestParseDateUsesCurrentYear(t *testing.T) {
	t.Parallel()

	got, ok := ParseDate("Oct 21")
	require.True(t, ok)
	year := time.Now().UTC().Year()
	require.Equal(t, time.Date(year, time.October, 21, 0, 0, 0, 0, time.UTC).UnixMilli(), got)

	_, ok = ParseDate("garbage")
	require.False(t, ok)
}

func TestPointerHelpers(t *testing.T) {
	t.Parallel()

	require.Nil(t, AmountPtr("--"))
	require.NotNil(t, AmountPtr("$1 K"))
	require.Nil(t, DatePtr("nope", time.Now()))
	require.NotNil(t, DatePtr("2020-01-02", time.Now()))
}
