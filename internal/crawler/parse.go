package crawler

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const placeholderValue = "--"

var currencyStripper = strings.NewReplacer(
	"US$", "",
	"$", "",
	"¥", "",
	"￥", "",
	"€", "",
	"£", "",
	",", "",
	"\u00a0", " ",
)

type magnitude struct {
	suffix     string
	multiplier float64
}

// Longer words come first so "million" is not read as "m" + junk.
var magnitudes = []magnitude{
	{"billion", 1e9},
	{"million", 1e6},
	{"thousand", 1e3},
	{"亿", 1e8},
	{"万", 1e4},
	{"b", 1e9},
	{"m", 1e6},
	{"k", 1e3},
}

// ParseAmount turns listing money text such as "$25 M", "¥5万" or
// "1.2 million" into a number. Empty and "--" yield ok=false.
func ParseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || s == placeholderValue {
		return 0, false
	}
	s = strings.ToLower(strings.TrimSpace(currencyStripper.Replace(s)))
	multiplier := 1.0
	for _, m := range magnitudes {
		if strings.HasSuffix(s, m.suffix) {
			multiplier = m.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			break
		}
	}
	if s == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return value * multiplier, true
}

// AmountPtr is ParseAmount returning nil when absent.
func AmountPtr(raw string) *float64 {
	v, ok := ParseAmount(raw)
	if !ok {
		return nil
	}
	return &v
}

var (
	fullDatePattern   = regexp.MustCompile(`^([A-Za-z]{3})[a-z]*\.? (\d{1,2}), (\d{4})$`)
	monthYearPattern  = regexp.MustCompile(`^([A-Za-z]{3})[a-z]*\.?,? (\d{4})$`)
	monthDayPattern   = regexp.MustCompile(`^([A-Za-z]{3})[a-z]*\.? (\d{1,2})$`)
	isoDatePattern    = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	shortNumberDate   = regexp.MustCompile(`^(\d{1,2})-(\d{1,2})$`)
	monthAbbreviation = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// ParseDate converts the listing's partial date formats to epoch millis (UTC).
// Formats without a year use the current year.
func ParseDate(raw string) (int64, bool) {
	return ParseDateAt(raw, time.Now().UTC())
}

// ParseDateAt is ParseDate with an explicit reference time for year defaults.
func ParseDateAt(raw string, ref time.Time) (int64, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return 0, false
	}
	var (
		year  = ref.Year()
		month time.Month
		day   = 1
		ok    bool
	)
	switch {
	case fullDatePattern.MatchString(s):
		m := fullDatePattern.FindStringSubmatch(s)
		month, ok = monthAbbreviation[strings.ToLower(m[1])]
		day = atoi(m[2])
		year = atoi(m[3])
	case monthYearPattern.MatchString(s):
		m := monthYearPattern.FindStringSubmatch(s)
		month, ok = monthAbbreviation[strings.ToLower(m[1])]
		year = atoi(m[2])
	case monthDayPattern.MatchString(s):
		m := monthDayPattern.FindStringSubmatch(s)
		month, ok = monthAbbreviation[strings.ToLower(m[1])]
		day = atoi(m[2])
	case isoDatePattern.MatchString(s):
		m := isoDatePattern.FindStringSubmatch(s)
		year = atoi(m[1])
		month, ok = numericMonth(m[2])
		day = atoi(m[3])
	case shortNumberDate.MatchString(s):
		m := shortNumberDate.FindStringSubmatch(s)
		month, ok = numericMonth(m[1])
		day = atoi(m[2])
	}
	if !ok {
		return 0, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (Feb 30 -> Mar 2); reject it instead.
	if t.Day() != day || t.Month() != month {
		return 0, false
	}
	return t.UnixMilli(), true
}

// DatePtr is ParseDate returning nil when absent.
func DatePtr(raw string, ref time.Time) *int64 {
	v, ok := ParseDateAt(raw, ref)
	if !ok {
		return nil
	}
	return &v
}

func numericMonth(s string) (time.Month, bool) {
	n := atoi(s)
	if n < 1 || n > 12 {
		return 0, false
	}
	return time.Month(n), true
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
