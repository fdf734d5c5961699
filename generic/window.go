package generic

import (
	"strings"
	"time"
)

// =============================================================================
// WEEKDAY SET
// =============================================================================

// WeekdaySet is the weekly pattern a contract's sessions follow, one bit per
// time.Weekday.
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) With(d time.Weekday) WeekdaySet {
	if d < time.Sunday || d > time.Saturday {
		return s
	}
	return s | 1<<uint(d)
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) IsEmpty() bool { return s&0x7f == 0 }

// Len returns how many distinct weekdays are in the set.
func (s WeekdaySet) Len() int {
	n := 0
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			n++
		}
	}
	return n
}

// Weekdays lists the set in Sunday-first order.
func (s WeekdaySet) Weekdays() []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// ParseWeekday accepts "mon", "Monday", "MON".
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func (s WeekdaySet) String() string {
	names := make([]string, 0, 7)
	for _, d := range s.Weekdays() {
		names = append(names, strings.ToLower(d.String()[:3]))
	}
	return strings.Join(names, ",")
}

// =============================================================================
// DATE WINDOW COUNTER
// =============================================================================

// CountOccurrences returns how many days in [start, end] fall on a weekday in
// set. Both endpoints are calendar days. An empty set or start > end yields 0.
func CountOccurrences(set WeekdaySet, start, end Date) int {
	if set.IsEmpty() || start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}

	total := DaysBetween(start, end) + 1
	count := (total / 7) * set.Len()

	// Remainder days start at the same weekday as start.
	wd := start.Weekday()
	for i := 0; i < total%7; i++ {
		if set.Has(time.Weekday((int(wd) + i) % 7)) {
			count++
		}
	}
	return count
}

// CountInPeriod is CountOccurrences over a Period.
func CountInPeriod(set WeekdaySet, p Period) int {
	return CountOccurrences(set, p.Start, p.End)
}
