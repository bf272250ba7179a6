package generic

import (
	"sort"
	"time"
)

// =============================================================================
// DATES - Leave is booked in whole calendar days (UTC)
// =============================================================================

const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

func SameDay(a, b time.Time) bool { return Day(a).Equal(Day(b)) }

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func StartOfYear(year int) time.Time { return NewDate(year, time.January, 1) }
func EndOfYear(year int) time.Time   { return NewDate(year, time.December, 31) }

// DaysInclusive counts calendar days in [start, end]. Returns 0 when end < start.
func DaysInclusive(start, end time.Time) int {
	s, e := Day(start), Day(end)
	if e.Before(s) {
		return 0
	}
	return int(e.Sub(s).Hours()/24) + 1
}

// ExpandRange lists every calendar day in [start, end].
func ExpandRange(start, end time.Time) []time.Time {
	var days []time.Time
	for d := Day(start); !d.After(Day(end)); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// NormalizeDates truncates, de-duplicates and sorts a list of days.
func NormalizeDates(dates []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		day := Day(d)
		if seen[day] {
			continue
		}
		seen[day] = true
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// GroupByYear splits days by calendar year, in ascending year order.
func GroupByYear(dates []time.Time) ([]int, map[int][]time.Time) {
	groups := make(map[int][]time.Time)
	var years []int
	for _, d := range dates {
		y := d.Year()
		if _, ok := groups[y]; !ok {
			years = append(years, y)
		}
		groups[y] = append(groups[y], d)
	}
	sort.Ints(years)
	return years, groups
}

// =============================================================================
// PERIOD - Closed date window, optionally open-ended
// =============================================================================

// Period is [Start, End]. A nil End extends to infinity.
type Period struct {
	Start time.Time
	End   *time.Time
}

// Contains returns true if the day of t is within the period.
func (p Period) Contains(t time.Time) bool {
	d := Day(t)
	if d.Before(Day(p.Start)) {
		return false
	}
	return p.End == nil || !d.After(Day(*p.End))
}

// Overlaps returns true if both periods share at least one day.
func (p Period) Overlaps(o Period) bool {
	if p.End != nil && Day(*p.End).Before(Day(o.Start)) {
		return false
	}
	if o.End != nil && Day(*o.End).Before(Day(p.Start)) {
		return false
	}
	return true
}

func (p Period) String() string {
	end := "∞"
	if p.End != nil {
		end = p.End.Format(DateLayout)
	}
	return "[" + p.Start.Format(DateLayout) + ", " + end + "]"
}
