package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeRange is one "Days: HH:MM-HH:MM" clause of a time specification.
type TimeRange struct {
	Days  [7]bool
	Start int // minutes after midnight, inclusive
	End   int // minutes after midnight, inclusive
}

// TimeSpec is a parsed list of ranges; any matching range matches.
type TimeSpec []TimeRange

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseTimeSpec parses "Mon-Fri: 09:00-18:00, Sat: 10:00-12:00".
func ParseTimeSpec(s string) (TimeSpec, error) {
	var out TimeSpec
	for _, clause := range strings.Split(s, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		days, hours, ok := strings.Cut(clause, ":")
		if !ok {
			return nil, fmt.Errorf("time clause %q: missing ':'", clause)
		}
		var r TimeRange
		if err := parseDays(strings.TrimSpace(days), &r); err != nil {
			return nil, err
		}
		from, to, ok := strings.Cut(strings.TrimSpace(hours), "-")
		if !ok {
			return nil, fmt.Errorf("time clause %q: missing hour range", clause)
		}
		var err error
		if r.Start, err = parseClock(from); err != nil {
			return nil, err
		}
		if r.End, err = parseClock(to); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty time specification")
	}
	return out, nil
}

// Contains reports whether t falls inside any range. Ranges whose end is
// before their start wrap past midnight.
func (ts TimeSpec) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	day := t.Weekday()
	for _, r := range ts {
		if r.Start <= r.End {
			if r.Days[day] && minute >= r.Start && minute <= r.End {
				return true
			}
			continue
		}
		prev := (day + 6) % 7
		if (r.Days[day] && minute >= r.Start) || (r.Days[prev] && minute <= r.End) {
			return true
		}
	}
	return false
}

func parseDays(s string, r *TimeRange) error {
	from, to, isRange := strings.Cut(strings.ToLower(s), "-")
	start, ok := weekdays[strings.TrimSpace(from)]
	if !ok {
		return fmt.Errorf("unknown weekday %q", from)
	}
	if !isRange {
		r.Days[start] = true
		return nil
	}
	end, ok := weekdays[strings.TrimSpace(to)]
	if !ok {
		return fmt.Errorf("unknown weekday %q", to)
	}
	for d := start; ; d = (d + 1) % 7 {
		r.Days[d] = true
		if d == end {
			break
		}
	}
	return nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return hh*60 + mm, nil
}
