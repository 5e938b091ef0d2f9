package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relativePreset = regexp.MustCompile(`^(?:last|past)_(\d+)_(hours|days|weeks|months)$`)

const day = 24 * time.Hour

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func startOfQuarter(t time.Time) time.Time {
	month := time.Month(((int(t.Month())-1)/3)*3 + 1)
	return time.Date(t.Year(), month, 1, 0, 0, 0, 0, t.Location())
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}

// resolvePreset turns a named range into [start, end) anchored at now
func resolvePreset(preset string, now time.Time) (time.Time, time.Time, error) {
	preset = strings.ToLower(strings.TrimSpace(preset))
	switch preset {
	case "today":
		return startOfDay(now), now, nil
	case "yesterday":
		end := startOfDay(now)
		return end.Add(-day), end, nil
	case "last_7_days", "past_week", "last_week":
		return now.Add(-7 * day), now, nil
	case "last_30_days", "past_month":
		return now.Add(-30 * day), now, nil
	case "last_90_days":
		return now.Add(-90 * day), now, nil
	case "last_12_months", "past_year":
		return now.AddDate(-1, 0, 0), now, nil
	case "this_month", "month_to_date":
		return startOfMonth(now), now, nil
	case "last_month":
		end := startOfMonth(now)
		return end.AddDate(0, -1, 0), end, nil
	case "this_quarter", "quarter_to_date":
		return startOfQuarter(now), now, nil
	case "last_quarter":
		end := startOfQuarter(now)
		return end.AddDate(0, -3, 0), end, nil
	case "this_year", "year_to_date", "ytd":
		return startOfYear(now), now, nil
	case "last_year":
		end := startOfYear(now)
		return end.AddDate(-1, 0, 0), end, nil
	}

	if m := relativePreset.FindStringSubmatch(preset); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid relative range %q", preset)
		}
		switch m[2] {
		case "hours":
			return now.Add(-time.Duration(n) * time.Hour), now, nil
		case "days":
			return now.Add(-time.Duration(n) * day), now, nil
		case "weeks":
			return now.Add(-time.Duration(n) * 7 * day), now, nil
		case "months":
			return now.AddDate(0, -n, 0), now, nil
		}
	}

	return time.Time{}, time.Time{}, fmt.Errorf("unknown time range preset %q", preset)
}

// parseBound accepts RFC3339 timestamps or ISO dates. Date-only end bounds
// are inclusive of the whole day.
func parseBound(value string, isEnd bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable date %q", value)
	}
	if isEnd {
		t = t.Add(day)
	}
	return t, nil
}

// resolveTimeRange returns the concrete range for a slot. An error means the
// caller should fall back to the template default window.
func resolveTimeRange(slot *TimeRangeSlot, now time.Time, defaultWindow time.Duration) (start, end time.Time, err error) {
	if slot.Preset != "" {
		return resolvePreset(slot.Preset, now)
	}

	switch {
	case slot.Start != "" && slot.End != "":
		if start, err = parseBound(slot.Start, false); err != nil {
			return
		}
		end, err = parseBound(slot.End, true)
		return
	case slot.Start != "":
		start, err = parseBound(slot.Start, false)
		return start, now, err
	case slot.End != "":
		end, err = parseBound(slot.End, true)
		return end.Add(-defaultWindow), end, err
	}
	return time.Time{}, time.Time{}, fmt.Errorf("empty time range")
}
