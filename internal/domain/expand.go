package domain

import "time"

// Occurrence is one concrete appointment instance generated from a rule.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// maxExpandSteps bounds the iteration itself, independently of
// MaxOccurrences. A MONTHLY rule whose day never exists in any stepped
// month (day 31 with a 12-month interval anchored in February) would
// otherwise spin forever.
const maxExpandSteps = 10000

// ExpandRule generates the occurrence sequence for a validated rule.
// The result is strictly increasing, capped at MaxOccurrences, and its
// first entry is always the anchor itself: the anchor is occurrence zero
// and is never filtered by ByWeekday or ByMonthDay. Every occurrence spans
// anchorDuration. ExpandRule is a pure function; calling it twice with the
// same inputs yields the same sequence.
func ExpandRule(rule Rule, anchorStart time.Time, anchorDuration time.Duration) []Occurrence {
	limit := MaxOccurrences
	if rule.Count != nil && *rule.Count < limit {
		limit = *rule.Count
	}
	if limit < 1 {
		return nil
	}

	out := make([]Occurrence, 0, limit)
	out = append(out, occurrenceAt(anchorStart, anchorDuration))
	if len(out) >= limit {
		return out
	}

	switch rule.Frequency {
	case FrequencyDaily:
		out = expandDaily(rule, anchorStart, anchorDuration, out, limit)
	case FrequencyWeekly:
		out = expandWeekly(rule, anchorStart, anchorDuration, out, limit)
	case FrequencyMonthly:
		out = expandMonthly(rule, anchorStart, anchorDuration, out)
	}
	return out
}

func expandDaily(rule Rule, anchor time.Time, d time.Duration, out []Occurrence, limit int) []Occurrence {
	for k := 1; len(out) < limit; k++ {
		start := anchor.AddDate(0, 0, k*rule.Interval)
		if pastUntil(rule, start) {
			break
		}
		out = append(out, occurrenceAt(start, d))
	}
	return out
}

func expandWeekly(rule Rule, anchor time.Time, d time.Duration, out []Occurrence, limit int) []Occurrence {
	anchorWeek := weekMonday(anchor)

	for weekIndex := 0; len(out) < limit && weekIndex < maxExpandSteps; weekIndex++ {
		monday := anchorWeek.AddDate(0, 0, weekIndex*rule.Interval*7)
		for _, wd := range rule.ByWeekday {
			day := monday.AddDate(0, 0, mondayIndex(wd))
			start := time.Date(
				day.Year(), day.Month(), day.Day(),
				anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(),
				anchor.Location(),
			)
			// The anchor was already emitted as occurrence zero; anything
			// at or before it is never emitted again.
			if !start.After(anchor) {
				continue
			}
			if pastUntil(rule, start) {
				return out
			}
			out = append(out, occurrenceAt(start, d))
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// expandMonthly differs from the other frequencies in how Count is spent:
// occurrence k is the candidate landing in month anchor+k*interval, and a
// candidate whose day does not exist in that month is skipped but still
// consumes its slot. Count therefore bounds candidates, not emissions, so a
// day-31 rule never drifts onto months the caller did not ask for.
func expandMonthly(rule Rule, anchor time.Time, d time.Duration, out []Occurrence) []Occurrence {
	monthAnchor := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location())

	for k := 1; len(out) < MaxOccurrences && k < maxExpandSteps; k++ {
		if rule.Count != nil && k >= *rule.Count {
			break
		}
		month := monthAnchor.AddDate(0, k*rule.Interval, 0)
		// Months shorter than the target day are skipped outright, never
		// clamped: clamping would silently shift the weekday pattern.
		if rule.ByMonthDay > daysInMonth(month.Year(), month.Month()) {
			continue
		}
		start := time.Date(
			month.Year(), month.Month(), rule.ByMonthDay,
			anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(),
			anchor.Location(),
		)
		if !start.After(anchor) {
			continue
		}
		if pastUntil(rule, start) {
			break
		}
		out = append(out, occurrenceAt(start, d))
	}
	return out
}

// pastUntil reports whether start falls beyond the rule's inclusive Until
// date. The comparison is at day granularity.
func pastUntil(rule Rule, start time.Time) bool {
	if rule.Until == nil {
		return false
	}
	return dateOf(start).After(dateOf(*rule.Until))
}

func occurrenceAt(start time.Time, d time.Duration) Occurrence {
	return Occurrence{Start: start, End: start.Add(d)}
}

func weekMonday(t time.Time) time.Time {
	d := dateOf(t)
	return d.AddDate(0, 0, -mondayIndex(t.Weekday()))
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
