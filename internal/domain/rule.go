package domain

import (
	"fmt"
	"sort"
	"time"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

// MaxOccurrences bounds every expansion regardless of Count or Until.
const MaxOccurrences = 365

var weekdayCodes = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

var weekdayAbbrev = map[time.Weekday]string{
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
	time.Sunday:    "SU",
}

// ParseWeekday maps a two-letter weekday code ("MO".."SU") to time.Weekday.
func ParseWeekday(code string) (time.Weekday, error) {
	wd, ok := weekdayCodes[code]
	if !ok {
		return 0, fmt.Errorf("unknown weekday code %q", code)
	}
	return wd, nil
}

// WeekdayCode is the inverse of ParseWeekday.
func WeekdayCode(wd time.Weekday) string {
	return weekdayAbbrev[wd]
}

// Rule describes a recurrence as supplied by the caller. A Rule must pass
// ValidateRule before it is handed to ExpandRule.
type Rule struct {
	Frequency  Frequency
	Interval   int
	Count      *int
	Until      *time.Time
	ByWeekday  []time.Weekday
	ByMonthDay int
}

type RuleErrorCode string

const (
	RuleErrInvalidFrequency   RuleErrorCode = "invalid_frequency"
	RuleErrConflictingBounds  RuleErrorCode = "conflicting_bounds"
	RuleErrIntervalOutOfRange RuleErrorCode = "interval_out_of_range"
	RuleErrCountOutOfRange    RuleErrorCode = "count_out_of_range"
	RuleErrEmptyWeekdaySet    RuleErrorCode = "empty_weekday_set"
	RuleErrInvalidWeekday     RuleErrorCode = "invalid_weekday"
	RuleErrDayOutOfRange      RuleErrorCode = "day_out_of_range"
	RuleErrUntilBeforeStart   RuleErrorCode = "until_before_start"
)

// RuleError reports a malformed recurrence rule. Code is machine-readable,
// Message is for humans.
type RuleError struct {
	Code    RuleErrorCode
	Message string
}

func (e *RuleError) Error() string {
	return e.Message
}

func ruleError(code RuleErrorCode, msg string) error {
	return &RuleError{Code: code, Message: msg}
}

// ValidateRule checks r against anchorStart and returns a normalized copy:
// interval defaulted to 1, WEEKLY weekdays deduplicated, sorted Monday-first
// and defaulted to the anchor's weekday, MONTHLY day defaulted to the
// anchor's day of month. Selectors that do not apply to the frequency are
// cleared.
func ValidateRule(r Rule, anchorStart time.Time) (Rule, error) {
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return Rule{}, ruleError(RuleErrInvalidFrequency, fmt.Sprintf("unknown frequency %q", r.Frequency))
	}

	if r.Interval == 0 {
		r.Interval = 1
	}
	if r.Interval < 1 {
		return Rule{}, ruleError(RuleErrIntervalOutOfRange, "interval must be at least 1")
	}

	if r.Count != nil && r.Until != nil {
		return Rule{}, ruleError(RuleErrConflictingBounds, "count and until are mutually exclusive")
	}
	if r.Count != nil {
		if *r.Count < 1 || *r.Count > MaxOccurrences {
			return Rule{}, ruleError(RuleErrCountOutOfRange, fmt.Sprintf("count must be between 1 and %d", MaxOccurrences))
		}
		c := *r.Count
		r.Count = &c
	}
	if r.Until != nil {
		if dateOf(*r.Until).Before(dateOf(anchorStart)) {
			return Rule{}, ruleError(RuleErrUntilBeforeStart, "until must not be before the start date")
		}
		u := *r.Until
		r.Until = &u
	}

	switch r.Frequency {
	case FrequencyWeekly:
		r.ByMonthDay = 0
		if len(r.ByWeekday) == 0 {
			r.ByWeekday = []time.Weekday{anchorStart.Weekday()}
			return r, nil
		}
		seen := make(map[time.Weekday]struct{}, len(r.ByWeekday))
		normalized := make([]time.Weekday, 0, len(r.ByWeekday))
		for _, wd := range r.ByWeekday {
			if wd < time.Sunday || wd > time.Saturday {
				return Rule{}, ruleError(RuleErrInvalidWeekday, fmt.Sprintf("invalid weekday %d", wd))
			}
			if _, ok := seen[wd]; ok {
				continue
			}
			seen[wd] = struct{}{}
			normalized = append(normalized, wd)
		}
		if len(normalized) == 0 {
			return Rule{}, ruleError(RuleErrEmptyWeekdaySet, "at least one weekday is required")
		}
		sort.Slice(normalized, func(i, j int) bool {
			return mondayIndex(normalized[i]) < mondayIndex(normalized[j])
		})
		r.ByWeekday = normalized
	case FrequencyMonthly:
		r.ByWeekday = nil
		if r.ByMonthDay == 0 {
			r.ByMonthDay = anchorStart.Day()
		}
		if r.ByMonthDay < 1 || r.ByMonthDay > 31 {
			return Rule{}, ruleError(RuleErrDayOutOfRange, "by_month_day must be between 1 and 31")
		}
	default:
		r.ByWeekday = nil
		r.ByMonthDay = 0
	}

	return r, nil
}

// mondayIndex orders weekdays Monday-first, matching the MO..SU wire order.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
