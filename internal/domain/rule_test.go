package domain

import (
	"errors"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time { return &t }

func TestValidateRule_Errors(t *testing.T) {
	anchor := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		rule     Rule
		wantCode RuleErrorCode
	}{
		{
			name:     "unknown frequency",
			rule:     Rule{Frequency: "HOURLY"},
			wantCode: RuleErrInvalidFrequency,
		},
		{
			name:     "negative interval",
			rule:     Rule{Frequency: FrequencyDaily, Interval: -2},
			wantCode: RuleErrIntervalOutOfRange,
		},
		{
			name: "count and until together",
			rule: Rule{
				Frequency: FrequencyDaily,
				Count:     intPtr(3),
				Until:     timePtr(anchor.AddDate(0, 1, 0)),
			},
			wantCode: RuleErrConflictingBounds,
		},
		{
			name:     "count zero",
			rule:     Rule{Frequency: FrequencyDaily, Count: intPtr(0)},
			wantCode: RuleErrCountOutOfRange,
		},
		{
			name:     "count above cap",
			rule:     Rule{Frequency: FrequencyDaily, Count: intPtr(366)},
			wantCode: RuleErrCountOutOfRange,
		},
		{
			name:     "until before anchor date",
			rule:     Rule{Frequency: FrequencyDaily, Until: timePtr(anchor.AddDate(0, 0, -1))},
			wantCode: RuleErrUntilBeforeStart,
		},
		{
			name:     "weekly invalid weekday",
			rule:     Rule{Frequency: FrequencyWeekly, ByWeekday: []time.Weekday{time.Weekday(9)}},
			wantCode: RuleErrInvalidWeekday,
		},
		{
			name:     "monthly day out of range",
			rule:     Rule{Frequency: FrequencyMonthly, ByMonthDay: 32},
			wantCode: RuleErrDayOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateRule(tt.rule, anchor)
			if err == nil {
				t.Fatalf("expected error")
			}
			var ruleErr *RuleError
			if !errors.As(err, &ruleErr) {
				t.Fatalf("error type = %T, want *RuleError", err)
			}
			if ruleErr.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", ruleErr.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateRule_Normalization(t *testing.T) {
	anchor := time.Date(2026, 1, 7, 14, 30, 0, 0, time.UTC) // a Wednesday

	t.Run("interval defaults to 1", func(t *testing.T) {
		rule, err := ValidateRule(Rule{Frequency: FrequencyDaily}, anchor)
		if err != nil {
			t.Fatalf("ValidateRule error: %v", err)
		}
		if rule.Interval != 1 {
			t.Fatalf("interval = %d, want 1", rule.Interval)
		}
	})

	t.Run("weekly defaults to anchor weekday", func(t *testing.T) {
		rule, err := ValidateRule(Rule{Frequency: FrequencyWeekly}, anchor)
		if err != nil {
			t.Fatalf("ValidateRule error: %v", err)
		}
		if len(rule.ByWeekday) != 1 || rule.ByWeekday[0] != time.Wednesday {
			t.Fatalf("by_weekday = %v, want [Wednesday]", rule.ByWeekday)
		}
	})

	t.Run("weekdays deduplicated and sorted Monday-first", func(t *testing.T) {
		rule, err := ValidateRule(Rule{
			Frequency: FrequencyWeekly,
			ByWeekday: []time.Weekday{time.Sunday, time.Friday, time.Monday, time.Friday},
		}, anchor)
		if err != nil {
			t.Fatalf("ValidateRule error: %v", err)
		}
		want := []time.Weekday{time.Monday, time.Friday, time.Sunday}
		if len(rule.ByWeekday) != len(want) {
			t.Fatalf("by_weekday = %v, want %v", rule.ByWeekday, want)
		}
		for i := range want {
			if rule.ByWeekday[i] != want[i] {
				t.Fatalf("by_weekday = %v, want %v", rule.ByWeekday, want)
			}
		}
	})

	t.Run("monthly defaults to anchor day", func(t *testing.T) {
		rule, err := ValidateRule(Rule{Frequency: FrequencyMonthly}, anchor)
		if err != nil {
			t.Fatalf("ValidateRule error: %v", err)
		}
		if rule.ByMonthDay != 7 {
			t.Fatalf("by_month_day = %d, want 7", rule.ByMonthDay)
		}
	})

	t.Run("selectors cleared for other frequencies", func(t *testing.T) {
		rule, err := ValidateRule(Rule{
			Frequency:  FrequencyDaily,
			ByWeekday:  []time.Weekday{time.Monday},
			ByMonthDay: 15,
		}, anchor)
		if err != nil {
			t.Fatalf("ValidateRule error: %v", err)
		}
		if len(rule.ByWeekday) != 0 || rule.ByMonthDay != 0 {
			t.Fatalf("selectors not cleared: by_weekday=%v by_month_day=%d", rule.ByWeekday, rule.ByMonthDay)
		}
	})

	t.Run("until on the anchor date is allowed", func(t *testing.T) {
		_, err := ValidateRule(Rule{
			Frequency: FrequencyDaily,
			Until:     timePtr(time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)),
		}, anchor)
		if err != nil {
			t.Fatalf("ValidateRule error: %v", err)
		}
	})
}

func TestParseWeekday(t *testing.T) {
	wd, err := ParseWeekday("MO")
	if err != nil {
		t.Fatalf("ParseWeekday error: %v", err)
	}
	if wd != time.Monday {
		t.Fatalf("weekday = %v, want Monday", wd)
	}

	if _, err := ParseWeekday("XX"); err == nil {
		t.Fatalf("expected error for unknown code")
	}

	if code := WeekdayCode(time.Sunday); code != "SU" {
		t.Fatalf("code = %q, want %q", code, "SU")
	}
}
