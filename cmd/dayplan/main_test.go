package main

import (
	"slices"
	"testing"
	"time"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

var base = time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC) // a Wednesday

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2024-02-29", "2024-02-29", false},
		{"today", "2024-01-03", false},
		{"Tomorrow", "2024-01-04", false},
		{"yesterday", "2024-01-02", false},
		{"", "", true},
		{"soonish", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDay(tt.in, base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDay(%q) = %s, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDay(%q): %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("parseDay(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseMoment(t *testing.T) {
	day, _ := schema.ParseDate("2024-01-08")

	got, err := parseMoment("09:30", day, base)
	if err != nil {
		t.Fatalf("parseMoment: %v", err)
	}
	want := time.Date(2024, 1, 8, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseMoment(09:30) = %v, want %v", got, want)
	}

	got, err = parseMoment("2024-01-09T07:00:00Z", day, base)
	if err != nil {
		t.Fatalf("parseMoment: %v", err)
	}
	if !got.Equal(time.Date(2024, 1, 9, 7, 0, 0, 0, time.UTC)) {
		t.Errorf("parseMoment(RFC 3339) = %v", got)
	}
}

func TestParseWeekdays(t *testing.T) {
	got, err := parseWeekdays([]string{"MO,we", "friday"})
	if err != nil {
		t.Fatalf("parseWeekdays: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	if !slices.Equal(got, want) {
		t.Errorf("parseWeekdays = %v, want %v", got, want)
	}

	if _, err := parseWeekdays([]string{"MO,XX"}); err == nil {
		t.Error("parseWeekdays accepted an unknown weekday")
	}
}

func TestDescribeRule(t *testing.T) {
	start, _ := schema.ParseDate("2024-01-01")
	until, _ := schema.ParseDate("2024-06-30")
	at := schema.NewClock(9, 30)

	tests := []struct {
		name string
		rule schema.Rule
		want string
	}{
		{
			name: "daily",
			rule: schema.Rule{Freq: schema.FreqDaily, Interval: 1, Start: start},
			want: "every day",
		},
		{
			name: "biweekly with days and time",
			rule: schema.Rule{
				Freq: schema.FreqWeekly, Interval: 2, Start: start,
				ByDay: []time.Weekday{time.Monday, time.Wednesday}, PlannedStart: &at,
			},
			want: "every 2 weeks on Mon, Wed at 09:30",
		},
		{
			name: "monthly until",
			rule: schema.Rule{Freq: schema.FreqMonthly, Interval: 1, Start: start, ByMonthDay: []int{31}, Until: &until},
			want: "every month on day 31 until 2024-06-30",
		},
		{
			name: "yearly",
			rule: schema.Rule{Freq: schema.FreqMonthly, Interval: schema.YearlyInterval, Start: start, ByMonthDay: []int{1}},
			want: "every year on Jan 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeRule(&tt.rule); got != tt.want {
				t.Errorf("describeRule = %q, want %q", got, tt.want)
			}
		})
	}
}
