package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Seed is the content of a `dayplan init --seed` file:
//
//	[[lists]]
//	name = "Work"
//
//	[[rules]]
//	title = "Standup"
//	list = "Work"
//	freq = "WEEKLY"
//	byday = ["MO", "WE", "FR"]
//	start = "2024-01-01"
//	planned_start = "09:30"
//	planned_end = "09:45"
type Seed struct {
	Lists []SeedList `toml:"lists"`
	Rules []SeedRule `toml:"rules"`
}

// SeedList is a list to create.
type SeedList struct {
	Name      string `toml:"name"`
	SortIndex int    `toml:"sort_index"`
}

// SeedRule is a recurrence rule to create. List names a seeded or existing
// list.
type SeedRule struct {
	Title           string   `toml:"title"`
	Notes           string   `toml:"notes"`
	List            string   `toml:"list"`
	Freq            string   `toml:"freq"`
	Interval        int      `toml:"interval"`
	ByDay           []string `toml:"byday"`
	ByMonthDay      []int    `toml:"bymonthday"`
	Start           string   `toml:"start"`
	Until           string   `toml:"until"`
	PlannedStart    string   `toml:"planned_start"`
	PlannedEnd      string   `toml:"planned_end"`
	EstimateMinutes int      `toml:"estimate_minutes"`
	Priority        int      `toml:"priority"`
}

// LoadSeed decodes a seed file. Unknown keys are an error so typos do not
// silently drop fields.
func LoadSeed(path string) (*Seed, error) {
	var seed Seed
	md, err := toml.DecodeFile(path, &seed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode seed %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("seed %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return &seed, nil
}

// Rule converts the seed entry. An empty Start defaults to today.
func (s SeedRule) Rule(listID *string, today schema.Date) (*schema.Rule, error) {
	r := &schema.Rule{
		Title:      s.Title,
		Notes:      s.Notes,
		ListID:     listID,
		Freq:       schema.Freq(strings.ToUpper(s.Freq)),
		Interval:   s.Interval,
		ByMonthDay: s.ByMonthDay,
		Priority:   s.Priority,
		Start:      today,
	}
	if r.Freq == "YEARLY" {
		r.Freq = schema.FreqMonthly
		r.Interval = schema.YearlyInterval
	}
	for _, day := range s.ByDay {
		wd, err := ParseWeekday(day)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", s.Title, err)
		}
		r.ByDay = append(r.ByDay, wd)
	}
	if s.Start != "" {
		d, err := schema.ParseDate(s.Start)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", s.Title, err)
		}
		r.Start = d
	}
	if s.Until != "" {
		d, err := schema.ParseDate(s.Until)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", s.Title, err)
		}
		r.Until = &d
	}
	var err error
	if r.PlannedStart, err = parseClock(s.PlannedStart); err != nil {
		return nil, fmt.Errorf("rule %q: %w", s.Title, err)
	}
	if r.PlannedEnd, err = parseClock(s.PlannedEnd); err != nil {
		return nil, fmt.Errorf("rule %q: %w", s.Title, err)
	}
	if s.EstimateMinutes > 0 {
		r.EstimateMinutes = schema.Ptr(s.EstimateMinutes)
	}
	return r, nil
}

func parseClock(s string) (*schema.Clock, error) {
	if s == "" {
		return nil, nil
	}
	c, err := schema.ParseClock(s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

var weekdays = map[string]time.Weekday{
	"SU": time.Sunday, "MO": time.Monday, "TU": time.Tuesday, "WE": time.Wednesday,
	"TH": time.Thursday, "FR": time.Friday, "SA": time.Saturday,
}

// ParseWeekday accepts two-letter codes (MO) and English names or their
// prefixes (mon, Monday), case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	if len(up) >= 2 {
		if wd, ok := weekdays[up[:2]]; ok {
			name := strings.ToUpper(wd.String())
			if len(up) == 2 || strings.HasPrefix(name, up) {
				return wd, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", schema.ErrInvalid, s)
}
