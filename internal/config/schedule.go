package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/iliyamo/booking-settlement/internal/settlement"
)

// StageSchedule is the cron entry of one stage.
type StageSchedule struct {
	Spec     string `yaml:"spec"`
	Disabled bool   `yaml:"disabled"`
}

// Schedule maps stage names to cron entries.  Specs use the standard
// five-field cron syntax and are evaluated in Timezone.
//
// Example file:
//
//	timezone: UTC
//	stages:
//	  process-refunds:
//	    spec: "*/30 * * * *"
//	  wallet-withdrawals:
//	    disabled: true
type Schedule struct {
	Timezone string                   `yaml:"timezone"`
	Stages   map[string]StageSchedule `yaml:"stages"`
}

// DefaultSchedule runs the stages nightly, fifteen to thirty minutes
// apart, in pipeline order.
func DefaultSchedule() Schedule {
	return Schedule{
		Timezone: "UTC",
		Stages: map[string]StageSchedule{
			settlement.StageResolve:     {Spec: "15 1 * * *"},
			settlement.StageSettle:      {Spec: "30 1 * * *"},
			settlement.StageRefund:      {Spec: "0 2 * * *"},
			settlement.StageWithdrawals: {Spec: "30 2 * * *"},
		},
	}
}

// LoadSchedule returns the default schedule overlaid with the file at
// path.  An empty path yields the default.
func LoadSchedule(path string) (Schedule, error) {
	sched := DefaultSchedule()
	if path == "" {
		return sched, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("read schedule: %w", err)
	}
	var file Schedule
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %s: %w", path, err)
	}
	if file.Timezone != "" {
		sched.Timezone = file.Timezone
	}
	for name, entry := range file.Stages {
		cur := sched.Stages[name]
		if entry.Spec != "" {
			cur.Spec = entry.Spec
		}
		cur.Disabled = entry.Disabled
		sched.Stages[name] = cur
	}
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Validate checks stage names, specs and the timezone.
func (s Schedule) Validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("schedule timezone %q: %w", s.Timezone, err)
	}
	known := map[string]bool{}
	for _, name := range settlement.StageNames {
		known[name] = true
	}
	for _, name := range s.Names() {
		entry := s.Stages[name]
		if !known[name] {
			return fmt.Errorf("schedule: unknown stage %q", name)
		}
		if entry.Disabled {
			continue
		}
		if _, err := cron.ParseStandard(entry.Spec); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}

// Names returns the scheduled stage names in sorted order.
func (s Schedule) Names() []string {
	names := make([]string, 0, len(s.Stages))
	for name := range s.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Location returns the schedule's timezone, UTC when unset or invalid.
func (s Schedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
