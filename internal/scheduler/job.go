// Package scheduler runs the engine's periodic work (queue drains and local
// cleanup) on interval, cron or daily schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule defines when a job runs.
type Schedule struct {
	Kind       string `json:"kind" toml:"kind" yaml:"kind"` // "interval", "cron", "at"
	IntervalMs int64  `json:"intervalMs,omitempty" toml:"intervalMs" yaml:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty" toml:"expr" yaml:"expr,omitempty"` // cron expression or descriptor such as "@every 1h"
	Time       string `json:"time,omitempty" toml:"time" yaml:"time,omitempty"` // "HH:MM" for daily
	Timezone   string `json:"timezone,omitempty" toml:"timezone" yaml:"timezone,omitempty"`
}

// Every returns an interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: "interval", IntervalMs: d.Milliseconds()}
}

// Task is the work a job performs.
type Task func(ctx context.Context) error

// Job is a named task and its schedule.
type Job struct {
	Name     string
	Schedule Schedule
	Task     Task
}

// JobState tracks job execution state
type JobState struct {
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks if the schedule is usable
func (s Schedule) Validate() error {
	switch s.Kind {
	case "interval":
		if s.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if s.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case "at":
		if s.Time == "" {
			return fmt.Errorf("time required for 'at' schedule")
		}
		if _, err := time.Parse("15:04", s.Time); err != nil {
			return fmt.Errorf("invalid time format (use HH:MM): %w", err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("load timezone: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval, cron, or at)", s.Kind)
	}
	return nil
}

// NextRun calculates the next run time after from
func (s Schedule) NextRun(from time.Time) (time.Time, error) {
	switch s.Kind {
	case "interval":
		return from.Add(time.Duration(s.IntervalMs) * time.Millisecond), nil

	case "cron":
		schedule, err := cron.ParseStandard(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil

	case "at":
		t, err := time.Parse("15:04", s.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}

		loc := time.Local
		if s.Timezone != "" {
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}

		local := from.In(loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// Validate checks the job before it is scheduled.
func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name required")
	}
	if j.Task == nil {
		return fmt.Errorf("job %s: task required", j.Name)
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	return nil
}
