// Package scheduler runs functions on cron, interval and one-time schedules.
package scheduler

import "time"

// ScheduleType represents the type of schedule.
type ScheduleType string

const (
	// ScheduleTypeCron runs on a 5-field cron expression or a descriptor
	// such as @hourly.
	ScheduleTypeCron ScheduleType = "cron"
	// ScheduleTypeInterval runs every Go duration, at least one second.
	ScheduleTypeInterval ScheduleType = "interval"
	// ScheduleTypeOneTime runs once at an RFC3339 timestamp.
	ScheduleTypeOneTime ScheduleType = "one_time"
)

// Schedule invokes a function with a static input.
type Schedule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Function        string         `json:"function"`
	Type            ScheduleType   `json:"type"`
	Expression      string         `json:"expression"`
	Timezone        string         `json:"timezone"`
	Input           map[string]any `json:"input,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRun         *time.Time     `json:"next_run,omitempty"`
	LastRun         *time.Time     `json:"last_run,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	LastStatus      string         `json:"last_status,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
