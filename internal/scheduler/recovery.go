package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Recover handles schedules whose next run passed while the scheduler was
// stopped. With catch-up enabled a missed schedule runs once. Otherwise it
// is moved to its next run after now. One-time schedules always run once,
// since skipping them would mean never running them.
func (s *Scheduler) Recover(ctx context.Context) error {
	now := s.now()
	due, err := s.store.Due(ctx, now, dueBatch)
	if err != nil {
		return fmt.Errorf("loading missed schedules: %w", err)
	}

	log.Info().
		Int("count", len(due)).
		Bool("catchup_enabled", s.catchup).
		Msg("Recovering schedules")

	for _, schedule := range due {
		missed := countMissed(schedule, now)
		logger := log.With().
			Str("schedule_id", schedule.ID).
			Str("schedule_name", schedule.Name).
			Int("missed_count", missed).
			Logger()

		if s.catchup || schedule.Type == ScheduleTypeOneTime {
			if _, err := s.run(ctx, schedule, now); err != nil {
				logger.Error().Err(err).Msg("Failed to execute catch-up")
			}
			continue
		}

		next, ok, err := NextRun(schedule, now)
		if err != nil || !ok {
			logger.Error().Err(err).Msg("Failed to reschedule missed schedule")
			continue
		}
		if err := s.store.Reschedule(ctx, schedule.ID, next); err != nil {
			logger.Error().Err(err).Msg("Failed to update next_run during recovery")
			continue
		}
		logger.Info().Time("next_run", next).Msg("Catch-up disabled, skipped missed runs")
	}
	return nil
}

// countMissed estimates how many runs were missed, capped at 1000.
func countMissed(schedule *Schedule, now time.Time) int {
	if schedule.NextRun == nil || schedule.NextRun.After(now) {
		return 0
	}

	switch schedule.Type {
	case ScheduleTypeCron, ScheduleTypeInterval:
		missed := 0
		current := *schedule.NextRun
		for !current.After(now) && missed < 1000 {
			missed++
			next, ok, err := NextRun(schedule, current)
			if err != nil || !ok {
				break
			}
			current = next
		}
		return missed
	default:
		return 1
	}
}
