// Package schedule fires cron-triggered workflows. A single scheduler
// polls the schedule table; each due entry's NextRunAt is advanced past
// the due time before the run starts, so a fire is never repeated even
// if the process crashes mid-dispatch.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
	"github.com/relaychat/automation/engine"
)

// Five-field expressions only: minute hour day-of-month month day-of-week
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// GetNextCronTime returns the next fire time strictly after from,
// evaluated in the given IANA timezone. An empty timezone means UTC.
func GetNextCronTime(expression string, from time.Time, timezone string) (time.Time, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", expression, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("loading timezone %q: %w", timezone, err)
		}
	}
	return sched.Next(from.In(loc)), nil
}

// DefaultTickInterval bounds schedule firing latency
const DefaultTickInterval = 30 * time.Second

// Scheduler polls for due schedule entries and starts runs for them
type Scheduler struct {
	store  automation.Store
	runner *engine.Engine
	logger zerolog.Logger
	audit  *automation.AuditRecorder

	tick time.Duration
	stop chan struct{}
	done chan struct{}
}

// Option configures the scheduler
type Option func(*Scheduler)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTickInterval overrides the polling cadence. Intervals above one
// minute would let minute-granular schedules slip a full period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 && d <= time.Minute {
			s.tick = d
		}
	}
}

// New creates a scheduler
func New(store automation.Store, runner *engine.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		runner: runner,
		logger: automation.DefaultLogger(),
		tick:   DefaultTickInterval,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.audit = automation.NewAuditRecorder(store, s.logger)
	return s
}

// Register creates or refreshes the schedule entry for a
// schedule-triggered definition. The entry's ID is the workflow ID, so
// re-registering after an edit replaces the old cadence.
func (s *Scheduler) Register(ctx context.Context, def *automation.WorkflowDefinition) error {
	if def.Trigger.Type != automation.TriggerTypeSchedule {
		return automation.NewValidationError("trigger.type", "workflow is not schedule-triggered")
	}

	next, err := GetNextCronTime(def.Trigger.CronExpression, time.Now().UTC(), def.Trigger.Timezone)
	if err != nil {
		return err
	}

	entry := &automation.ScheduleEntry{
		ID:             def.ID,
		WorkflowID:     def.ID,
		CronExpression: def.Trigger.CronExpression,
		Timezone:       def.Trigger.Timezone,
		Enabled:        def.Enabled,
		NextRunAt:      next,
		UpdatedAt:      time.Now().UTC(),
	}
	if prev, err := s.store.GetSchedule(ctx, def.ID); err == nil && prev != nil {
		entry.LastRunAt = prev.LastRunAt
		entry.LastRunStatus = prev.LastRunStatus
	}
	return s.store.PutSchedule(ctx, entry)
}

// Unregister removes the schedule entry for a workflow
func (s *Scheduler) Unregister(ctx context.Context, workflowID string) error {
	return s.store.DeleteSchedule(ctx, workflowID)
}

// Start launches the polling loop
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the polling loop and waits for the in-flight tick
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.tick).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick processes every entry due at or before now. Exported so tests
// can drive the scheduler without a running ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		automation.LogPersistenceError(s.logger, "list_due_schedules", err)
		return
	}

	for _, entry := range due {
		if !entry.Enabled {
			continue
		}
		s.fire(ctx, entry, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *automation.ScheduleEntry, now time.Time) {
	dueAt := entry.NextRunAt

	// Advance before starting the run. If the advance fails the fire is
	// skipped for this tick rather than risked twice.
	next, err := GetNextCronTime(entry.CronExpression, now, entry.Timezone)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("schedule_id", entry.ID).
			Msg("schedule entry has an unparseable cron expression, disabling")
		entry.Enabled = false
		entry.UpdatedAt = now
		if putErr := s.store.PutSchedule(ctx, entry); putErr != nil {
			automation.LogPersistenceError(s.logger, "put_schedule", putErr)
		}
		return
	}
	entry.NextRunAt = next
	entry.UpdatedAt = now
	if err := s.store.PutSchedule(ctx, entry); err != nil {
		automation.LogPersistenceError(s.logger, "put_schedule", err)
		return
	}

	def, err := s.store.GetDefinition(ctx, entry.WorkflowID)
	if err != nil || def == nil {
		s.logger.Warn().
			Str("schedule_id", entry.ID).
			Str("workflow_id", entry.WorkflowID).
			Msg("schedule entry points at a missing workflow, removing")
		if delErr := s.store.DeleteSchedule(ctx, entry.ID); delErr != nil {
			automation.LogPersistenceError(s.logger, "delete_schedule", delErr)
		}
		return
	}
	if !def.Enabled {
		return
	}

	runID, err := s.runner.StartRun(ctx, def, &automation.TriggerInfo{
		Type:      automation.TriggerTypeSchedule,
		Source:    entry.ID,
		Timestamp: now,
		Payload:   map[string]any{"scheduledFor": dueAt},
	})

	entry.LastRunAt = automation.ToPtr(now)
	if err != nil {
		entry.LastRunStatus = automation.RunStatusFailed
		s.logger.Error().
			Err(err).
			Str("workflow_id", def.ID).
			Msg("failed to start scheduled run")
	} else {
		entry.LastRunStatus = automation.RunStatusRunning
		s.audit.Record(ctx, automation.AuditLogEntry{
			EventType:   automation.AuditScheduleFired,
			WorkflowID:  def.ID,
			RunID:       runID,
			Description: fmt.Sprintf("schedule fired for %s", dueAt.Format(time.RFC3339)),
			Details:     map[string]any{"scheduleId": entry.ID, "dueAt": dueAt},
		})
	}
	entry.UpdatedAt = time.Now().UTC()
	if err := s.store.PutSchedule(ctx, entry); err != nil {
		automation.LogPersistenceError(s.logger, "put_schedule", err)
	}
}
