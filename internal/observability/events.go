package observability

import (
	"time"

	"github.com/rs/zerolog"
)

// EventLog emits structured stage-transition events for a single run.
// Every event carries run_id and table so downstream sinks can correlate.
type EventLog struct {
	logger zerolog.Logger
}

// NewEventLog binds an event log to a run.
func NewEventLog(logger zerolog.Logger, runID, table string) *EventLog {
	return &EventLog{
		logger: logger.With().
			Str("component", "pipeline").
			Str("run_id", runID).
			Str("table", table).
			Logger(),
	}
}

// StageStarted records a stage beginning.
func (e *EventLog) StageStarted(stage string) {
	e.logger.Info().Str("stage", stage).Msg("Stage started")
}

// StageCompleted records a stage finishing with its duration.
func (e *EventLog) StageCompleted(stage string, took time.Duration) {
	e.logger.Info().Str("stage", stage).Dur("took", took).Msg("Stage completed")
}

// StageFailed records a stage failure.
func (e *EventLog) StageFailed(stage string, err error) {
	e.logger.Error().Str("stage", stage).Err(err).Msg("Stage failed")
}
