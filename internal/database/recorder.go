package database

import (
	"context"
	"log/slog"
	"strings"

	"github.com/softdial/softdial/internal/callflow"
	"github.com/softdial/softdial/internal/database/models"
)

// Recorder persists engine call outcomes into the call history. It
// implements the engine's outcome recorder; writes that duplicate an
// existing session are absorbed rather than surfaced.
type Recorder struct {
	records CallRecordRepository
	archive *Archive
	logger  *slog.Logger
}

// NewRecorder creates a call outcome recorder. archive may be nil.
func NewRecorder(records CallRecordRepository, archive *Archive, logger *slog.Logger) *Recorder {
	return &Recorder{
		records: records,
		archive: archive,
		logger:  logger.With("subsystem", "recorder"),
	}
}

// RecordCallOutcome writes one finished call to the history and, when an
// archive is configured, mirrors it there.
func (r *Recorder) RecordCallOutcome(ctx context.Context, rec callflow.OutcomeRecord) error {
	row := &models.CallRecord{
		SessionID:     rec.SessionID,
		UserID:        rec.UserID,
		Number:        rec.Number,
		StartedAt:     rec.StartedAt,
		Duration:      rec.Duration,
		Outcome:       string(rec.Outcome),
		FailureReason: rec.FailureReason,
		DiagTag:       rec.DiagTag,
	}

	if err := r.records.Create(ctx, row); err != nil {
		// The unique session_id constraint makes replays harmless.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			r.logger.Debug("duplicate call record absorbed", "session_id", rec.SessionID)
			return nil
		}
		return err
	}

	if r.archive != nil {
		if err := r.archive.Store(ctx, row); err != nil {
			// Archive failures never fail the primary write.
			r.logger.Warn("archiving call record failed",
				"session_id", rec.SessionID,
				"error", err,
			)
		}
	}
	return nil
}
