package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/parseltonguedev/EquilibriumLife/internal/usecase"
)

// Runner performs one reminder delivery pass.
type Runner interface {
	Run(ctx context.Context) (usecase.Report, error)
}

// Reminders handles the periodic scheduler tick.
type Reminders struct {
	scheduler Runner
}

func NewReminders(scheduler Runner) (*Reminders, error) {
	if scheduler == nil {
		return nil, errors.New("handler: scheduler must not be nil")
	}
	return &Reminders{scheduler: scheduler}, nil
}

// Handle runs the delivery pass for one tick. A returned error lets the
// platform's retry and alarm machinery see the failed tick; per-user
// delivery failures are already absorbed into the report.
func (h *Reminders) Handle(ctx context.Context, event events.CloudWatchEvent) error {
	log := slog.With("eventId", event.ID)

	rep, err := h.scheduler.Run(ctx)
	if err != nil {
		log.Error("reminder pass failed", "err", err)
		return err
	}
	log.Info("reminder pass complete",
		"scanned", rep.Scanned,
		"due", rep.Due,
		"sent", rep.Sent,
		"alreadyHandled", rep.AlreadyHandled,
		"failed", rep.Failed,
	)
	return nil
}
