package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
	"github.com/parseltonguedev/EquilibriumLife/internal/repository"
)

const (
	morningHour = 7
	eveningHour = 20
	// deliveryTolerance is how far past a window's occurrence a tick may
	// run and still deliver it. Beyond that the occurrence is considered
	// missed rather than sent hours late.
	deliveryTolerance = 45 * time.Minute
)

const (
	morningReminderText = "🌞 Good morning! How are you feeling today? Log your mood with /logmood or /checkin."
	eveningReminderText = "🌙 Evening check-in: take a minute to reflect on your day. /logmood"
)

// ReminderStore is the slice of persistence the scheduler needs.
type ReminderStore interface {
	EnabledReminders(ctx context.Context) ([]domain.Reminder, error)
	AdvanceDelivery(ctx context.Context, r domain.Reminder, occurrence time.Time) error
}

// Scheduler delivers due check-in reminders. It is driven by a periodic
// tick and relies on the store's conditional delivery marker for
// exactly-once semantics per window occurrence, even with overlapping
// ticks.
type Scheduler struct {
	store     ReminderStore
	msgr      Messenger
	tolerance time.Duration

	now func() time.Time
}

func NewScheduler(store ReminderStore, msgr Messenger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("usecase: reminder store must not be nil")
	}
	if msgr == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	return &Scheduler{
		store:     store,
		msgr:      msgr,
		tolerance: deliveryTolerance,
		now:       time.Now,
	}, nil
}

// Report summarizes one scheduler tick.
type Report struct {
	Scanned        int
	Due            int
	Sent           int
	AlreadyHandled int
	Failed         int
}

// Run performs one delivery pass. Failures for one user never block the
// rest of the scan.
func (s *Scheduler) Run(ctx context.Context) (Report, error) {
	var rep Report

	reminders, err := s.store.EnabledReminders(ctx)
	if err != nil {
		return rep, newError(ErrorInternal, "reminder_scan_error", err)
	}
	rep.Scanned = len(reminders)

	now := s.now().UTC()
	for _, r := range reminders {
		for _, window := range r.Windows {
			occurrence, ok := dueOccurrence(r, window, now, s.tolerance)
			if !ok {
				continue
			}
			rep.Due++

			if err := s.deliver(ctx, &r, window, occurrence); err != nil {
				if errors.Is(err, repository.ErrConcurrentModification) {
					// Another tick already delivered this occurrence,
					// or the user changed settings mid-scan.
					rep.AlreadyHandled++
					continue
				}
				rep.Failed++
				slog.Error("reminder delivery failed",
					"user", r.UserID, "window", window, "err", err)
				continue
			}
			rep.Sent++
		}
	}
	return rep, nil
}

// deliver sends the window's message and advances the delivery marker.
// The marker moves only after a successful send, so a send failure leaves
// the occurrence due for the next tick.
func (s *Scheduler) deliver(ctx context.Context, r *domain.Reminder, window string, occurrence time.Time) error {
	chatID, err := domain.ChatID(r.UserID)
	if err != nil {
		return err
	}
	if err := s.msgr.SendMessage(ctx, chatID, windowText(window)); err != nil {
		return err
	}
	if err := s.store.AdvanceDelivery(ctx, *r, occurrence); err != nil {
		return err
	}
	// Keep the in-memory copy aligned so the second window of the same
	// user conditions on the advanced version.
	r.LastDelivered = occurrence.Format(time.RFC3339)
	r.Version++
	return nil
}

// dueOccurrence computes the window's most recent occurrence in the
// user's local day, mapped back to UTC, and reports whether it is
// currently deliverable: within tolerance of now and newer than the last
// delivered occurrence.
func dueOccurrence(r domain.Reminder, window string, nowUTC time.Time, tolerance time.Duration) (time.Time, bool) {
	hour, ok := windowHour(window)
	if !ok {
		return time.Time{}, false
	}
	offset := time.Duration(r.TZOffsetMinutes) * time.Minute

	local := nowUTC.Add(offset)
	occLocal := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, time.UTC)
	occUTC := occLocal.Add(-offset)

	if nowUTC.Before(occUTC) || nowUTC.Sub(occUTC) > tolerance {
		return time.Time{}, false
	}
	if r.LastDelivered != "" && r.LastDelivered >= occUTC.Format(time.RFC3339) {
		return time.Time{}, false
	}
	return occUTC, true
}

func windowHour(window string) (int, bool) {
	switch window {
	case domain.WindowMorning:
		return morningHour, true
	case domain.WindowEvening:
		return eveningHour, true
	default:
		return 0, false
	}
}

func windowText(window string) string {
	if window == domain.WindowEvening {
		return eveningReminderText
	}
	return morningReminderText
}
