// Package handler adapts Lambda event payloads to the use cases and maps
// their failures onto the acknowledge-or-redeliver contract of the chat
// platform.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/parseltonguedev/EquilibriumLife/internal/domain"
	"github.com/parseltonguedev/EquilibriumLife/internal/integrations/telegram"
	"github.com/parseltonguedev/EquilibriumLife/internal/repository"
	"github.com/parseltonguedev/EquilibriumLife/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Engine processes one deduplicated inbound message.
type Engine interface {
	HandleMessage(ctx context.Context, in usecase.Inbound) error
}

// DedupeStore claims and releases per-update idempotency markers.
type DedupeStore interface {
	InsertDedupe(ctx context.Context, userID string, updateID int64, now time.Time) error
	DeleteDedupe(ctx context.Context, userID string, updateID int64) error
}

// Webhook handles the platform's update callbacks. Status codes follow
// the redelivery contract: 200 acknowledges the update permanently, any
// other status makes the platform retry it later.
type Webhook struct {
	engine Engine
	dedupe DedupeStore

	now func() time.Time
}

func NewWebhook(engine Engine, dedupe DedupeStore) (*Webhook, error) {
	if engine == nil {
		return nil, errors.New("handler: engine must not be nil")
	}
	if dedupe == nil {
		return nil, errors.New("handler: dedupe store must not be nil")
	}
	return &Webhook{engine: engine, dedupe: dedupe, now: time.Now}, nil
}

// Handle processes one webhook delivery. Malformed and duplicate updates
// are acknowledged without processing; only failures worth a redelivery
// return a non-200 status.
func (h *Webhook) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := slog.With("correlationId", corrID)

	update, err := telegram.ParseUpdate([]byte(req.Body))
	if err != nil {
		// A retry would deliver the same bytes again; drop it for good.
		log.Warn("discarding malformed update", "err", err)
		return respond(http.StatusOK, corrID), nil
	}
	log = log.With("updateId", update.UpdateID)

	msg := update.Message
	if msg == nil || msg.Chat.ID == 0 {
		log.Info("ignoring non-message update")
		return respond(http.StatusOK, corrID), nil
	}
	if msg.From != nil && msg.From.IsBot {
		log.Info("ignoring bot-authored message")
		return respond(http.StatusOK, corrID), nil
	}

	userID := domain.UserKey(msg.Chat.ID)
	err = h.dedupe.InsertDedupe(ctx, userID, update.UpdateID, h.now())
	if errors.Is(err, repository.ErrDuplicateEvent) {
		log.Info("duplicate update acknowledged")
		return respond(http.StatusOK, corrID), nil
	}
	if err != nil {
		log.Error("dedupe claim failed", "err", err)
		return respond(http.StatusInternalServerError, corrID), nil
	}

	in := usecase.Inbound{
		UpdateID:  update.UpdateID,
		ChatID:    msg.Chat.ID,
		FirstName: firstName(msg),
		Text:      msg.Text,
	}
	if err := h.engine.HandleMessage(ctx, in); err != nil {
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorTransient {
			// Release the idempotency marker so the platform's
			// redelivery gets a clean run.
			if derr := h.dedupe.DeleteDedupe(ctx, userID, update.UpdateID); derr != nil {
				log.Error("dedupe release failed", "err", derr)
			}
			log.Warn("transient failure, requesting redelivery", "err", err)
			return respond(http.StatusInternalServerError, corrID), nil
		}
		// Terminal: redelivering the same update would fail the same way.
		log.Error("update processing failed", "err", err)
		return respond(http.StatusOK, corrID), nil
	}
	return respond(http.StatusOK, corrID), nil
}

func firstName(msg *telegram.Message) string {
	if msg.From == nil {
		return ""
	}
	return msg.From.FirstName
}

func respond(status int, corrID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: `{"ok":true}`,
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
