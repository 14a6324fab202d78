package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cargomesh/eventcore/internal/application/relay"
	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/cargomesh/eventcore/internal/domain/outbox"
	"github.com/rs/zerolog"
)

type EnqueueRequest struct {
	EventName   string          `json:"event_name"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

type EnqueueResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// EnqueueHandler accepts events over HTTP and appends them to the outbox
// inside a transaction. It stands in for the business transaction that
// would normally carry the append along with its own writes.
type EnqueueHandler struct {
	uc     *relay.EnqueueUseCase
	tx     relay.TxRunner
	logger zerolog.Logger
}

func NewEnqueueHandler(uc *relay.EnqueueUseCase, tx relay.TxRunner, logger zerolog.Logger) *EnqueueHandler {
	return &EnqueueHandler{uc: uc, tx: tx, logger: logger}
}

func (h *EnqueueHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var msg *outbox.Message
	err := h.tx.WithTransaction(r.Context(), func(ctx context.Context) error {
		var err error
		msg, err = h.uc.Execute(ctx, relay.EnqueueInput{
			EventName:   req.EventName,
			AggregateID: req.AggregateID,
			Payload:     req.Payload,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, domainErrors.ErrEmptyEventName) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		h.logger.Error().Err(err).Str("event_name", req.EventName).Msg("Failed to enqueue event")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to enqueue event"})
		return
	}

	h.logger.Info().
		Str("message_id", msg.ID.String()).
		Str("event_name", msg.EventName).
		Msg("Event enqueued")
	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		ID:     msg.ID.String(),
		Status: string(msg.Status),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
