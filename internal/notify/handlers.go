package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gearbox-erp/gearbox-erp/jobs"
)

// TaskHandlers returns the worker registrations for all notification
// tasks. Malformed payloads are dropped rather than retried.
func TaskHandlers(client *Client, logger *slog.Logger) []jobs.TaskHandler {
	h := &taskHandlers{client: client, logger: logger}
	return []jobs.TaskHandler{
		{Type: TaskStatusUpdate, Handler: handlerFor[StatusUpdatePayload](h, "status-update")},
		{Type: TaskEstimateReady, Handler: handlerFor[EstimatePayload](h, "estimate-ready")},
		{Type: TaskEstimateReviewed, Handler: handlerFor[EstimatePayload](h, "estimate-reviewed")},
		{Type: TaskPaymentSuccess, Handler: handlerFor[PaymentSuccessPayload](h, "payment-success")},
		{Type: TaskVehicleReady, Handler: handlerFor[VehicleReadyPayload](h, "vehicle-ready")},
	}
}

type taskHandlers struct {
	client *Client
	logger *slog.Logger
}

func handlerFor[T any](h *taskHandlers, kind string) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload T
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			h.logger.Warn("drop malformed notification task", slog.String("kind", kind), slog.Any("error", err))
			return asynq.SkipRetry
		}
		if err := h.client.Send(ctx, kind, payload); err != nil {
			h.logger.Warn("notification delivery failed", slog.String("kind", kind), slog.Any("error", err))
			return err
		}
		return nil
	}
}
