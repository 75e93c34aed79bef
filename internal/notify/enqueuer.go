package notify

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/gearbox-erp/gearbox-erp/internal/jobcard"
	"github.com/gearbox-erp/gearbox-erp/internal/payments"
	"github.com/gearbox-erp/gearbox-erp/jobs"
)

// Enqueuer pushes notification tasks onto the queue. It satisfies the
// notifier ports of the job card and payment services.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) enqueue(ctx context.Context, taskType string, payload any) error {
	task, err := newTask(taskType, payload)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault))
	return err
}

func (e *Enqueuer) JobStatusChanged(ctx context.Context, jc jobcard.JobCard) error {
	return e.enqueue(ctx, TaskStatusUpdate, StatusUpdatePayload{
		CustomerID: jc.Customer.CustomerID,
		JobCardID:  jc.ID,
		JobNumber:  jc.JobNumber,
		Status:     string(jc.Status),
		At:         jc.UpdatedAt,
	})
}

func (e *Enqueuer) EstimateReady(ctx context.Context, jc jobcard.JobCard) error {
	return e.enqueue(ctx, TaskEstimateReady, estimatePayload(jc))
}

func (e *Enqueuer) EstimateReviewed(ctx context.Context, jc jobcard.JobCard) error {
	return e.enqueue(ctx, TaskEstimateReviewed, estimatePayload(jc))
}

func (e *Enqueuer) VehicleReady(ctx context.Context, jc jobcard.JobCard) error {
	return e.enqueue(ctx, TaskVehicleReady, VehicleReadyPayload{
		CustomerID:   jc.Customer.CustomerID,
		JobCardID:    jc.ID,
		JobNumber:    jc.JobNumber,
		Registration: jc.Vehicle.Registration,
	})
}

func (e *Enqueuer) PaymentSucceeded(ctx context.Context, p payments.Payment) error {
	return e.enqueue(ctx, TaskPaymentSuccess, PaymentSuccessPayload{
		CustomerID: p.CustomerID,
		JobCardID:  p.JobCardID,
		PaymentID:  p.ID,
		Amount:     p.Amount,
	})
}

func estimatePayload(jc jobcard.JobCard) EstimatePayload {
	p := EstimatePayload{
		CustomerID: jc.Customer.CustomerID,
		JobCardID:  jc.ID,
		JobNumber:  jc.JobNumber,
	}
	if jc.Estimate != nil {
		p.Version = jc.Estimate.Version
		p.Status = string(jc.Estimate.Status)
		p.GrandTotal = jc.Estimate.Summary.GrandTotal
	}
	return p
}
