// Package notify delivers customer notifications through the background
// queue. Every send is fire-and-forget: the lifecycle never waits for,
// or fails on, a notification.
package notify

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// Task types handled by the worker.
const (
	TaskStatusUpdate     = "notify:status-update"
	TaskEstimateReady    = "notify:estimate-ready"
	TaskEstimateReviewed = "notify:estimate-reviewed"
	TaskPaymentSuccess   = "notify:payment-success"
	TaskVehicleReady     = "notify:vehicle-ready"
)

// StatusUpdatePayload announces a job card status change.
type StatusUpdatePayload struct {
	CustomerID string    `json:"customer_id"`
	JobCardID  string    `json:"job_card_id"`
	JobNumber  string    `json:"job_number"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// EstimatePayload announces an estimate being sent out or reviewed.
type EstimatePayload struct {
	CustomerID string  `json:"customer_id"`
	JobCardID  string  `json:"job_card_id"`
	JobNumber  string  `json:"job_number"`
	Version    int     `json:"version"`
	Status     string  `json:"status"`
	GrandTotal float64 `json:"grand_total"`
}

// PaymentSuccessPayload announces a settled payment.
type PaymentSuccessPayload struct {
	CustomerID string  `json:"customer_id"`
	JobCardID  string  `json:"job_card_id"`
	PaymentID  string  `json:"payment_id"`
	Amount     float64 `json:"amount"`
}

// VehicleReadyPayload announces a vehicle ready for pickup.
type VehicleReadyPayload struct {
	CustomerID   string `json:"customer_id"`
	JobCardID    string `json:"job_card_id"`
	JobNumber    string `json:"job_number"`
	Registration string `json:"registration"`
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
