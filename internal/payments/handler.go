package payments

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// Handler manages payment and refund endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Post("/verify", h.verify)
	r.Post("/cash", h.recordCash)
	r.Get("/job-card/{jobCardID}", h.listByJobCard)
	r.Get("/{id}", h.get)

	r.Route("/refunds", func(r chi.Router) {
		r.Post("/", h.requestRefund)
		r.Get("/", h.listRefunds)
		r.Get("/{id}", h.getRefund)
		r.Post("/{id}/approve", h.approveRefund)
		r.Post("/{id}/reject", h.rejectRefund)
		r.Post("/{id}/process", h.processRefund)
	})
}

type createOrderRequest struct {
	JobCardID string  `json:"job_card_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"gte=0"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, order, err := h.service.CreateOrder(r.Context(), req.JobCardID, req.Amount)
	if err != nil {
		h.fail(w, "create payment order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"payment": p, "order": order})
}

type verifyRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.VerifyAndComplete(r.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.fail(w, "verify payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type cashRequest struct {
	JobCardID string  `json:"job_card_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Method    string  `json:"method"`
}

func (h *Handler) recordCash(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.service.RecordCashPayment(r.Context(), req.JobCardID, req.Amount, req.Method)
	if err != nil {
		h.fail(w, "record cash payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) listByJobCard(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ListByJobCard(r.Context(), chi.URLParam(r, "jobCardID"))
	if err != nil {
		h.fail(w, "list payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type refundRequestBody struct {
	PaymentID string  `json:"payment_id" validate:"required"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Reason    string  `json:"reason" validate:"required"`
}

func (h *Handler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequestBody
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rr, err := h.service.RequestRefund(r.Context(), req.PaymentID, req.Amount, req.Reason)
	if err != nil {
		h.fail(w, "request refund", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rr)
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	page, limit := shared.PageParams(r)
	out, total, err := h.service.ListRefunds(r.Context(), RefundStatus(r.URL.Query().Get("status")), page, limit)
	if err != nil {
		h.fail(w, "list refunds", err)
		return
	}
	httpx.List(w, out, shared.NewPagination(page, limit, total))
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request) {
	rr, err := h.service.GetRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get refund", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rr)
}

type refundNoteRequest struct {
	Note string `json:"note"`
}

func (h *Handler) approveRefund(w http.ResponseWriter, r *http.Request) {
	var req refundNoteRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rr, err := h.service.ApproveRefund(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		h.fail(w, "approve refund", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rr)
}

func (h *Handler) rejectRefund(w http.ResponseWriter, r *http.Request) {
	var req refundNoteRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rr, err := h.service.RejectRefund(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		h.fail(w, "reject refund", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rr)
}

func (h *Handler) processRefund(w http.ResponseWriter, r *http.Request) {
	rr, err := h.service.ProcessRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "process refund", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rr)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
