package coupon

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// Handler manages coupon endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers coupon routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{code}", h.get)
	r.Post("/validate", h.validateCoupon)
}

type createRequest struct {
	Code              string    `json:"code" validate:"required"`
	Type              string    `json:"type" validate:"required,oneof=flat percentage"`
	Value             float64   `json:"value" validate:"required,gt=0"`
	MaxDiscountAmount float64   `json:"max_discount_amount" validate:"gte=0"`
	MinInvoiceAmount  float64   `json:"min_invoice_amount" validate:"gte=0"`
	ValidFrom         time.Time `json:"valid_from" validate:"required"`
	ValidTill         time.Time `json:"valid_till" validate:"required"`
	UsageLimitTotal   int       `json:"usage_limit_total" validate:"gte=-1"`
	UsageLimitPerUser int       `json:"usage_limit_per_user" validate:"gte=-1"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.Create(r.Context(), CreateInput{
		Code:              req.Code,
		Type:              DiscountType(req.Type),
		Value:             req.Value,
		MaxDiscountAmount: req.MaxDiscountAmount,
		MinInvoiceAmount:  req.MinInvoiceAmount,
		ValidFrom:         req.ValidFrom,
		ValidTill:         req.ValidTill,
		UsageLimitTotal:   req.UsageLimitTotal,
		UsageLimitPerUser: req.UsageLimitPerUser,
	})
	if err != nil {
		h.fail(w, "create coupon", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, limit := shared.PageParams(r)
	coupons, total, err := h.service.List(r.Context(), limit, shared.Offset(page, limit))
	if err != nil {
		h.fail(w, "list coupons", err)
		return
	}
	httpx.List(w, coupons, shared.NewPagination(page, limit, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, "get coupon", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

type validateRequest struct {
	Code        string  `json:"code" validate:"required"`
	CustomerID  string  `json:"customer_id" validate:"required"`
	OrderAmount float64 `json:"order_amount" validate:"gte=0"`
}

type validateResponse struct {
	Valid    bool    `json:"valid"`
	Code     string  `json:"code"`
	Discount float64 `json:"discount"`
	Reason   string  `json:"reason,omitempty"`
}

// validateCoupon is a dry-run check: it reports whether the coupon would
// apply and the discount it would grant, without recording usage.
func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, discount, err := h.service.Validate(r.Context(), req.Code, req.CustomerID, req.OrderAmount)
	if err != nil {
		// Rule failures are a negative answer, not an error response.
		if errors.Is(err, httpx.ErrBusinessRule) {
			httpx.JSON(w, http.StatusOK, validateResponse{Valid: false, Code: req.Code, Reason: shared.UserSafeMessage(err)})
			return
		}
		h.fail(w, "validate coupon", err)
		return
	}
	httpx.JSON(w, http.StatusOK, validateResponse{Valid: true, Code: c.Code, Discount: discount})
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
