package jobcard

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gearbox-erp/gearbox-erp/internal/billing"
	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// Handler manages job card endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers job card routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/items", h.addItem)
	r.Delete("/{id}/items/{itemID}", h.removeItem)
	r.Post("/{id}/items/approve", h.approveItems)
	r.Post("/{id}/discount", h.setDiscount)
	r.Post("/{id}/coupon", h.applyCoupon)
	r.Delete("/{id}/coupon", h.removeCoupon)
	r.Post("/{id}/status", h.changeStatus)
	r.Post("/{id}/mechanics", h.assignMechanic)
	r.Post("/{id}/recalculate", h.recalculate)
	r.Post("/{id}/estimate", h.createEstimate)
	r.Post("/{id}/estimate/approve", h.approveEstimate)
	r.Post("/{id}/estimate/reject", h.rejectEstimate)
}

type createRequest struct {
	Customer struct {
		CustomerID string `json:"customer_id" validate:"required"`
		Name       string `json:"name" validate:"required"`
		Phone      string `json:"phone"`
	} `json:"customer" validate:"required"`
	Vehicle struct {
		VehicleID    string `json:"vehicle_id" validate:"required"`
		Registration string `json:"registration" validate:"required"`
		Make         string `json:"make"`
		Model        string `json:"model"`
		Year         int    `json:"year"`
	} `json:"vehicle" validate:"required"`
	Complaints string   `json:"complaints"`
	Mechanics  []string `json:"mechanics"`
	Images     []string `json:"images"`
	Videos     []string `json:"videos"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.Create(r.Context(), CreateInput{
		Customer: CustomerSnapshot{
			CustomerID: req.Customer.CustomerID,
			Name:       req.Customer.Name,
			Phone:      req.Customer.Phone,
		},
		Vehicle: VehicleSnapshot{
			VehicleID:    req.Vehicle.VehicleID,
			Registration: req.Vehicle.Registration,
			Make:         req.Vehicle.Make,
			Model:        req.Vehicle.Model,
			Year:         req.Vehicle.Year,
		},
		Complaints: req.Complaints,
		Mechanics:  req.Mechanics,
		Images:     req.Images,
		Videos:     req.Videos,
	})
	if err != nil {
		h.fail(w, "create job card", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, jc)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, limit := shared.PageParams(r)
	f := ListFilter{
		Status:     Status(r.URL.Query().Get("status")),
		CustomerID: r.URL.Query().Get("customer_id"),
		MechanicID: r.URL.Query().Get("mechanic_id"),
	}
	cards, total, err := h.service.List(r.Context(), f, page, limit)
	if err != nil {
		h.fail(w, "list job cards", err)
		return
	}
	httpx.List(w, cards, shared.NewPagination(page, limit, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	jc, payments, err := h.service.GetWithPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get job card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		JobCard
		PaymentSummary PaymentSummary `json:"payment_summary"`
	}{jc, payments})
}

type addItemRequest struct {
	Type        string  `json:"type" validate:"required"`
	Name        string  `json:"name" validate:"required"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
	DiscountPct float64 `json:"discount_pct" validate:"gte=0,lte=100"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.AddItem(r.Context(), chi.URLParam(r, "id"), billing.LineItem{
		Type:        billing.ItemType(req.Type),
		Name:        req.Name,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		DiscountPct: req.DiscountPct,
	})
	if err != nil {
		h.fail(w, "add item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	jc, err := h.service.RemoveItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
	if err != nil {
		h.fail(w, "remove item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type approveItemsRequest struct {
	ItemIDs []string `json:"item_ids" validate:"required,min=1"`
}

func (h *Handler) approveItems(w http.ResponseWriter, r *http.Request) {
	var req approveItemsRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.ApproveItems(r.Context(), chi.URLParam(r, "id"), req.ItemIDs)
	if err != nil {
		h.fail(w, "approve items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type discountRequest struct {
	Amount float64 `json:"amount" validate:"gte=0"`
	Reason string  `json:"reason" validate:"required"`
}

func (h *Handler) setDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.SetDiscount(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		h.fail(w, "set discount", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type couponRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.ApplyCoupon(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		h.fail(w, "apply coupon", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

func (h *Handler) removeCoupon(w http.ResponseWriter, r *http.Request) {
	jc, err := h.service.RemoveCoupon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "remove coupon", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note"`
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.ChangeStatus(r.Context(), chi.URLParam(r, "id"), Status(req.Status), req.Note)
	if err != nil {
		h.fail(w, "change status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type assignMechanicRequest struct {
	MechanicID string `json:"mechanic_id" validate:"required"`
}

func (h *Handler) assignMechanic(w http.ResponseWriter, r *http.Request) {
	var req assignMechanicRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.AssignMechanic(r.Context(), chi.URLParam(r, "id"), req.MechanicID)
	if err != nil {
		h.fail(w, "assign mechanic", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	jc, err := h.service.Recalculate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "recalculate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type estimateItem struct {
	Type        string  `json:"type" validate:"required"`
	Name        string  `json:"name" validate:"required"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
	DiscountPct float64 `json:"discount_pct" validate:"gte=0,lte=100"`
}

type createEstimateRequest struct {
	Items     []estimateItem `json:"items" validate:"required,min=1,dive"`
	Notes     string         `json:"notes"`
	ValidDays int            `json:"valid_days" validate:"gte=0"`
}

func (h *Handler) createEstimate(w http.ResponseWriter, r *http.Request) {
	var req createEstimateRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	items := make([]billing.LineItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = billing.LineItem{
			Type:        billing.ItemType(it.Type),
			Name:        it.Name,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			DiscountPct: it.DiscountPct,
		}
	}
	jc, err := h.service.CreateEstimate(r.Context(), chi.URLParam(r, "id"), items, req.Notes, req.ValidDays)
	if err != nil {
		h.fail(w, "create estimate", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, jc)
}

func (h *Handler) approveEstimate(w http.ResponseWriter, r *http.Request) {
	jc, err := h.service.ApproveEstimate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "approve estimate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
}

type rejectEstimateRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) rejectEstimate(w http.ResponseWriter, r *http.Request) {
	var req rejectEstimateRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	jc, err := h.service.RejectEstimate(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "reject estimate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, jc)
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
