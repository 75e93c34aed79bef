package invoice

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
	"github.com/gearbox-erp/gearbox-erp/internal/shared"
)

// Handler manages invoice endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/outstanding", h.outstanding)
	r.Get("/{id}", h.get)
	r.Get("/{id}/pdf", h.pdf)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/by-job-card/{jobCardID}", h.getByJobCard)
}

type createRequest struct {
	JobCardID string `json:"job_card_id" validate:"required"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
		return
	}
	inv, err := h.service.CreateFromJobCard(r.Context(), req.JobCardID)
	if err != nil {
		h.fail(w, "create invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, limit := shared.PageParams(r)
	f := ListFilter{
		Status:     Status(r.URL.Query().Get("status")),
		CustomerID: r.URL.Query().Get("customer_id"),
	}
	invoices, total, err := h.service.List(r.Context(), f, page, limit)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	httpx.List(w, invoices, shared.NewPagination(page, limit, total))
}

func (h *Handler) outstanding(w http.ResponseWriter, r *http.Request) {
	page, limit := shared.PageParams(r)
	invoices, total, err := h.service.Outstanding(r.Context(), page, limit)
	if err != nil {
		h.fail(w, "list outstanding invoices", err)
		return
	}
	httpx.List(w, invoices, shared.NewPagination(page, limit, total))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) getByJobCard(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetByJobCard(r.Context(), chi.URLParam(r, "jobCardID"))
	if err != nil {
		h.fail(w, "get invoice by job card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) pdf(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.RenderPDF(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "render invoice pdf", err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=invoice.pdf")
	_, _ = w.Write(doc)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "cancel invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}
