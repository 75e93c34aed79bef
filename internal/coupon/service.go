package coupon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// RepositoryPort defines data access methods for coupons.
type RepositoryPort interface {
	Create(ctx context.Context, c Coupon) (Coupon, error)
	GetByCode(ctx context.Context, code string) (Coupon, error)
	List(ctx context.Context, limit, offset int) ([]Coupon, int, error)
	CustomerUsage(ctx context.Context, couponID, customerID string) (int, error)
	RecordUsage(ctx context.Context, c Coupon, customerID string, at time.Time) error
}

// Service handles coupon business logic.
type Service struct {
	repo   RepositoryPort
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// CreateInput carries the fields for a new coupon.
type CreateInput struct {
	Code              string
	Type              DiscountType
	Value             float64
	MaxDiscountAmount float64
	MinInvoiceAmount  float64
	ValidFrom         time.Time
	ValidTill         time.Time
	UsageLimitTotal   int
	UsageLimitPerUser int
}

// Create registers a new coupon.
func (s *Service) Create(ctx context.Context, input CreateInput) (Coupon, error) {
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" {
		return Coupon{}, fmt.Errorf("%w: coupon code required", httpx.ErrValidation)
	}
	if input.Type != DiscountFlat && input.Type != DiscountPercentage {
		return Coupon{}, fmt.Errorf("%w: unknown discount type %q", httpx.ErrValidation, input.Type)
	}
	if input.Value <= 0 {
		return Coupon{}, fmt.Errorf("%w: discount value must be positive", httpx.ErrValidation)
	}
	if input.Type == DiscountPercentage && input.Value > 100 {
		return Coupon{}, fmt.Errorf("%w: percentage discount cannot exceed 100", httpx.ErrValidation)
	}
	if !input.ValidTill.After(input.ValidFrom) {
		return Coupon{}, fmt.Errorf("%w: validity window is empty", httpx.ErrValidation)
	}

	c := Coupon{
		ID:                uuid.NewString(),
		Code:              code,
		Type:              input.Type,
		Value:             input.Value,
		MaxDiscountAmount: input.MaxDiscountAmount,
		MinInvoiceAmount:  input.MinInvoiceAmount,
		IsActive:          true,
		ValidFrom:         input.ValidFrom,
		ValidTill:         input.ValidTill,
		UsageLimitTotal:   input.UsageLimitTotal,
		UsageLimitPerUser: input.UsageLimitPerUser,
	}
	return s.repo.Create(ctx, c)
}

// GetByCode fetches a coupon, serving static rule fields from cache.
func (s *Service) GetByCode(ctx context.Context, code string) (Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	return s.cache.Fetch(ctx, code, func(ctx context.Context) (Coupon, error) {
		return s.repo.GetByCode(ctx, code)
	})
}

// List returns coupons with the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Coupon, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Validate checks a coupon for a customer and order amount and returns
// the computed discount. Counters are read from the repository, never
// the cache, so limit checks see fresh values.
func (s *Service) Validate(ctx context.Context, code, customerID string, orderAmount float64) (Coupon, float64, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	c, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return Coupon{}, 0, err
	}
	used, err := s.repo.CustomerUsage(ctx, c.ID, customerID)
	if err != nil {
		return Coupon{}, 0, err
	}
	if err := c.CanBeUsedBy(used, orderAmount, s.now()); err != nil {
		return Coupon{}, 0, err
	}
	return c, c.CalculateDiscount(orderAmount), nil
}

// RecordUsage increments usage counters after the discount has been
// durably attached to a job card. The repository enforces the limits
// atomically; the cache entry is dropped afterwards.
func (s *Service) RecordUsage(ctx context.Context, c Coupon, customerID string) error {
	if err := s.repo.RecordUsage(ctx, c, customerID, s.now()); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, c.Code); err != nil {
		s.logger.Warn("invalidate coupon cache", slog.String("code", c.Code), slog.Any("error", err))
	}
	return nil
}
