package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gearbox-erp/gearbox-erp/internal/platform/httpx"
)

// GatewayOrder is the checkout order handed to the client.
type GatewayOrder struct {
	ID       string  `json:"id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Receipt  string  `json:"receipt"`
}

// GatewayPayment is the gateway's view of a captured payment.
type GatewayPayment struct {
	ID      string  `json:"id"`
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
	Status  string  `json:"status"`
	Method  string  `json:"method"`
}

// Gateway abstracts the payment provider. VerifySignature is local
// crypto; the rest are remote calls.
type Gateway interface {
	CreateOrder(ctx context.Context, amount float64, receipt string) (GatewayOrder, error)
	VerifySignature(orderID, paymentID, signature string) bool
	FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error)
	Refund(ctx context.Context, paymentID string, amount float64) error
}

// HTTPGateway talks to a Razorpay style REST API with basic auth.
// Amounts cross the wire in paise.
type HTTPGateway struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

func NewHTTPGateway(baseURL, keyID, keySecret string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, amount float64, receipt string) (GatewayOrder, error) {
	payload := map[string]any{
		"amount":   int64(amount * 100),
		"currency": "INR",
		"receipt":  receipt,
	}
	var resp struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Receipt  string `json:"receipt"`
	}
	if err := g.call(ctx, http.MethodPost, "/v1/orders", payload, &resp); err != nil {
		return GatewayOrder{}, err
	}
	return GatewayOrder{
		ID:       resp.ID,
		Amount:   float64(resp.Amount) / 100,
		Currency: resp.Currency,
		Receipt:  resp.Receipt,
	}, nil
}

// VerifySignature checks the HMAC-SHA256 of "orderId|paymentId" against
// the shared secret. A verified signature is the proof of payment the
// ledger trusts before writing a completed record.
func (g *HTTPGateway) VerifySignature(orderID, paymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(g.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (g *HTTPGateway) FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error) {
	var resp struct {
		ID      string `json:"id"`
		OrderID string `json:"order_id"`
		Amount  int64  `json:"amount"`
		Status  string `json:"status"`
		Method  string `json:"method"`
	}
	if err := g.call(ctx, http.MethodGet, "/v1/payments/"+paymentID, nil, &resp); err != nil {
		return GatewayPayment{}, err
	}
	return GatewayPayment{
		ID:      resp.ID,
		OrderID: resp.OrderID,
		Amount:  float64(resp.Amount) / 100,
		Status:  resp.Status,
		Method:  resp.Method,
	}, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, paymentID string, amount float64) error {
	payload := map[string]any{"amount": int64(amount * 100)}
	return g.call(ctx, http.MethodPost, "/v1/payments/"+paymentID+"/refund", payload, nil)
}

func (g *HTTPGateway) call(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: marshal request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: payment gateway unreachable: %s", httpx.ErrUpstream, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: payment gateway returned status %d", httpx.ErrUpstream, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode gateway response: %s", httpx.ErrUpstream, err)
	}
	return nil
}
