// Package inventory checks stock with the inventory service before an
// order is persisted.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"orderflow/internal/orders"
	"orderflow/internal/reliability"
)

// ErrUnexpectedStatus is wrapped when the inventory answers with a status
// other than 200 or 404.
var ErrUnexpectedStatus = errors.New("unexpected inventory response")

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("inventory service error: status %d", e.code) }

func (e *statusError) Unwrap() error { return ErrUnexpectedStatus }

// stockResponse accepts the field spellings different inventory versions use.
type stockResponse struct {
	Quantity    *int             `json:"quantity"`
	Stock       *int             `json:"stock"`
	Available   *int             `json:"available"`
	ProductName string           `json:"productName"`
	Name        string           `json:"name"`
	Price       *decimal.Decimal `json:"price"`
	UnitPrice   *decimal.Decimal `json:"unitPrice"`
}

func (r stockResponse) quantity() int {
	for _, q := range []*int{r.Quantity, r.Stock, r.Available} {
		if q != nil {
			return *q
		}
	}
	return 0
}

func (r stockResponse) name() string {
	if r.ProductName != "" {
		return r.ProductName
	}
	return r.Name
}

func (r stockResponse) price() *decimal.Decimal {
	if r.Price != nil && !r.Price.IsZero() {
		return r.Price
	}
	return r.UnitPrice
}

// Client calls GET /inventory/{productId} through the reliability executor.
type Client struct {
	http   *resty.Client
	exec   reliability.Executor
	logger *zap.Logger
}

// NewClient constructs a Client. Retries are left to exec rather than resty.
func NewClient(baseURL string, timeout time.Duration, exec reliability.Executor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if exec.Retry.ShouldRetry == nil {
		exec.Retry.ShouldRetry = retryable
	}
	httpClient := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	return &Client{http: httpClient, exec: exec, logger: logger}
}

// CheckStock reports whether quantity units of productID are available.
// An unknown product is unavailable rather than an error.
func (c *Client) CheckStock(ctx context.Context, productID int64, quantity int) (orders.StockVerdict, error) {
	var (
		body   stockResponse
		status int
	)
	err := c.exec.Do(ctx, func() error {
		body = stockResponse{}
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("productId", strconv.FormatInt(productID, 10)).
			SetResult(&body).
			Get("/inventory/{productId}")
		if err != nil {
			return fmt.Errorf("inventory service unavailable: %w", err)
		}
		status = resp.StatusCode()
		switch {
		case status == http.StatusNotFound:
			return nil
		case status != http.StatusOK:
			return &statusError{code: status}
		}
		return nil
	})
	if err != nil {
		return orders.StockVerdict{}, err
	}
	if status == http.StatusNotFound {
		c.logger.Info("product not found in inventory", zap.Int64("product_id", productID))
		return orders.StockVerdict{ProductID: productID}, nil
	}

	available := body.quantity()
	return orders.StockVerdict{
		ProductID:         productID,
		Available:         available >= quantity,
		AvailableQuantity: available,
		ProductName:       body.name(),
		Price:             body.price(),
	}, nil
}

// Healthy reports whether the inventory service answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	return err == nil && resp.IsSuccess()
}

// retryable gives up on 4xx answers; retrying them cannot succeed.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) && se.code < http.StatusInternalServerError {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, reliability.ErrCircuitOpen)
}
