package ordersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
)

const responseBodyReadLimit int64 = 1024

var errBaseURLRequired = errors.New("order service base url is required")

// OrderStatus is the coarse status vocabulary the order service accepts.
type OrderStatus string

const (
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
)

// OrderStatusFor maps a delivery status onto the order service vocabulary.
// Statuses outside the map do not mirror upstream.
func OrderStatusFor(status enums.DeliveryStatus) (OrderStatus, bool) {
	switch status {
	case enums.DeliveryStatusPickedUp:
		return OrderStatusOutForDelivery, true
	case enums.DeliveryStatusDelivered:
		return OrderStatusDelivered, true
	case enums.DeliveryStatusCancelled, enums.DeliveryStatusFailed:
		return OrderStatusCancelled, true
	default:
		return "", false
	}
}

// Client talks to the upstream order service for status mirroring.
type Client struct {
	httpClient *http.Client
	baseURL    string
	serviceKey string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds the order service client from configuration.
func NewClient(cfg config.OrderSyncConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: strings.TrimSpace(cfg.ServiceKey),
		httpClient: &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: timeout}
	}

	return client, nil
}

type updateStatusRequest struct {
	Status OrderStatus `json:"status"`
}

// UpdateOrderStatus pushes the mapped status for the given order.
func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "order service client not configured")
	}
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "order ID is required")
	}

	endpoint := fmt.Sprintf("%s/api/orders/%s/status", c.baseURL, url.PathEscape(trimmed))
	payload, err := json.Marshal(updateStatusRequest{Status: status})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal order status request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build order status request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.serviceKey != "" {
		httpReq.Header.Set("X-Service-Key", c.serviceKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute order status request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return pkgerrors.Wrap(
			pkgerrors.CodeDependency,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
			"order status request failed",
		)
	}

	return nil
}
