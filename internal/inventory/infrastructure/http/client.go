package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/order-orchestrator/internal/inventory/domain"
	orderdomain "github.com/dmehra2102/order-orchestrator/internal/order/domain"
)

const (
	checkPath     = "/shop/api/v1/checkOrder"
	pricePath     = "/shop/api/v1/getSumTotalPriceOrder"
	decrementPath = "/shop/api/v1/changeTotalQuantityProductsAfterCreateOrder"
	restorePath   = "/shop/api/v1/changeTotalQuantityProductsAfterRefundedOrder"
)

// Client talks to the shop service that owns stock and prices.
type Client struct {
	log *slog.Logger
	rc  *resty.Client
}

func NewClient(log *slog.Logger, baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{log: log, rc: rc}
}

func (c *Client) CheckAvailability(ctx context.Context, items []domain.Item) (bool, error) {
	var ok bool
	if err := c.post(ctx, checkPath, items, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) PriceQuote(ctx context.Context, items []domain.Item) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := c.post(ctx, pricePath, items, &total); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (c *Client) Decrement(ctx context.Context, items []domain.Item) error {
	return c.post(ctx, decrementPath, items, nil)
}

func (c *Client) Restore(ctx context.Context, items []domain.Item) error {
	return c.post(ctx, restorePath, items, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.rc.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return errors.Wrapf(err, "failed to call inventory %s", path)
	}

	switch code := resp.StatusCode(); {
	case resp.IsSuccess():
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusConflict:
		c.log.Warn("inventory rejected request", "path", path, "status", code)
		return orderdomain.ErrStockUnavailable
	default:
		return errors.Errorf("inventory %s returned status %d", path, code)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "failed to decode inventory %s response", path)
	}
	return nil
}
