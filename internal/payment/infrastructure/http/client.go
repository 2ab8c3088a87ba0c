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

	orderdomain "github.com/dmehra2102/order-orchestrator/internal/order/domain"
	"github.com/dmehra2102/order-orchestrator/internal/payment/domain"
)

const (
	payPath    = "/payment/api/v1/pay"
	refundPath = "/payment/api/v1/refunded"
)

type accountRequest struct {
	TotalAmount json.Number `json:"totalAmount"`
	CardNumber  string      `json:"cardNumber"`
}

// Client charges and refunds card accounts held by the payment service.
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

func (c *Client) Charge(ctx context.Context, amount decimal.Decimal, card string) (domain.Settlement, error) {
	return c.settle(ctx, payPath, amount, card)
}

func (c *Client) Refund(ctx context.Context, amount decimal.Decimal, card string) (domain.Settlement, error) {
	return c.settle(ctx, refundPath, amount, card)
}

func (c *Client) settle(ctx context.Context, path string, amount decimal.Decimal, card string) (domain.Settlement, error) {
	req := accountRequest{TotalAmount: json.Number(amount.String()), CardNumber: card}
	resp, err := c.rc.R().SetContext(ctx).SetBody(req).Post(path)
	if err != nil {
		return domain.Settlement{}, errors.Wrapf(err, "failed to call payment %s", path)
	}

	switch code := resp.StatusCode(); {
	case resp.IsSuccess():
	case code == http.StatusNotFound:
		return domain.Settlement{}, orderdomain.ErrCardNumberNotFound
	case code == http.StatusPaymentRequired:
		return domain.Settlement{}, orderdomain.ErrFailedPayOrder
	default:
		return domain.Settlement{}, errors.Errorf("payment %s returned status %d", path, code)
	}

	var s domain.Settlement
	if err := json.Unmarshal(resp.Body(), &s); err != nil {
		return domain.Settlement{}, errors.Wrapf(err, "failed to decode payment %s response", path)
	}
	c.log.Info("payment settled", "path", path, "payment_id", s.PaymentID, "status", s.Status)
	return s, nil
}
