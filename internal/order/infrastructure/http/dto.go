package http

import (
	"encoding/json"
	"regexp"

	"github.com/google/uuid"

	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
)

var cardNumberPattern = regexp.MustCompile(`^\d{4} \d{4} \d{4} \d{4}$`)

type orderRequest struct {
	ArticleID uuid.UUID `json:"articleId"`
	Quantity  int       `json:"quantity"`
}

type createOrderReq struct {
	OrderRequests []orderRequest  `json:"orderRequests"`
	Address       *domain.Address `json:"addressDto"`
}

type paymentReq struct {
	OrderUUID  string `json:"orderUuid"`
	CardNumber string `json:"cardNumber"`
}

func (r paymentReq) validate() (uuid.UUID, error) {
	id, err := uuid.Parse(r.OrderUUID)
	if err != nil {
		return uuid.Nil, domain.NewInvalidRequest("orderUuid must be a valid uuid")
	}
	if !cardNumberPattern.MatchString(r.CardNumber) {
		return uuid.Nil, domain.NewInvalidRequest("card number must match 'dddd dddd dddd dddd'")
	}
	return id, nil
}

type paymentResp struct {
	PaymentID *uuid.UUID `json:"paymentId"`
	Status    string     `json:"status"`
}

type orderResp struct {
	OrderUUID     uuid.UUID          `json:"orderUuid"`
	TotalAmount   json.Number        `json:"totalAmount"`
	OrderStatus   domain.OrderStatus `json:"orderStatus"`
	CreatedAt     domain.Timestamp   `json:"createdAt"`
	UpdatedAt     *domain.Timestamp  `json:"updatedAt,omitempty"`
	Address       domain.Address     `json:"address"`
	User          domain.User        `json:"userDto"`
	OrderRequests []orderRequest     `json:"orderRequests"`
	PaymentID     *uuid.UUID         `json:"paymentId,omitempty"`
}

func toOrderResp(o domain.Order) orderResp {
	resp := orderResp{
		OrderUUID:     o.UUID,
		TotalAmount:   json.Number(o.TotalAmount.String()),
		OrderStatus:   o.Status,
		CreatedAt:     domain.Timestamp(o.CreatedAt),
		Address:       o.Address,
		User:          o.User,
		OrderRequests: make([]orderRequest, 0, len(o.LineItems)),
	}
	for _, it := range o.LineItems {
		resp.OrderRequests = append(resp.OrderRequests, orderRequest{ArticleID: it.ArticleID, Quantity: it.Quantity})
	}
	if o.UpdatedAt != nil {
		u := domain.Timestamp(*o.UpdatedAt)
		resp.UpdatedAt = &u
	}
	if o.PaymentID != uuid.Nil {
		id := o.PaymentID
		resp.PaymentID = &id
	}
	return resp
}

type errorResp struct {
	MessageError string `json:"messageError"`
}
