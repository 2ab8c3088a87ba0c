package domain

import (
	"errors"
)

type Kind string

const (
	KindOrderNotFound      Kind = "ORDER_NOT_FOUND"
	KindUserNotFound       Kind = "USER_NOT_FOUND"
	KindFailedOrderStatus  Kind = "FAILED_ORDER_STATUS"
	KindFailedPayOrder     Kind = "FAILED_PAY_ORDER"
	KindCardNumberNotFound Kind = "CARD_NUMBER_NOT_FOUND"
	KindStockUnavailable   Kind = "STOCK_UNAVAILABLE"
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindOrderBusy          Kind = "ORDER_BUSY"
	KindConcurrentUpdate   Kind = "CONCURRENT_UPDATE"
)

// Error is a business error. Two errors match under errors.Is when their kinds match.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Kind() Kind    { return e.kind }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.kind == e.kind
}

var (
	ErrOrderNotFound      = &Error{kind: KindOrderNotFound, msg: "Error: order not found!"}
	ErrUserNotFound       = &Error{kind: KindUserNotFound, msg: "Error: user not found!"}
	ErrFailedOrderStatus  = &Error{kind: KindFailedOrderStatus, msg: "Error: the order status does not allow this operation!"}
	ErrOrderAlreadyPaid   = &Error{kind: KindFailedOrderStatus, msg: "Error: the order has already been paid!"}
	ErrOrderCancelled     = &Error{kind: KindFailedOrderStatus, msg: "Error: the order has been cancelled, create a new order!"}
	ErrNothingToRefund    = &Error{kind: KindFailedOrderStatus, msg: "Error: the order cannot be cancelled because it has not been paid!"}
	ErrFailedPayOrder     = &Error{kind: KindFailedPayOrder, msg: "Error: the order has not been paid, check the card balance!"}
	ErrCardNumberNotFound = &Error{kind: KindCardNumberNotFound, msg: "Error: card number not found!"}
	ErrStockUnavailable   = &Error{kind: KindStockUnavailable, msg: "Error: requested quantity is not available or the article id is wrong!"}
	ErrInvalidRequest     = &Error{kind: KindInvalidRequest, msg: "Error: invalid request!"}
	ErrOrderBusy          = &Error{kind: KindOrderBusy, msg: "Error: the order is being processed by another request, try again later!"}
	ErrConcurrentUpdate   = &Error{kind: KindConcurrentUpdate, msg: "Error: the order was modified concurrently, try again!"}
)

// ErrDuplicateUser is returned by user stores when a concurrent request created the same user.
var ErrDuplicateUser = errors.New("user already exists")

func NewInvalidRequest(msg string) *Error {
	return &Error{kind: KindInvalidRequest, msg: "Error: " + msg + "!"}
}

func IsDomain(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// KindOf returns the kind of the first business error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}
