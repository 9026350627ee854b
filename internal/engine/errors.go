package engine

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/atmx/papertrade/internal/quote"
	"github.com/atmx/papertrade/internal/store"
)

var (
	// ErrInvalidRequest is returned for malformed orders and for orders that
	// would flip a position's side in one step.
	ErrInvalidRequest = errors.New("engine: invalid request")

	// ErrInsufficientFunds is returned when cash does not cover a purchase
	// or short-sale collateral.
	ErrInsufficientFunds = errors.New("engine: insufficient buying power")

	// ErrInsufficientShares is returned when selling more than the long
	// position holds.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrInsufficientShortShares is returned when covering more than the
	// short position holds.
	ErrInsufficientShortShares = errors.New("engine: insufficient short shares to cover")

	// ErrPositionNotFound is returned when querying a symbol the user does
	// not hold.
	ErrPositionNotFound = errors.New("engine: position not found")

	// ErrInvalidOrderState is returned when cancelling a non-pending order.
	ErrInvalidOrderState = errors.New("engine: invalid order state")

	// ErrPositionLimit is returned when the position limiter rejects an order.
	ErrPositionLimit = errors.New("engine: position limit exceeded")

	// Re-exported so callers only need this package.
	ErrOrderNotFound    = store.ErrOrderNotFound
	ErrPersistence      = store.ErrPersistence
	ErrPriceUnavailable = quote.ErrPriceUnavailable
)

var userMessages = []struct {
	err        error
	text       string
	withDetail bool
}{
	{ErrInvalidRequest, "Invalid order", true},
	{ErrInsufficientFunds, "Insufficient buying power", true},
	{ErrInsufficientShares, "Insufficient shares to sell", true},
	{ErrInsufficientShortShares, "Insufficient short shares to cover", true},
	{ErrPositionNotFound, "Position not found", false},
	{ErrOrderNotFound, "Order not found", false},
	{ErrInvalidOrderState, "", true},
	{ErrPositionLimit, "Position limit exceeded", false},
	{ErrPriceUnavailable, "Market price unavailable, please try again shortly", false},
	{ErrPersistence, "Could not save your changes, please try again", false},
	{context.DeadlineExceeded, "The request timed out, please try again", false},
	{context.Canceled, "The request was cancelled", false},
}

// UserMessage maps an engine error to a short message fit for end users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range userMessages {
		if !errors.Is(err, m.err) {
			continue
		}
		if !m.withDetail {
			return m.text
		}
		d := detail(err, m.err)
		switch {
		case d == "":
			if m.text == "" {
				return "Invalid order state"
			}
			return m.text
		case m.text == "":
			return upperFirst(d)
		default:
			return m.text + ": " + d
		}
	}
	return "Something went wrong"
}

// detail returns the context added after sentinel in err's message.
func detail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return ""
}

func upperFirst(s string) string {
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
