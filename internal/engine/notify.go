package engine

import (
	"time"

	"github.com/atmx/papertrade/internal/model"
)

// EventType names an order lifecycle event.
type EventType string

const (
	EventOrderQueued    EventType = "order_queued"
	EventOrderFilled    EventType = "order_filled"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderFailed    EventType = "order_failed"
)

// Event is published after an order changes state.
type Event struct {
	Type  EventType    `json:"type"`
	Order model.Order  `json:"order"`
	Trade *model.Trade `json:"trade,omitempty"`
	At    time.Time    `json:"at"`
}

// Notifier receives order events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
