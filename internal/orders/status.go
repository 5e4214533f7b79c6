package orders

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending        Status = "pending"
	StatusStockReserved  Status = "stockReserved"
	StatusPaymentPending Status = "paymentPending"
	StatusPaid           Status = "paid"
	StatusConfirmed      Status = "confirmed"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusReversed       Status = "reversed"
)

// Event drives a status transition.
type Event string

const (
	EventStockCheckSuccess    Event = "STOCK_CHECK_SUCCESS"
	EventStockCheckFailed     Event = "STOCK_CHECK_FAILED"
	EventCancel               Event = "CANCEL"
	EventPaymentInitiated     Event = "PAYMENT_INITIATED"
	EventReservationTimeout   Event = "RESERVATION_TIMEOUT"
	EventPaymentSuccess       Event = "PAYMENT_SUCCESS"
	EventPaymentFailed        Event = "PAYMENT_FAILED"
	EventConfirm              Event = "CONFIRM"
	EventConfirmationFailed   Event = "CONFIRMATION_FAILED"
	EventStartProcessing      Event = "START_PROCESSING"
	EventProcessingFailed     Event = "PROCESSING_FAILED"
	EventShip                 Event = "SHIP"
	EventDeliveryFailed       Event = "DELIVERY_FAILED"
	EventDeliver              Event = "DELIVER"
	EventCompensationComplete Event = "COMPENSATION_COMPLETE"
)

// ErrInvalidTransition is returned when an event is not legal from a status.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the complete legal-transition table. Statuses without an
// entry are terminal.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventStockCheckSuccess: StatusStockReserved,
		EventStockCheckFailed:  StatusFailed,
		EventCancel:            StatusCancelled,
	},
	StatusStockReserved: {
		EventPaymentInitiated:   StatusPaymentPending,
		EventReservationTimeout: StatusFailed,
		EventCancel:             StatusCancelled,
	},
	StatusPaymentPending: {
		EventPaymentSuccess: StatusPaid,
		EventPaymentFailed:  StatusFailed,
		EventCancel:         StatusCancelled,
	},
	StatusPaid: {
		EventConfirm:            StatusConfirmed,
		EventConfirmationFailed: StatusFailed,
	},
	StatusConfirmed: {
		EventStartProcessing: StatusProcessing,
		EventCancel:          StatusCancelled,
	},
	StatusProcessing: {
		EventShip:             StatusShipped,
		EventProcessingFailed: StatusFailed,
	},
	StatusShipped: {
		EventDeliver:        StatusDelivered,
		EventDeliveryFailed: StatusFailed,
	},
	StatusFailed: {
		EventCompensationComplete: StatusReversed,
	},
	StatusCancelled: {
		EventCompensationComplete: StatusReversed,
	},
}

var allStatuses = []Status{
	StatusPending, StatusStockReserved, StatusPaymentPending, StatusPaid,
	StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered,
	StatusFailed, StatusCancelled, StatusReversed,
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus validates a raw status name.
func ParseStatus(raw string) (Status, error) {
	for _, s := range allStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Next returns the status reached by applying event to current.
func Next(current Status, event Event) (Status, error) {
	if next, ok := transitions[current][event]; ok {
		return next, nil
	}
	return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
}

// CanTransition reports whether event is legal from current.
func CanTransition(current Status, event Event) bool {
	_, ok := transitions[current][event]
	return ok
}

// AvailableEvents lists the legal events from a status.
func AvailableEvents(current Status) []Event {
	out := make([]Event, 0, len(transitions[current]))
	for ev := range transitions[current] {
		out = append(out, ev)
	}
	return out
}

// IsTerminal reports whether no event leaves the status.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanCancel reports whether an order in this status may still be cancelled.
func (s Status) CanCancel() bool {
	return CanTransition(s, EventCancel)
}

// EventFor finds the event that moves current to target, used by
// administrative transitions that name a destination status.
func EventFor(current, target Status) (Event, error) {
	for ev, next := range transitions[current] {
		if next == target {
			return ev, nil
		}
	}
	return "", fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, target)
}
