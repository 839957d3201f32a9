package orders

import (
	"fmt"
	"slices"

	"github.com/ariefcatur/micro-oms/internal/inventory"
)

type Status string

const (
	StatusWaitingPayment Status = "WAITING_PAYMENT"
	StatusToBePrepared   Status = "TO_BE_PREPARED"
	StatusShipped        Status = "SHIPPED"
	StatusCanceled       Status = "CANCELED"
	StatusError          Status = "ERROR"
)

var AllStatuses = []Status{StatusWaitingPayment, StatusToBePrepared, StatusShipped, StatusCanceled, StatusError}

type Action string

const (
	ActionPay    Action = "pay"
	ActionShip   Action = "ship"
	ActionCancel Action = "cancel"
)

// validNext maps (from, action) to the resulting status. Absent pairs are rejected.
// CANCELED accepts a repeated cancel; nothing leaves SHIPPED.
var validNext = map[Status]map[Action]Status{
	StatusWaitingPayment: {ActionPay: StatusToBePrepared, ActionCancel: StatusCanceled},
	StatusToBePrepared:   {ActionShip: StatusShipped, ActionCancel: StatusCanceled},
	StatusError:          {ActionCancel: StatusCanceled},
	StatusCanceled:       {ActionCancel: StatusCanceled},
	StatusShipped:        {},
}

// actionsByStatus is what an operator is offered, which is narrower than what validNext tolerates.
var actionsByStatus = map[Status][]Action{
	StatusWaitingPayment: {ActionPay, ActionCancel},
	StatusToBePrepared:   {ActionShip, ActionCancel},
	StatusError:          {ActionCancel},
	StatusShipped:        {},
	StatusCanceled:       {},
}

// Next returns the status reached by applying a from s.
func Next(s Status, a Action) (Status, bool) {
	to, ok := validNext[s][a]
	return to, ok
}

// AvailableActions is a pure lookup of the actions offered for s.
func AvailableActions(s Status) []Action {
	return slices.Clone(actionsByStatus[s])
}

// ParseStatus rejects anything outside the closed set.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, v)
	}
	return s, nil
}

func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// Reserves reports whether lines of an order in status s count against available stock.
func (s Status) Reserves() bool {
	return !slices.Contains(inventory.ReleasedStatuses, string(s))
}

// ReleasedStatuses is the typed form of inventory.ReleasedStatuses.
func ReleasedStatuses() []Status {
	out := make([]Status, 0, len(inventory.ReleasedStatuses))
	for _, s := range inventory.ReleasedStatuses {
		out = append(out, Status(s))
	}
	return out
}
