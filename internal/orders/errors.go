package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("orders: not found")
	ErrInvalidInput      = errors.New("orders: invalid input")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
)

// InvalidTransitionError is returned when an action's precondition on the
// current status does not hold. The order is left unchanged.
type InvalidTransitionError struct {
	OrderID int64
	Action  Action
	Current Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s order %d in status %s", e.Action, e.OrderID, e.Current)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
