package statemachine

import (
	"errors"
	"fmt"
	"strings"

	"restaurant-ordering/models"
)

// Transition defines a valid state change
type Transition struct {
	From models.OrderStatus `json:"from"`
	To   models.OrderStatus `json:"to"`
}

// validTransitions is the authoritative state machine definition.
// Adding a state or an edge is a change to this table only.
var validTransitions = []Transition{
	{From: models.StatusPending, To: models.StatusProcessing},
	{From: models.StatusPending, To: models.StatusCancelled},
	{From: models.StatusProcessing, To: models.StatusCompleted},
	{From: models.StatusProcessing, To: models.StatusCancelled},
}

// Build a lookup map for O(1) validation
var transitionMap = func() map[Transition]bool {
	m := make(map[Transition]bool, len(validTransitions))
	for _, t := range validTransitions {
		m[t] = true
	}
	return m
}()

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError reports a rejected status change.
type TransitionError struct {
	From models.OrderStatus
	To   models.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s → %s is not allowed. Valid transitions from %s are: %s",
		e.From, e.To, e.From, describeValidFrom(e.From))
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CanTransition reports whether an order in state from may move to state to.
func CanTransition(from, to models.OrderStatus) bool {
	return transitionMap[Transition{From: from, To: to}]
}

// CanTransitionOrder is CanTransition keyed by the order's current status.
func CanTransitionOrder(order *models.Order, to models.OrderStatus) bool {
	return CanTransition(order.Status, to)
}

// Apply moves order to status to, or returns a *TransitionError and leaves
// the order untouched. It does not persist or log anything; the caller
// commits the change, logs it and only then invalidates cached reads of the
// order.
func Apply(order *models.Order, to models.OrderStatus) error {
	if !CanTransitionOrder(order, to) {
		return &TransitionError{From: order.Status, To: to}
	}
	order.Status = to
	return nil
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status models.OrderStatus) bool {
	return len(ValidTransitionsFrom(status)) == 0
}

// ValidTransitionsFrom returns all valid next states from a given state
func ValidTransitionsFrom(status models.OrderStatus) []models.OrderStatus {
	var nexts []models.OrderStatus
	for _, t := range validTransitions {
		if t.From == status {
			nexts = append(nexts, t.To)
		}
	}
	return nexts
}

func describeValidFrom(status models.OrderStatus) string {
	nexts := ValidTransitionsFrom(status)
	if len(nexts) == 0 {
		return "none (terminal state)"
	}
	names := make([]string, len(nexts))
	for i, s := range nexts {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// GetAllTransitions returns the full state machine for documentation
func GetAllTransitions() []Transition {
	out := make([]Transition, len(validTransitions))
	copy(out, validTransitions)
	return out
}
