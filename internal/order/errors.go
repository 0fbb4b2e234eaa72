package order

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status update would move an order backwards.
var ErrInvalidTransition = errors.New("invalid order status transition")

// ValidationError means the order is malformed and was never submitted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError means the side-appropriate balance could not cover the order.
type InsufficientFundsError struct {
	Currency  string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s required %.8f available %.8f", e.Currency, e.Required, e.Available)
}

// ExecutionError wraps a backend failure with the order it happened to.
type ExecutionError struct {
	OrderID string
	Op      string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("order %s: %s: %v", e.OrderID, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
