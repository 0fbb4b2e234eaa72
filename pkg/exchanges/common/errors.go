package common

import "fmt"

// ExchangeConnectionError means the venue is unreachable or refused our credentials.
type ExchangeConnectionError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ExchangeConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("exchange connection: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("exchange connection: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("exchange connection: %s: %s", e.Op, e.Message)
}

func (e *ExchangeConnectionError) Unwrap() error { return e.Err }

// OrderExecutionError means the venue rejected or errored a live call.
type OrderExecutionError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *OrderExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("order execution: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("order execution: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("order execution: %s: %s", e.Op, e.Message)
}

func (e *OrderExecutionError) Unwrap() error { return e.Err }
