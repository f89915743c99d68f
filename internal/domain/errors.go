package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("notification not found")
	ErrConflict   = errors.New("notification state changed concurrently")
	ErrValidation = errors.New("validation failed")
	ErrDelivery   = errors.New("delivery failed")
)

// ValidationError describes a rejected intake field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DeliveryError wraps a failure reported by a channel sender.
type DeliveryError struct {
	Channel Channel
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}
