package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when an operation carries invalid input.
	ErrValidation = errors.New("validation failed")

	// ErrCyclicReparent is returned when a reparent would make a metric
	// its own descendant. It matches ErrValidation under errors.Is.
	ErrCyclicReparent = fmt.Errorf("%w: reparenting would create a cycle", ErrValidation)

	// ErrUpstreamEngine wraps failures of the external analytic engine.
	ErrUpstreamEngine = errors.New("upstream engine error")

	// ErrNotificationDelivery is returned when a webhook delivery fails
	// after all retries. It never escalates past the notification sink.
	ErrNotificationDelivery = errors.New("notification delivery failed")
)
