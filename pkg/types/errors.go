package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInput marks missing or malformed request fields
	ErrInput = errors.New("invalid input")

	// ErrUpstream marks a failed collaborator call
	ErrUpstream = errors.New("upstream failure")

	// ErrNoMask marks a segmentation result with nothing mask-shaped in it
	ErrNoMask = errors.New("no mask returned")

	// ErrInvalidMeasurement marks a pixel fraction outside (0, 1]
	ErrInvalidMeasurement = errors.New("invalid measurement")

	// ErrLoad marks a mask image that could not be fetched or decoded
	ErrLoad = errors.New("mask load failed")
)

// InputError is a caller mistake, reported verbatim
type InputError struct {
	Field  string
	Reason string
}

func NewInputError(field, reason string) *InputError {
	return &InputError{Field: field, Reason: reason}
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool { return target == ErrInput }

// UpstreamError is a failure of the identification, segmentation or density service.
// Payload carries whatever diagnostic the service returned.
type UpstreamError struct {
	Service string
	Status  string
	Payload string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Service)
	if e.Timeout {
		msg = fmt.Sprintf("%s timed out", e.Service)
	}
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	if e.Payload != "" {
		msg += ": " + e.Payload
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// NoMaskFoundError is the soft outcome of a segmentation call that succeeded
// without yielding a mask reference.
type NoMaskFoundError struct {
	PredictionID string
}

// Guidance is the actionable hint shown to operators
const Guidance = "segmentation succeeded but no mask image was found in the prediction; check the mask-locating keys for the active model version"

func (e *NoMaskFoundError) Error() string {
	if e.PredictionID != "" {
		return fmt.Sprintf("no mask returned for prediction %s", e.PredictionID)
	}
	return "no mask returned"
}

func (e *NoMaskFoundError) Is(target error) bool { return target == ErrNoMask }

// InvalidMeasurementError is a pixel fraction outside (0, 1]. It is never clamped.
type InvalidMeasurementError struct {
	Value float64
}

func (e *InvalidMeasurementError) Error() string {
	return fmt.Sprintf("pixel fraction %v outside (0, 1]", e.Value)
}

func (e *InvalidMeasurementError) Is(target error) bool { return target == ErrInvalidMeasurement }

// LoadError is a mask image that could not be read or decoded
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("failed to load mask: %v", e.Err)
	}
	return fmt.Sprintf("failed to load mask %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }
