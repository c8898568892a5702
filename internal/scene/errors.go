package scene

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned for bad boundaries, overlaps or parameters.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for unknown scenes, jobs or content.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an edit collides with the current state,
	// such as a boundary overlapping another active scene.
	ErrConflict = errors.New("conflict")

	// ErrDetection is returned when the external detector call fails.
	ErrDetection = errors.New("scene detection failed")
)

// ValidationError carries every problem found. It matches ErrValidation.
type ValidationError struct {
	Problems []string
}

func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DetectionError keeps the detector's message verbatim.
type DetectionError struct {
	Message string
}

func (e *DetectionError) Error() string {
	return e.Message
}

func (e *DetectionError) Is(target error) bool {
	return target == ErrDetection
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflictf returns an error wrapping ErrConflict.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}
