// Package diagnostics turns a recognition outcome into a category that drives
// operator guidance. Everything here is pure.
package diagnostics

import (
	"errors"
	"strings"

	"github.com/example/face-capture/internal/recognition"
)

// DefaultConfidenceThreshold is the minimum confidence for a clean match.
const DefaultConfidenceThreshold = 0.7

// Category is the actionable interpretation of an outcome.
type Category string

const (
	Success            Category = "success"
	MultiAngleSuccess  Category = "multi_angle_success"
	LowConfidenceMatch Category = "low_confidence_match"
	NoFaceDetected     Category = "no_face_detected"
	Timeout            Category = "timeout"
	ServerError        Category = "server_error"
	GenericFailure     Category = "generic_failure"
)

// Classify inspects outcome with the default threshold.
func Classify(outcome recognition.Outcome) Category {
	return ClassifyWithThreshold(outcome, DefaultConfidenceThreshold)
}

// ClassifyWithThreshold inspects structured diagnostics first, then the
// confidence, and falls back to message text for backends that only send a
// message string.
func ClassifyWithThreshold(outcome recognition.Outcome, threshold float64) Category {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	switch outcome.Kind {
	case recognition.KindTransportFailed:
		return classifyFailure(outcome)
	case recognition.KindRegistered:
		return Success
	case recognition.KindRecognized:
		if outcome.Diagnostics != nil {
			if c, ok := fromErrorFields(outcome.Diagnostics); ok {
				return c
			}
		}
		if outcome.ConfidenceReported && outcome.Confidence < threshold {
			return LowConfidenceMatch
		}
		if outcome.Diagnostics != nil && outcome.Diagnostics.UsedMultiAngle {
			return MultiAngleSuccess
		}
		return Success
	case recognition.KindNotRecognized:
		if d := outcome.Diagnostics; d != nil {
			if c, ok := fromErrorFields(d); ok {
				return c
			}
			if d.FaceDetected != nil && !*d.FaceDetected {
				return NoFaceDetected
			}
		}
		if c, ok := fromText(outcome.Reason); ok {
			return c
		}
		if outcome.ConfidenceReported && outcome.Confidence > 0 && outcome.Confidence < threshold {
			return LowConfidenceMatch
		}
		return GenericFailure
	default:
		return GenericFailure
	}
}

func classifyFailure(outcome recognition.Outcome) Category {
	var transient *recognition.TransientNetworkError
	if errors.As(outcome.Cause, &transient) {
		if transient.Timeout() {
			return Timeout
		}
		if transient.StatusCode >= 500 {
			return ServerError
		}
	}
	if outcome.StatusCode >= 500 {
		return ServerError
	}

	var validation *recognition.ValidationError
	if errors.As(outcome.Cause, &validation) {
		if c, ok := fromText(validation.Message); ok {
			return c
		}
		return GenericFailure
	}

	if outcome.Cause != nil {
		if c, ok := fromText(outcome.Cause.Error()); ok {
			return c
		}
	}
	if c, ok := fromText(outcome.Reason); ok {
		return c
	}
	return GenericFailure
}

// fromErrorFields maps the structured error_type / error_code markers.
func fromErrorFields(d *recognition.Diagnostics) (Category, bool) {
	for _, marker := range []string{d.ErrorType, d.ErrorCode} {
		if marker == "" {
			continue
		}
		m := strings.ToLower(marker)
		switch {
		case strings.Contains(m, "no_face"), strings.Contains(m, "no face"), strings.Contains(m, "face_not_found"):
			return NoFaceDetected, true
		case strings.Contains(m, "timeout"), strings.Contains(m, "timed_out"):
			return Timeout, true
		case strings.Contains(m, "server"), strings.Contains(m, "internal"), m == "500":
			return ServerError, true
		case strings.Contains(m, "low_confidence"):
			return LowConfidenceMatch, true
		default:
			return GenericFailure, true
		}
	}
	return "", false
}

func fromText(message string) (Category, bool) {
	m := strings.ToLower(message)
	switch {
	case m == "":
		return "", false
	case strings.Contains(m, "no face"):
		return NoFaceDetected, true
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return Timeout, true
	case strings.Contains(m, "server"), strings.Contains(m, "500"):
		return ServerError, true
	default:
		return "", false
	}
}
