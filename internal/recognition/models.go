// Package recognition holds the data model shared by the capture pipeline:
// registration metadata, the normalized backend outcome and the error
// taxonomy surfaced to operators.
package recognition

import "time"

// Purpose selects which backend endpoint a session submits to.
type Purpose string

const (
	PurposeRecognize Purpose = "recognize"
	PurposeRegister  Purpose = "register"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeRecognize || p == PurposeRegister
}

// Metadata is attached to a registration request. Only Name is interpreted by
// the pipeline; Fields and GuardianChild are passed through as-is.
type Metadata struct {
	Name string
	// Fields holds flat optional attributes (identity, case, vehicle, travel).
	Fields map[string]string
	// GuardianChild is sent as a single JSON-encoded form field when non-empty.
	GuardianChild map[string]any
}

// Identity is a registered person as reported by the backend.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	// Placeholder marks a locally substituted record in a degraded listing.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Diagnostics is the structured block a backend may return alongside a
// recognition response.
type Diagnostics struct {
	FaceDetected   *bool  `json:"face_detected,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	UsedMultiAngle bool   `json:"used_multi_angle,omitempty"`
	FacesFound     int    `json:"faces_found,omitempty"`
}

// OutcomeKind tags the variant of an Outcome.
type OutcomeKind int

const (
	KindRecognized OutcomeKind = iota + 1
	KindNotRecognized
	KindTransportFailed
	// KindRegistered is the registration counterpart of KindRecognized.
	KindRegistered
)

func (k OutcomeKind) String() string {
	switch k {
	case KindRecognized:
		return "recognized"
	case KindNotRecognized:
		return "not_recognized"
	case KindTransportFailed:
		return "transport_failed"
	case KindRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// Outcome is the single normalized result of one submission. Exactly one of
// the variant-specific fields is meaningful for a given Kind:
//
//	KindRecognized:      Identity, Confidence (when ConfidenceReported), Diagnostics
//	KindNotRecognized:   Reason, Diagnostics (Confidence when reported)
//	KindTransportFailed: Cause
//	KindRegistered:      Identity
type Outcome struct {
	Kind        OutcomeKind
	Identity    *Identity
	Confidence  float64
	Reason      string
	Diagnostics *Diagnostics
	Cause       error

	// ConfidenceReported is false when the backend sent no confidence score;
	// Confidence is then zero and carries no meaning.
	ConfidenceReported bool
	// StatusCode is the last HTTP status observed, 0 when none was received.
	StatusCode int
	// Attempts is the number of transport attempts made.
	Attempts int
}

// Recognized builds a KindRecognized outcome with a reported confidence.
func Recognized(identity Identity, confidence float64, diag *Diagnostics) Outcome {
	return Outcome{Kind: KindRecognized, Identity: &identity, Confidence: confidence, ConfidenceReported: true, Diagnostics: diag}
}

// RecognizedUnscored builds a KindRecognized outcome for a backend that
// reported a match without a confidence score.
func RecognizedUnscored(identity Identity, diag *Diagnostics) Outcome {
	return Outcome{Kind: KindRecognized, Identity: &identity, Diagnostics: diag}
}

// NotRecognized builds a KindNotRecognized outcome.
func NotRecognized(reason string, diag *Diagnostics) Outcome {
	return Outcome{Kind: KindNotRecognized, Reason: reason, Diagnostics: diag}
}

// Registered builds a KindRegistered outcome.
func Registered(identity Identity) Outcome {
	return Outcome{Kind: KindRegistered, Identity: &identity}
}

// Succeeded reports whether the backend answered the request, whatever the
// match result.
func (o Outcome) Succeeded() bool {
	return o.Kind == KindRecognized || o.Kind == KindNotRecognized || o.Kind == KindRegistered
}

// TransportFailed builds a KindTransportFailed outcome.
func TransportFailed(cause error) Outcome {
	return Outcome{Kind: KindTransportFailed, Cause: cause}
}

// Listing is a normalized identity list. Degraded marks a locally substituted
// response that callers must label as non-authoritative.
type Listing struct {
	Identities []Identity
	Total      int
	Degraded   bool
	Cause      error
}
