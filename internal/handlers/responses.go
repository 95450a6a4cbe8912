package handlers

import (
	"time"

	"github.com/example/face-capture/internal/recognition"
	"github.com/example/face-capture/internal/usecase"
)

type snapshotResponse struct {
	ID           string          `json:"id"`
	Purpose      string          `json:"purpose"`
	Stage        string          `json:"stage"`
	Mode         string          `json:"mode,omitempty"`
	Facing       string          `json:"facing,omitempty"`
	CaptureCount int             `json:"capture_count"`
	BurstState   string          `json:"burst_state"`
	Result       *resultResponse `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	// CanSubmit gates the submit control.
	CanSubmit bool `json:"can_submit"`
}

type resultResponse struct {
	Kind            string                `json:"kind"`
	Category        string                `json:"category"`
	Guidance        string                `json:"guidance"`
	Retryable       bool                  `json:"retryable"`
	Message         string                `json:"message,omitempty"`
	Identity        *recognition.Identity `json:"identity,omitempty"`
	Confidence      *float64              `json:"confidence,omitempty"`
	Attempts        int                   `json:"attempts"`
	FramesSubmitted int                   `json:"frames_submitted"`
	CompletedAt     time.Time             `json:"completed_at"`
}

func toSnapshotResponse(s usecase.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		ID:           s.ID,
		Purpose:      string(s.Purpose),
		Stage:        string(s.Stage),
		Mode:         string(s.Mode),
		Facing:       string(s.Facing),
		CaptureCount: s.CaptureCount,
		BurstState:   s.BurstState.String(),
		Result:       toResultResponse(s.Result),
		Error:        s.Error,
	}
	resp.CanSubmit = s.Stage == usecase.StageReviewing && s.CaptureCount > 0
	return resp
}

func toResultResponse(r *usecase.Result) *resultResponse {
	if r == nil {
		return nil
	}
	resp := &resultResponse{
		Kind:            r.Outcome.Kind.String(),
		Category:        string(r.Category),
		Guidance:        r.Guidance,
		Retryable:       r.Retryable,
		Message:         r.Message,
		Identity:        r.Outcome.Identity,
		Attempts:        r.Outcome.Attempts,
		FramesSubmitted: r.FramesSubmitted,
		CompletedAt:     r.CompletedAt,
	}
	if r.Outcome.ConfidenceReported {
		confidence := r.Outcome.Confidence
		resp.Confidence = &confidence
	}
	return resp
}
