package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/diagnostics"
	"github.com/example/face-capture/internal/httpclient"
	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/logging"
	"github.com/example/face-capture/internal/recognition"
)

// Stage is the lifecycle position of a capture session.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageCapturing  Stage = "capturing"
	StageReviewing  Stage = "reviewing"
	StageSubmitting Stage = "submitting"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
)

var (
	// ErrSubmitInFlight is returned when Submit is called while a submission
	// is already running. The running submission is unaffected.
	ErrSubmitInFlight = errors.New("a submission is already in progress")
	// ErrStaleResult is returned by a submission whose session was reset
	// before the backend answered. Its result is discarded.
	ErrStaleResult = errors.New("session was reset during submission")

	ErrSessionClosed = errors.New("session is closed")
	ErrNoDevice      = errors.New("no capture mode selected")
	ErrBurstRunning  = errors.New("a burst is already running")
)

// StageError reports an operation that is not allowed in the current stage.
type StageError struct {
	Operation string
	Stage     Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s is not allowed while %s", e.Operation, e.Stage)
}

// Submitter sends prepared images to the backend. *httpclient.Client
// satisfies it.
type Submitter interface {
	Recognize(ctx context.Context, img imageprocessor.PreparedImage, opts httpclient.RecognizeOptions) recognition.Outcome
	Register(ctx context.Context, img imageprocessor.PreparedImage, meta recognition.Metadata, sessionID string) recognition.Outcome
}

// Preprocessor normalizes raw captures. *imageprocessor.Engine satisfies it.
type Preprocessor interface {
	Normalize(raw capture.RawCapture) imageprocessor.PreparedImage
}

// SessionConfig is the per-session submission policy.
type SessionConfig struct {
	Purpose recognition.Purpose
	// FramesUsed is how many captures, in capture order, are submitted. Frames
	// are tried one after another until one is recognized.
	FramesUsed          int
	UseMultiAngle       bool
	ConfidenceThreshold float64
	ShowDetailedErrors  bool
}

// Result is the interpreted outcome of a finished submission.
type Result struct {
	Outcome         recognition.Outcome
	Category        diagnostics.Category
	Guidance        string
	Retryable       bool
	Message         string
	FramesSubmitted int
	CompletedAt     time.Time
}

// Snapshot is an immutable view of a session for UI rendering.
type Snapshot struct {
	ID           string
	OperatorID   string
	Purpose      recognition.Purpose
	Stage        Stage
	Mode         capture.Mode
	Facing       capture.Facing
	CaptureCount int
	BurstState   capture.BurstState
	Result       *Result
	Error        string
	Generation   uint64
}

type sessionDeps struct {
	factory      capture.DeviceFactory
	orchestrator *capture.Orchestrator
	preprocessor Preprocessor
	submitter    Submitter
	onResult     func(ctx context.Context, snap Snapshot, result Result)
	logger       *zap.Logger
}

// Session is the recognition/registration state machine for one operator
// flow. All methods are safe for concurrent use.
type Session struct {
	id         string
	operatorID string
	cfg        SessionConfig
	deps       sessionDeps

	mu         sync.Mutex
	stage      Stage
	mode       capture.Mode
	facing     capture.Facing
	device     capture.Device
	captures   []capture.RawCapture
	burst      *capture.Burst
	result     *Result
	lastErr    error
	generation uint64
	closed     bool
	// cancelSubmit aborts the running submission's transport, including any
	// backoff wait between retries.
	cancelSubmit context.CancelFunc
}

func newSession(id, operatorID string, cfg SessionConfig, deps sessionDeps) *Session {
	if cfg.FramesUsed <= 0 {
		cfg.FramesUsed = 1
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = diagnostics.DefaultConfidenceThreshold
	}
	deps.logger = deps.logger.With(zap.String("session_id", id), zap.String("purpose", string(cfg.Purpose)))
	return &Session{id: id, operatorID: operatorID, cfg: cfg, deps: deps, stage: StageIdle}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OperatorID returns the owning operator.
func (s *Session) OperatorID() string { return s.operatorID }

// SelectMode resets the session, acquires a device for mode and moves to
// Capturing. A prior result and error are cleared.
func (s *Session) SelectMode(ctx context.Context, mode capture.Mode, facing capture.Facing) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.resetLocked()
	gen := s.generation
	s.mu.Unlock()

	device, err := s.deps.factory.Acquire(ctx, mode, facing)
	if err != nil {
		wrapped := logging.NewOperationError("session.select_mode", s.id, &recognition.DeviceError{Device: string(mode), Err: err})
		s.mu.Lock()
		s.lastErr = wrapped
		s.mu.Unlock()
		return wrapped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		_ = device.Release()
		if s.closed {
			return ErrSessionClosed
		}
		return ErrStaleResult
	}
	s.device = device
	s.mode = mode
	s.facing = facing
	s.stage = StageCapturing
	s.deps.logger.Debug("capture mode selected", zap.String("mode", string(mode)), zap.String("facing", string(facing)))
	return nil
}

// SwitchFacing releases the current camera and acquires the one facing the
// other way. Captures taken so far are kept.
func (s *Session) SwitchFacing(ctx context.Context, facing capture.Facing) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.device == nil {
		s.mu.Unlock()
		return ErrNoDevice
	}
	if s.stage == StageSubmitting || s.burst != nil && !s.burst.State().Terminal() {
		stage := s.stage
		s.mu.Unlock()
		return &StageError{Operation: "switch facing", Stage: stage}
	}
	mode := s.mode
	old := s.device
	s.device = nil
	gen := s.generation
	s.mu.Unlock()

	if err := old.Release(); err != nil {
		s.deps.logger.Warn("failed to release device", zap.Error(err))
	}
	device, err := s.deps.factory.Acquire(ctx, mode, facing)
	if err != nil {
		return logging.NewOperationError("session.switch_facing", s.id, &recognition.DeviceError{Device: string(mode), Err: err})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.generation != gen {
		_ = device.Release()
		return ErrStaleResult
	}
	s.device = device
	s.facing = facing
	return nil
}

// AddCapture appends a single capture. The first capture moves the session
// from Capturing to Reviewing.
func (s *Session) AddCapture(raw capture.RawCapture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.stage != StageCapturing && s.stage != StageReviewing {
		return &StageError{Operation: "add capture", Stage: s.stage}
	}
	if raw.Size() == 0 {
		return recognition.ErrImageRequired
	}
	if raw.CapturedAt.IsZero() {
		raw.CapturedAt = time.Now().UTC()
	}
	s.captures = append(s.captures, raw)
	s.stage = StageReviewing
	return nil
}

// PushFrame feeds a camera frame to the session's queue device. It is how a
// browser camera supplies frames for a running burst.
func (s *Session) PushFrame(raw capture.RawCapture) error {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()

	queue, ok := device.(*capture.QueueDevice)
	if !ok {
		return ErrNoDevice
	}
	return queue.Push(raw)
}

// StartBurst runs a multi-shot burst over the session's device in the
// background. Frames are appended to the session as they arrive. The returned
// channel receives the burst's terminal state.
func (s *Session) StartBurst(ctx context.Context) (<-chan capture.BurstState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.device == nil {
		return nil, ErrNoDevice
	}
	if s.stage != StageCapturing && s.stage != StageReviewing {
		return nil, &StageError{Operation: "start burst", Stage: s.stage}
	}
	if s.burst != nil && !s.burst.State().Terminal() {
		return nil, ErrBurstRunning
	}

	burst := s.deps.orchestrator.CaptureBurst(s.device)
	s.burst = burst
	gen := s.generation
	done := make(chan capture.BurstState, 1)

	go func() {
		state := burst.Run(ctx, func(step capture.Step) {
			if step.Frame != nil {
				s.appendBurstFrame(gen, *step.Frame)
			}
		})
		if err := burst.Err(); err != nil {
			s.mu.Lock()
			if s.generation == gen {
				s.lastErr = err
			}
			s.mu.Unlock()
		}
		s.deps.logger.Info("burst finished", zap.Stringer("state", state), zap.Int("frames", len(burst.Frames())))
		done <- state
	}()
	return done, nil
}

// appendBurstFrame adds a burst frame to the captures of generation gen. Frames
// arriving once the session has left Capturing and Reviewing are dropped.
func (s *Session) appendBurstFrame(gen uint64, frame capture.RawCapture) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.closed {
		return false
	}
	if s.stage != StageCapturing && s.stage != StageReviewing {
		return false
	}
	s.captures = append(s.captures, frame)
	s.stage = StageReviewing
	return true
}

// CancelBurst stops a running burst. Frames already captured are kept.
func (s *Session) CancelBurst() {
	s.mu.Lock()
	burst := s.burst
	s.mu.Unlock()
	if burst != nil {
		burst.Cancel()
	}
}

// Submit preprocesses the selected captures and submits them. It is only
// accepted in Reviewing; a finished session must be reset before the next
// attempt. Validation failures leave the session unchanged. Only one submission runs at a time;
// a concurrent call returns ErrSubmitInFlight without reaching the backend.
func (s *Session) Submit(ctx context.Context, meta recognition.Metadata) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	if s.stage == StageSubmitting {
		s.mu.Unlock()
		return Result{}, ErrSubmitInFlight
	}
	if s.cfg.Purpose == recognition.PurposeRegister && strings.TrimSpace(meta.Name) == "" {
		s.mu.Unlock()
		return Result{}, recognition.ErrNameRequired
	}
	if len(s.captures) == 0 {
		s.mu.Unlock()
		return Result{}, recognition.ErrImageRequired
	}
	if s.stage != StageReviewing {
		stage := s.stage
		s.mu.Unlock()
		return Result{}, &StageError{Operation: "submit", Stage: stage}
	}
	if s.burst != nil {
		s.burst.Cancel()
	}

	frames := s.captures
	if len(frames) > s.cfg.FramesUsed {
		frames = frames[:s.cfg.FramesUsed]
	}
	frames = append([]capture.RawCapture(nil), frames...)
	gen := s.generation
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelSubmit = cancel
	s.stage = StageSubmitting
	s.lastErr = nil
	s.mu.Unlock()

	opLogger := logging.WithOperation(s.deps.logger, "session.submit", s.id)
	outcome, used := s.submitFrames(subCtx, frames, meta)

	category := diagnostics.ClassifyWithThreshold(outcome, s.cfg.ConfidenceThreshold)
	result := Result{
		Outcome:         outcome,
		Category:        category,
		Guidance:        diagnostics.Guidance(category),
		Retryable:       diagnostics.Retryable(category),
		FramesSubmitted: used,
		CompletedAt:     time.Now().UTC(),
	}
	if outcome.Cause != nil {
		result.Message = recognition.UserMessage(outcome.Cause, s.cfg.ShowDetailedErrors)
	} else if outcome.Kind == recognition.KindNotRecognized {
		result.Message = outcome.Reason
	}

	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		opLogger.Info("discarding result of reset session", zap.Stringer("kind", outcome.Kind))
		return Result{}, ErrStaleResult
	}
	s.cancelSubmit = nil
	if outcome.Succeeded() {
		s.stage = StageSucceeded
	} else {
		s.stage = StageFailed
		s.lastErr = outcome.Cause
	}
	s.result = &result
	snap := s.snapshotLocked()
	s.mu.Unlock()

	opLogger.Info("submission finished",
		zap.Stringer("kind", outcome.Kind),
		zap.String("category", string(category)),
		zap.Int("attempts", outcome.Attempts),
		zap.Int("frames", used),
	)
	if s.deps.onResult != nil {
		s.deps.onResult(ctx, snap, result)
	}
	return result, nil
}

// submitFrames preprocesses every frame before the first transport call and
// submits them in capture order until one is recognized. Registration uses
// only the first frame.
func (s *Session) submitFrames(ctx context.Context, frames []capture.RawCapture, meta recognition.Metadata) (recognition.Outcome, int) {
	prepared := make([]imageprocessor.PreparedImage, len(frames))
	for i, frame := range frames {
		prepared[i] = s.deps.preprocessor.Normalize(frame)
	}

	if s.cfg.Purpose == recognition.PurposeRegister {
		return s.deps.submitter.Register(ctx, prepared[0], meta, s.id), 1
	}

	var outcome recognition.Outcome
	for i, img := range prepared {
		outcome = s.deps.submitter.Recognize(ctx, img, httpclient.RecognizeOptions{
			UseMultiAngle: s.cfg.UseMultiAngle,
			SessionID:     s.id,
		})
		if outcome.Kind != recognition.KindNotRecognized || ctx.Err() != nil {
			return outcome, i + 1
		}
	}
	return outcome, len(prepared)
}

// Reset returns the session to Idle from any stage and releases its device.
// A submission still in flight is cancelled and its result discarded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Close releases the session's devices regardless of stage. A closed session
// rejects further operations.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.resetLocked()
	s.closed = true
}

func (s *Session) resetLocked() {
	if s.cancelSubmit != nil {
		s.cancelSubmit()
		s.cancelSubmit = nil
	}
	if s.burst != nil {
		s.burst.Cancel()
		s.burst = nil
	}
	if s.device != nil {
		if err := s.device.Release(); err != nil {
			s.deps.logger.Warn("failed to release device", zap.Error(err))
		}
		s.device = nil
	}
	s.generation++
	s.stage = StageIdle
	s.mode = ""
	s.facing = ""
	s.captures = nil
	s.result = nil
	s.lastErr = nil
}

// busy reports whether a submission is in flight.
func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage == StageSubmitting
}

// Captures returns a copy of the session's captures in capture order.
func (s *Session) Captures() []capture.RawCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.RawCapture(nil), s.captures...)
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		OperatorID:   s.operatorID,
		Purpose:      s.cfg.Purpose,
		Stage:        s.stage,
		Mode:         s.mode,
		Facing:       s.facing,
		CaptureCount: len(s.captures),
		Generation:   s.generation,
	}
	if s.burst != nil {
		snap.BurstState = s.burst.State()
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.lastErr != nil {
		snap.Error = recognition.UserMessage(s.lastErr, s.cfg.ShowDetailedErrors)
	}
	return snap
}
