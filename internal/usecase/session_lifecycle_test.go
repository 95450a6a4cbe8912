package usecase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/httpclient"
	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/recognition"
)

func TestResetCancelsRetryingSubmission(t *testing.T) {
	var calls atomic.Int32
	firstCall := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		select {
		case firstCall <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	client, err := httpclient.New(httpclient.Config{
		BaseURL:     srv.URL,
		MaxRetries:  3,
		BackoffBase: 50 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	manager := NewManager(Dependencies{
		Submitter:    client,
		Factory:      &stubFactory{},
		Orchestrator: capture.NewOrchestrator(zap.NewNop(), capture.WithInterval(0)),
		Preprocessors: map[recognition.Purpose]Preprocessor{
			recognition.PurposeRecognize: &stubPreprocessor{},
		},
	}, ManagerConfig{}, zap.NewNop())
	defer manager.Shutdown()

	s, err := manager.Open("op-1", recognition.PurposeRecognize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SelectMode(context.Background(), capture.ModeUpload, ""); err != nil {
		t.Fatalf("select mode: %v", err)
	}
	if err := s.AddCapture(frame(1)); err != nil {
		t.Fatalf("add capture: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), recognition.Metadata{})
		done <- err
	}()

	select {
	case <-firstCall:
	case <-time.After(2 * time.Second):
		t.Fatal("submission never reached the backend")
	}
	atReset := calls.Load()
	s.Reset()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStaleResult) {
			t.Fatalf("expected ErrStaleResult, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not stop after reset")
	}
	if got := calls.Load(); got != atReset {
		t.Fatalf("expected no backend calls after reset, got %d", got-atReset)
	}
}

func TestCloseCancelsSubmissionContext(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	s := openReviewing(t, env, recognition.PurposeRecognize, frame(1))

	ctxSeen := make(chan context.Context, 1)
	submitter := &ctxSubmitter{seen: ctxSeen}
	s.deps.submitter = submitter

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), recognition.Metadata{})
		done <- err
	}()

	ctx := <-ctxSeen
	s.Close()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close did not cancel the submission")
	}
	if err := <-done; !errors.Is(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult, got %v", err)
	}
}

// ctxSubmitter hands its context to the test and waits for it to be cancelled.
type ctxSubmitter struct {
	seen chan context.Context
}

func (s *ctxSubmitter) Recognize(ctx context.Context, img imageprocessor.PreparedImage, opts httpclient.RecognizeOptions) recognition.Outcome {
	s.seen <- ctx
	<-ctx.Done()
	return recognition.TransportFailed(ctx.Err())
}

func (s *ctxSubmitter) Register(ctx context.Context, img imageprocessor.PreparedImage, meta recognition.Metadata, sessionID string) recognition.Outcome {
	return s.Recognize(ctx, img, httpclient.RecognizeOptions{})
}

func TestSubmitRejectedAfterTerminalStage(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.submitter.outcomes = []recognition.Outcome{recognition.Recognized(recognition.Identity{ID: "u"}, 0.9, nil)}
	s := openReviewing(t, env, recognition.PurposeRecognize, frame(1))

	if _, err := s.Submit(context.Background(), recognition.Metadata{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var stageErr *StageError
	if _, err := s.Submit(context.Background(), recognition.Metadata{}); !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError from succeeded, got %v", err)
	}
	if stageErr.Stage != StageSucceeded {
		t.Fatalf("unexpected stage %s", stageErr.Stage)
	}
	if env.submitter.callCount() != 1 {
		t.Fatalf("expected a single transport call, got %d", env.submitter.callCount())
	}

	s.Reset()
	if got := s.Snapshot().Stage; got != StageIdle {
		t.Fatalf("expected idle after reset, got %s", got)
	}
}

func TestBurstFrameDroppedWhileSubmitting(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.submitter.outcomes = []recognition.Outcome{recognition.Recognized(recognition.Identity{ID: "u"}, 0.9, nil)}
	env.submitter.entered = make(chan struct{}, 1)
	env.submitter.release = make(chan struct{})
	s := openReviewing(t, env, recognition.PurposeRecognize, frame(1))
	gen := s.Snapshot().Generation

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), recognition.Metadata{})
		done <- err
	}()
	<-env.submitter.entered

	if s.appendBurstFrame(gen, frame(9)) {
		t.Fatal("expected frame to be dropped while submitting")
	}
	close(env.submitter.release)
	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := s.Snapshot().CaptureCount; got != 1 {
		t.Fatalf("expected 1 capture, got %d", got)
	}
	if s.appendBurstFrame(gen, frame(9)) {
		t.Fatal("expected frame to be dropped after the session finished")
	}
}
