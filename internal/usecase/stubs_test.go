package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/httpclient"
	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/recognition"
	"github.com/example/face-capture/internal/repository"
)

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.SubmissionLog
	saveErr   error
	findLog   *repository.SubmissionLog
	findErr   error
	findCalls int
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.SubmissionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindBySession(ctx context.Context, sessionID, operatorID string) (*repository.SubmissionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

func (s *stubRepository) saved() []*repository.SubmissionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repository.SubmissionLog(nil), s.savedLogs...)
}

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if v, ok := value.(string); ok {
		s.setValues = append(s.setValues, v)
	}
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

// eventLog records the order of preprocessing and submission calls.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type stubPreprocessor struct {
	log *eventLog
}

func (p *stubPreprocessor) Normalize(raw capture.RawCapture) imageprocessor.PreparedImage {
	if p.log != nil {
		p.log.add("normalize")
	}
	return imageprocessor.PreparedImage{Data: raw.Data, MIMEType: imageprocessor.OutputMIMEType, OriginalSize: raw.Size()}
}

type stubSubmitter struct {
	mu       sync.Mutex
	log      *eventLog
	outcomes []recognition.Outcome
	calls    int
	images   [][]byte
	metas    []recognition.Metadata

	// entered is signalled when a call starts; release blocks it until closed.
	entered chan struct{}
	release chan struct{}
}

func (s *stubSubmitter) next(img imageprocessor.PreparedImage) recognition.Outcome {
	s.mu.Lock()
	s.calls++
	s.images = append(s.images, img.Data)
	var out recognition.Outcome
	if len(s.outcomes) > 0 {
		out = s.outcomes[0]
		if len(s.outcomes) > 1 {
			s.outcomes = s.outcomes[1:]
		}
	} else {
		out = recognition.NotRecognized("no match", nil)
	}
	entered, release := s.entered, s.release
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return out
}

func (s *stubSubmitter) Recognize(ctx context.Context, img imageprocessor.PreparedImage, opts httpclient.RecognizeOptions) recognition.Outcome {
	if s.log != nil {
		s.log.add("recognize")
	}
	return s.next(img)
}

func (s *stubSubmitter) Register(ctx context.Context, img imageprocessor.PreparedImage, meta recognition.Metadata, sessionID string) recognition.Outcome {
	if s.log != nil {
		s.log.add("register")
	}
	s.mu.Lock()
	s.metas = append(s.metas, meta)
	s.mu.Unlock()
	return s.next(img)
}

func (s *stubSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDevice struct {
	mu       sync.Mutex
	released bool
	frames   []capture.RawCapture
}

func (d *stubDevice) RequestFrame(ctx context.Context) (capture.RawCapture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || len(d.frames) == 0 {
		return capture.RawCapture{}, capture.ErrDeviceUnavailable
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f, nil
}

func (d *stubDevice) Release() error {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
	return nil
}

func (d *stubDevice) isReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

type stubFactory struct {
	mu       sync.Mutex
	frames   []capture.RawCapture
	devices  []*stubDevice
	err      error
	acquired []capture.Facing
}

func (f *stubFactory) Acquire(ctx context.Context, mode capture.Mode, facing capture.Facing) (capture.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := &stubDevice{frames: append([]capture.RawCapture(nil), f.frames...)}
	f.devices = append(f.devices, d)
	f.acquired = append(f.acquired, facing)
	return d, nil
}

func frame(b byte) capture.RawCapture {
	return capture.RawCapture{Data: []byte{b, b, b}, MIMEType: "image/jpeg", Origin: capture.OriginUpload}
}

type testEnv struct {
	manager   *Manager
	repo      *stubRepository
	cache     *stubCache
	submitter *stubSubmitter
	factory   *stubFactory
	log       *eventLog
}

func newTestEnv(cfg ManagerConfig) *testEnv {
	log := &eventLog{}
	env := &testEnv{
		repo:      &stubRepository{},
		cache:     &stubCache{},
		submitter: &stubSubmitter{log: log},
		factory:   &stubFactory{},
		log:       log,
	}
	pre := &stubPreprocessor{log: log}
	env.manager = NewManager(Dependencies{
		Repo:         env.repo,
		Cache:        env.cache,
		Submitter:    env.submitter,
		Factory:      env.factory,
		Orchestrator: capture.NewOrchestrator(zap.NewNop(), capture.WithInterval(0)),
		Preprocessors: map[recognition.Purpose]Preprocessor{
			recognition.PurposeRecognize: pre,
			recognition.PurposeRegister:  pre,
		},
	}, cfg, zap.NewNop())
	env.manager.initialBackoff = time.Millisecond
	env.manager.maxBackoff = 2 * time.Millisecond
	return env
}
