package capture

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-capture/internal/recognition"
)

const (
	DefaultShotCount = 3
	DefaultInterval  = time.Second
)

// BurstState is the lifecycle of a Burst.
type BurstState int

const (
	BurstIdle BurstState = iota
	BurstCapturing
	BurstComplete
	BurstAborted
	BurstCancelled
)

func (s BurstState) String() string {
	switch s {
	case BurstIdle:
		return "idle"
	case BurstCapturing:
		return "capturing"
	case BurstComplete:
		return "complete"
	case BurstAborted:
		return "aborted"
	case BurstCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further steps will run.
func (s BurstState) Terminal() bool {
	return s == BurstComplete || s == BurstAborted || s == BurstCancelled
}

// Step is the result of one scheduled capture. Frame is nil when Err is set.
type Step struct {
	Index     int
	Frame     *RawCapture
	Err       error
	StartedAt time.Time
	Elapsed   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithShotCount sets the number of steps per burst.
func WithShotCount(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.shots = n
		}
	}
}

// WithInterval sets the spacing between the starts of consecutive steps.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.interval = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// Orchestrator creates bursts with a shared schedule.
type Orchestrator struct {
	clock    Clock
	shots    int
	interval time.Duration
	logger   *zap.Logger
}

// NewOrchestrator returns an orchestrator taking DefaultShotCount shots at
// DefaultInterval unless overridden.
func NewOrchestrator(logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clock:    RealClock(),
		shots:    DefaultShotCount,
		interval: DefaultInterval,
		logger:   logger.Named("burst"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CaptureBurst prepares a burst over device. Nothing is captured until the
// burst is stepped.
func (o *Orchestrator) CaptureBurst(device Device) *Burst {
	return &Burst{
		device:    device,
		clock:     o.clock,
		shots:     o.shots,
		interval:  o.interval,
		logger:    o.logger,
		cancelled: make(chan struct{}),
	}
}

// Burst is a lazy, finite, non-restartable sequence of captures. Steps are
// taken one at a time by Next; Cancel may be called from any goroutine.
type Burst struct {
	device   Device
	clock    Clock
	shots    int
	interval time.Duration
	logger   *zap.Logger

	// stepMu serializes Next so a step never begins before the previous one ends.
	stepMu sync.Mutex

	mu        sync.Mutex
	state     BurstState
	index     int
	lastStart time.Time
	frames    []RawCapture
	abortErr  error

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Next runs the next scheduled step, waiting for its slot first. It returns
// false once the burst is complete, aborted or cancelled. The step that
// aborts a burst is still returned with its error.
func (b *Burst) Next(ctx context.Context) (Step, bool) {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return Step{}, false
	}
	b.state = BurstCapturing
	index, lastStart := b.index, b.lastStart
	b.mu.Unlock()

	if index > 0 {
		if wait := lastStart.Add(b.interval).Sub(b.clock.Now()); wait > 0 {
			select {
			case <-b.clock.After(wait):
			case <-b.cancelled:
				b.finish(BurstCancelled, nil)
				return Step{}, false
			case <-ctx.Done():
				b.Cancel()
				b.finish(BurstCancelled, nil)
				return Step{}, false
			}
		}
	}
	if b.isCancelled() || ctx.Err() != nil {
		b.finish(BurstCancelled, nil)
		return Step{}, false
	}

	start := b.clock.Now()
	b.mu.Lock()
	b.lastStart = start
	b.mu.Unlock()

	frame, err := b.device.RequestFrame(ctx)
	step := Step{Index: index, StartedAt: start, Elapsed: b.clock.Now().Sub(start)}

	if b.isCancelled() {
		b.logger.Debug("discarding frame captured after cancel", zap.Int("step", index))
		b.finish(BurstCancelled, nil)
		return Step{}, false
	}
	if ctx.Err() != nil {
		b.finish(BurstCancelled, nil)
		return Step{}, false
	}

	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		step.Err = &recognition.DeviceError{Device: "camera", Err: err}
		b.logger.Warn("device unavailable, aborting burst", zap.Int("step", index))
		b.finish(BurstAborted, step.Err)
		return step, true
	case err != nil:
		step.Err = err
		b.logger.Warn("burst frame dropped", zap.Int("step", index), zap.Error(err))
	default:
		if frame.Origin == "" {
			frame.Origin = OriginWebcamBurst
		}
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = start
		}
		step.Frame = &frame
	}

	b.mu.Lock()
	if step.Frame != nil {
		b.frames = append(b.frames, frame)
	}
	b.index++
	if b.index >= b.shots {
		b.state = BurstComplete
	}
	b.mu.Unlock()

	return step, true
}

// Steps returns the remaining steps as a sequence. Breaking out of the loop
// leaves the burst where it stopped; it does not cancel it.
func (b *Burst) Steps(ctx context.Context) iter.Seq[Step] {
	return func(yield func(Step) bool) {
		for {
			step, ok := b.Next(ctx)
			if !ok || !yield(step) {
				return
			}
		}
	}
}

// Run drives the burst to a terminal state, calling onStep after every step so
// partial results are visible before the burst finishes.
func (b *Burst) Run(ctx context.Context, onStep func(Step)) BurstState {
	for step := range b.Steps(ctx) {
		if onStep != nil {
			onStep(step)
		}
	}
	return b.State()
}

// Cancel stops scheduling. A step already in flight completes but its frame is
// discarded.
func (b *Burst) Cancel() {
	b.cancelOnce.Do(func() { close(b.cancelled) })
}

// State returns the current lifecycle state.
func (b *Burst) State() BurstState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Frames returns a copy of the frames captured so far in capture order.
func (b *Burst) Frames() []RawCapture {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RawCapture, len(b.frames))
	copy(out, b.frames)
	return out
}

// Err returns the cause of an aborted burst.
func (b *Burst) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abortErr
}

func (b *Burst) isCancelled() bool {
	select {
	case <-b.cancelled:
		return true
	default:
		return false
	}
}

func (b *Burst) finish(state BurstState, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Terminal() {
		return
	}
	b.state = state
	b.abortErr = err
}
