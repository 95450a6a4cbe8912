// Package capture yields raw frames from cameras and file pickers and drives
// timed multi-shot bursts over them.
package capture

import (
	"context"
	"errors"
	"time"
)

// Origin tags where a RawCapture came from.
type Origin string

const (
	OriginUpload       Origin = "upload"
	OriginWebcamSingle Origin = "webcam-single"
	OriginWebcamBurst  Origin = "webcam-burst"
)

// RawCapture is an unprocessed image as produced by a Device. It must not be
// mutated once produced.
type RawCapture struct {
	Data       []byte
	MIMEType   string
	Origin     Origin
	CapturedAt time.Time
}

// Size returns the byte size of the capture.
func (r RawCapture) Size() int { return len(r.Data) }

var (
	// ErrDeviceUnavailable means the device cannot produce frames any more.
	// It aborts an active burst.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrNoFrame means a single frame could not be produced; the device is
	// still usable.
	ErrNoFrame = errors.New("no frame available")
)

// Device is a camera or file picker. Implementations are owned by exactly one
// holder at a time and must be released by it.
type Device interface {
	RequestFrame(ctx context.Context) (RawCapture, error)
	Release() error
}

// Mode is the capture mode an operator selects.
type Mode string

const (
	ModeUpload Mode = "upload"
	ModeWebcam Mode = "webcam"
)

// Facing selects a camera when a device has more than one.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// DeviceFactory acquires a device for a mode. Switching facing is done by
// releasing the current device and acquiring a new one.
type DeviceFactory interface {
	Acquire(ctx context.Context, mode Mode, facing Facing) (Device, error)
}

// Clock abstracts time so burst scheduling can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
