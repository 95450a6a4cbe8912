package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileDevice yields a fixed list of images in order. It models a file picker
// and reports ErrDeviceUnavailable once exhausted or released.
type FileDevice struct {
	mu       sync.Mutex
	frames   []RawCapture
	next     int
	released bool
}

// NewFileDevice returns a device over in-memory uploads.
func NewFileDevice(frames ...RawCapture) *FileDevice {
	return &FileDevice{frames: frames}
}

// OpenFiles reads paths from disk into a FileDevice tagged as uploads.
func OpenFiles(paths ...string) (*FileDevice, error) {
	frames := make([]RawCapture, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		frames = append(frames, RawCapture{Data: data, Origin: OriginUpload, CapturedAt: time.Now()})
	}
	return NewFileDevice(frames...), nil
}

// RequestFrame returns the next file.
func (d *FileDevice) RequestFrame(ctx context.Context) (RawCapture, error) {
	if err := ctx.Err(); err != nil {
		return RawCapture{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || d.next >= len(d.frames) {
		return RawCapture{}, ErrDeviceUnavailable
	}
	frame := d.frames[d.next]
	d.next++
	return frame, nil
}

// Release marks the device as closed.
func (d *FileDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	return nil
}

// QueueDevice receives frames pushed by a browser camera. RequestFrame waits up
// to the frame timeout for a pushed frame and reports ErrNoFrame if none
// arrives, so a slow camera drops a frame instead of stalling the burst.
type QueueDevice struct {
	frames       chan RawCapture
	frameTimeout time.Duration
	facing       Facing

	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueueDevice creates a queue holding up to capacity pending frames.
func NewQueueDevice(capacity int, frameTimeout time.Duration, facing Facing) *QueueDevice {
	if capacity <= 0 {
		capacity = 1
	}
	return &QueueDevice{
		frames:       make(chan RawCapture, capacity),
		frameTimeout: frameTimeout,
		facing:       facing,
		closed:       make(chan struct{}),
	}
}

// Facing returns the camera this queue is fed from.
func (d *QueueDevice) Facing() Facing { return d.facing }

// Push enqueues a frame. It fails when the device was released or the queue
// is full.
func (d *QueueDevice) Push(frame RawCapture) error {
	select {
	case <-d.closed:
		return ErrDeviceUnavailable
	default:
	}
	select {
	case d.frames <- frame:
		return nil
	default:
		return fmt.Errorf("frame queue full (%d pending)", cap(d.frames))
	}
}

// RequestFrame waits for the next pushed frame.
func (d *QueueDevice) RequestFrame(ctx context.Context) (RawCapture, error) {
	var timeout <-chan time.Time
	if d.frameTimeout > 0 {
		timer := time.NewTimer(d.frameTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-d.closed:
		return RawCapture{}, ErrDeviceUnavailable
	default:
	}

	select {
	case frame := <-d.frames:
		return frame, nil
	case <-d.closed:
		return RawCapture{}, ErrDeviceUnavailable
	case <-timeout:
		return RawCapture{}, ErrNoFrame
	case <-ctx.Done():
		return RawCapture{}, ctx.Err()
	}
}

// Release closes the device. Pending frames are dropped.
func (d *QueueDevice) Release() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// Released reports whether Release was called.
func (d *QueueDevice) Released() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// QueueFactory hands out QueueDevices for webcam mode and empty FileDevices for
// upload mode; uploads are added to the session directly.
type QueueFactory struct {
	Capacity     int
	FrameTimeout time.Duration
}

// Acquire implements DeviceFactory.
func (f QueueFactory) Acquire(ctx context.Context, mode Mode, facing Facing) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeWebcam:
		if facing == "" {
			facing = FacingUser
		}
		return NewQueueDevice(f.Capacity, f.FrameTimeout, facing), nil
	case ModeUpload:
		return NewFileDevice(), nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", mode)
	}
}
