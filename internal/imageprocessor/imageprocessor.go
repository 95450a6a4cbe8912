// Package imageprocessor normalizes raw captures into bounded JPEGs ready for
// transmission.
package imageprocessor

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	"math"

	// Decoders for formats cameras and file pickers hand us.
	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/recognition"
)

const (
	// OutputMIMEType is the encoding of every re-encoded image.
	OutputMIMEType = "image/jpeg"

	SmallImageThreshold = 50 * 1024
	MaxImageSize        = 5 * 1024 * 1024
	QualityDefault      = 85
	QualityLow          = 70

	RecognitionDimension  = 640
	RegistrationDimension = 800
)

// PreparedImage is a RawCapture after normalization. It is consumed by exactly
// one submission and must not be retained afterwards.
type PreparedImage struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
	// OriginalSize is the byte size of the raw capture.
	OriginalSize int
	// SourceMIME is the sniffed type of the raw capture.
	SourceMIME string
	Quality    int
	Renderer   string
	Skipped    bool
	// Passthrough is set when decode or encode failed and Data holds the raw bytes.
	Passthrough bool
}

// Size returns the byte size of the prepared image.
func (p PreparedImage) Size() int { return len(p.Data) }

// Options bounds the engine output. Zero fields take the package defaults.
type Options struct {
	TargetDimension     int
	SmallImageThreshold int
	MaxImageSize        int
	QualityDefault      int
	QualityLow          int
}

func (o Options) withDefaults() Options {
	if o.TargetDimension <= 0 {
		o.TargetDimension = RegistrationDimension
	}
	if o.SmallImageThreshold <= 0 {
		o.SmallImageThreshold = SmallImageThreshold
	}
	if o.MaxImageSize <= 0 {
		o.MaxImageSize = MaxImageSize
	}
	if o.QualityDefault <= 0 || o.QualityDefault > 100 {
		o.QualityDefault = QualityDefault
	}
	if o.QualityLow <= 0 || o.QualityLow > 100 {
		o.QualityLow = QualityLow
	}
	return o
}

// Recorder observes preprocessing results. metrics.Pipeline implements it.
type Recorder interface {
	ObservePreprocess(result, renderer string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRenderers replaces the renderer chain. Renderers are tried in order.
func WithRenderers(renderers ...Renderer) EngineOption {
	return func(e *Engine) {
		if len(renderers) > 0 {
			e.renderers = renderers
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// Engine is safe for concurrent use.
type Engine struct {
	opts      Options
	renderers []Renderer
	canvases  *canvasPool
	recorder  Recorder
	logger    *zap.Logger
}

// NewEngine builds an engine preferring the high-quality renderer with a
// software fallback.
func NewEngine(opts Options, logger *zap.Logger, options ...EngineOption) *Engine {
	e := &Engine{
		opts:      opts.withDefaults(),
		renderers: []Renderer{NewHighQualityRenderer(DefaultPixelBudget), SoftwareRenderer{}},
		canvases:  newCanvasPool(),
		logger:    logger.Named("imageprocessor"),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Normalize bounds raw to the configured dimension and size. It never fails:
// undecodable input is passed through unchanged for the backend to judge.
func (e *Engine) Normalize(raw capture.RawCapture) PreparedImage {
	originalSize := len(raw.Data)
	sourceMIME := sniffMIME(raw)

	if originalSize <= e.opts.SmallImageThreshold {
		out := PreparedImage{
			Data:         raw.Data,
			MIMEType:     OutputMIMEType,
			OriginalSize: originalSize,
			SourceMIME:   sourceMIME,
			Skipped:      true,
		}
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw.Data)); err == nil {
			out.Width, out.Height = cfg.Width, cfg.Height
		}
		e.observe("skipped", "")
		return out
	}

	img, format, err := image.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return e.passthrough(raw, sourceMIME, &recognition.DecodeError{Err: err})
	}

	bounds := img.Bounds()
	width, height := fitWithin(bounds.Dx(), bounds.Dy(), e.opts.TargetDimension)

	canvas := e.canvases.acquire(width, height)
	defer e.canvases.release(canvas)

	renderer := "copy"
	if width == bounds.Dx() && height == bounds.Dy() {
		fillWhite(canvas)
		draw.Draw(canvas, canvas.Bounds(), img, bounds.Min, draw.Over)
	} else {
		renderer, err = e.render(canvas, img)
		if err != nil {
			return e.passthrough(raw, sourceMIME, &recognition.DecodeError{Err: err})
		}
	}

	quality := e.opts.QualityDefault
	if originalSize > e.opts.MaxImageSize {
		quality = e.opts.QualityLow
	}

	var buf bytes.Buffer
	buf.Grow(width * height / 4)
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return e.passthrough(raw, sourceMIME, &recognition.DecodeError{Err: err})
	}

	e.logger.Debug("image normalized",
		zap.String("source_format", format),
		zap.Int("source_width", bounds.Dx()),
		zap.Int("source_height", bounds.Dy()),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("original_size", originalSize),
		zap.Int("size", buf.Len()),
		zap.Int("quality", quality),
		zap.String("renderer", renderer),
	)
	e.observe("encoded", renderer)

	return PreparedImage{
		Data:         buf.Bytes(),
		MIMEType:     OutputMIMEType,
		Width:        width,
		Height:       height,
		OriginalSize: originalSize,
		SourceMIME:   sourceMIME,
		Quality:      quality,
		Renderer:     renderer,
	}
}

// render tries each renderer in order, repainting the background between
// attempts so a failed renderer leaves no partial output.
func (e *Engine) render(canvas *image.RGBA, src image.Image) (string, error) {
	var lastErr error
	for _, r := range e.renderers {
		fillWhite(canvas)
		if err := safeScale(r, canvas, src); err != nil {
			e.logger.Debug("renderer unavailable, falling back", zap.String("renderer", r.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		return r.Name(), nil
	}
	return "", lastErr
}

func (e *Engine) passthrough(raw capture.RawCapture, sourceMIME string, err error) PreparedImage {
	e.logger.Warn("image preprocessing failed, sending original bytes",
		zap.Error(err),
		zap.Int("size", len(raw.Data)),
		zap.String("source_mime", sourceMIME),
	)
	e.observe("passthrough", "")
	return PreparedImage{
		Data:         raw.Data,
		MIMEType:     sourceMIME,
		OriginalSize: len(raw.Data),
		SourceMIME:   sourceMIME,
		Passthrough:  true,
	}
}

func (e *Engine) observe(result, renderer string) {
	if e.recorder != nil {
		e.recorder.ObservePreprocess(result, renderer)
	}
}

// fitWithin scales (w, h) down so the longer edge equals target, keeping the
// aspect ratio. Images already within target are returned unchanged.
func fitWithin(w, h, target int) (int, int) {
	long := max(w, h)
	if long <= target || long == 0 {
		return w, h
	}
	scale := float64(target) / float64(long)
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if w >= h {
		nw = target
	} else {
		nh = target
	}
	return max(nw, 1), max(nh, 1)
}

func fillWhite(dst *image.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
}

func sniffMIME(raw capture.RawCapture) string {
	if raw.MIMEType != "" && raw.MIMEType != "application/octet-stream" {
		return raw.MIMEType
	}
	return mimetype.Detect(raw.Data).String()
}
