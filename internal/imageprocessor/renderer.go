package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// DefaultPixelBudget caps the source size the high-quality renderer accepts.
const DefaultPixelBudget = 24_000_000

// ErrRendererUnavailable is returned by a renderer that cannot handle a source.
var ErrRendererUnavailable = errors.New("renderer unavailable")

// Renderer scales src to fill dst. Output of every renderer is acceptable for
// transmission; they differ only in cost and sharpness.
type Renderer interface {
	Name() string
	Scale(dst *image.RGBA, src image.Image) error
}

// HighQualityRenderer uses a Catmull-Rom kernel and refuses sources above its
// pixel budget.
type HighQualityRenderer struct {
	pixelBudget int
}

// NewHighQualityRenderer returns a renderer limited to pixelBudget source pixels.
func NewHighQualityRenderer(pixelBudget int) HighQualityRenderer {
	return HighQualityRenderer{pixelBudget: pixelBudget}
}

func (HighQualityRenderer) Name() string { return "catmull-rom" }

func (r HighQualityRenderer) Scale(dst *image.RGBA, src image.Image) error {
	b := src.Bounds()
	if r.pixelBudget > 0 && b.Dx()*b.Dy() > r.pixelBudget {
		return fmt.Errorf("%w: %dx%d exceeds pixel budget", ErrRendererUnavailable, b.Dx(), b.Dy())
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return nil
}

// SoftwareRenderer is the cheap bilinear fallback. It always succeeds.
type SoftwareRenderer struct{}

func (SoftwareRenderer) Name() string { return "approx-bilinear" }

func (SoftwareRenderer) Scale(dst *image.RGBA, src image.Image) error {
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return nil
}

func safeScale(r Renderer, dst *image.RGBA, src image.Image) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("renderer %s panicked: %v", r.Name(), p)
		}
	}()
	return r.Scale(dst, src)
}

// canvasPool recycles RGBA pixel buffers between normalizations.
type canvasPool struct {
	pool sync.Pool
}

func newCanvasPool() *canvasPool {
	return &canvasPool{}
}

func (p *canvasPool) acquire(w, h int) *image.RGBA {
	n := 4 * w * h
	if buf, ok := p.pool.Get().(*[]uint8); ok && cap(*buf) >= n {
		pix := (*buf)[:n]
		return &image.RGBA{Pix: pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func (p *canvasPool) release(img *image.RGBA) {
	pix := img.Pix[:0]
	p.pool.Put(&pix)
}
