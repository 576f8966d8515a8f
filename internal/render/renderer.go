// Package render rasterizes a field's emitters into a pixel buffer and composites it
// onto a display surface through a pan and zoom viewport.
package render

import (
	"errors"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

var (
	errMissingSurface   = errors.New("render: surface is required")
	errMissingScheduler = errors.New("render: frame scheduler is required")
)

// Viewport translates then uniformly scales the pixel buffer onto the surface.
type Viewport struct {
	X     float64
	Y     float64
	Scale float64
}

func (v Viewport) normalized() Viewport {
	if v.Scale <= 0 || math.IsNaN(v.Scale) || math.IsInf(v.Scale, 0) {
		v.Scale = 1
	}
	if math.IsNaN(v.X) || math.IsInf(v.X, 0) {
		v.X = 0
	}
	if math.IsNaN(v.Y) || math.IsInf(v.Y, 0) {
		v.Y = 0
	}
	return v
}

// transform maps buffer coordinates to surface coordinates. Translation snaps to whole pixels.
func (v Viewport) transform() f64.Aff3 {
	return f64.Aff3{
		v.Scale, 0, math.Round(v.X),
		0, v.Scale, math.Round(v.Y),
	}
}

// Config wires the renderer dependencies.
type Config struct {
	Surface   Surface
	Scheduler FrameScheduler
	Logger    *zap.Logger
}

// Renderer owns the pixel buffer of one field.
type Renderer struct {
	surface   Surface
	scheduler FrameScheduler
	logger    *zap.Logger

	mu           sync.Mutex
	width        int
	height       int
	background   color.RGBA
	buffer       *image.RGBA
	emitters     *fields.EmitterSet
	viewport     Viewport
	needsRedraw  bool
	framePending bool
	frame        FrameToken
	dirty        []image.Rectangle
	paints       int
	disposed     bool
}

func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.Surface == nil {
		return nil, errMissingSurface
	}
	if cfg.Scheduler == nil {
		return nil, errMissingScheduler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		surface:    cfg.Surface,
		scheduler:  cfg.Scheduler,
		logger:     logger,
		background: color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		buffer:     image.NewRGBA(image.Rectangle{}),
		emitters:   fields.NewEmitterSet(nil),
		viewport:   Viewport{Scale: 1},
	}, nil
}

// SetField reallocates the buffer for the field's dimensions and background and forces a full redraw.
func (r *Renderer) SetField(field fields.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	background, ok := ParseHexColor(field.BackgroundColor)
	if !ok {
		r.logger.Debug("invalid background color", zap.String("field_id", field.ID), zap.String("color", field.BackgroundColor))
	}
	r.width = max(field.Width, 0)
	r.height = max(field.Height, 0)
	r.background = background
	r.buffer = image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	r.fillBackgroundLocked()
	r.markAllDirtyLocked()
	r.requestRedrawLocked()
}

// SetEmitters replaces the drawn set. Draw order follows the slice order.
func (r *Renderer) SetEmitters(emitters []fields.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.emitters = fields.NewEmitterSet(emitters)
	r.markAllDirtyLocked()
	r.requestRedrawLocked()
}

func (r *Renderer) SetViewport(viewport Viewport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.viewport = viewport.normalized()
	r.requestRedrawLocked()
}

func (r *Renderer) Viewport() Viewport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewport
}

func (r *Renderer) UpsertEmitter(emitter fields.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	if previous, ok := r.emitters.Get(emitter.ID); ok {
		r.markDirtyLocked(previous.X, previous.Y)
	}
	r.emitters.Set(emitter)
	r.markDirtyLocked(emitter.X, emitter.Y)
	r.requestRedrawLocked()
}

// RemoveEmitter is a no-op for unknown ids.
func (r *Renderer) RemoveEmitter(emitterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	_, previous, ok := r.emitters.Delete(emitterID)
	if !ok {
		return
	}
	r.markDirtyLocked(previous.X, previous.Y)
	r.requestRedrawLocked()
}

// PatchEmitter is a no-op for unknown ids.
func (r *Renderer) PatchEmitter(emitterID string, patch fields.EmitterPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	previous, ok := r.emitters.Get(emitterID)
	if !ok {
		return
	}
	next := patch.Apply(previous)
	r.emitters.Set(next)
	r.markDirtyLocked(previous.X, previous.Y)
	r.markDirtyLocked(next.X, next.Y)
	r.requestRedrawLocked()
}

// Resize changes the display surface only; the field grid is untouched.
func (r *Renderer) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.surface.Resize(width, height)
	r.requestRedrawLocked()
}

// HitTest returns the topmost emitter at grid coordinate (x, y).
func (r *Renderer) HitTest(x, y int) (fields.Emitter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := r.emitters.Values()
	for index := len(values) - 1; index >= 0; index-- {
		if values[index].X == x && values[index].Y == y {
			return values[index], true
		}
	}
	return fields.Emitter{}, false
}

// ScreenToGrid inverts the viewport transform. The boolean is false outside the field.
func (r *Renderer) ScreenToGrid(screenX, screenY float64) (int, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	viewport := r.viewport.normalized()
	x := int(math.Floor((screenX - math.Round(viewport.X)) / viewport.Scale))
	y := int(math.Floor((screenY - math.Round(viewport.Y)) / viewport.Scale))
	inside := x >= 0 && y >= 0 && x < r.width && y < r.height
	return x, y, inside
}

// Paint rasterizes and composites immediately, cancelling any scheduled frame.
func (r *Renderer) Paint() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	if r.framePending {
		r.scheduler.CancelFrame(r.frame)
		r.framePending = false
	}
	r.paintLocked()
}

func (r *Renderer) requestRedrawLocked() {
	r.needsRedraw = true
	if r.framePending {
		return
	}
	r.framePending = true
	r.frame = r.scheduler.RequestFrame(r.onFrame)
}

func (r *Renderer) onFrame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framePending = false
	if r.disposed || !r.needsRedraw {
		return
	}
	r.paintLocked()
}

func (r *Renderer) paintLocked() {
	r.fillBackgroundLocked()
	for _, emitter := range r.emitters.Values() {
		r.setPixelLocked(emitter.X, emitter.Y, emitter.Color)
	}
	r.compositeLocked()
	r.needsRedraw = false
	r.dirty = r.dirty[:0]
	r.paints++
}

func (r *Renderer) fillBackgroundLocked() {
	pixels := r.buffer.Pix
	for offset := 0; offset+3 < len(pixels); offset += 4 {
		pixels[offset] = r.background.R
		pixels[offset+1] = r.background.G
		pixels[offset+2] = r.background.B
		pixels[offset+3] = r.background.A
	}
}

// setPixelLocked writes one opaque pixel. Out-of-range coordinates are skipped.
func (r *Renderer) setPixelLocked(x, y int, hex string) {
	if x < 0 || y < 0 || x >= r.width || y >= r.height {
		return
	}
	value, _ := ParseHexColor(hex)
	offset := (y*r.width + x) * 4
	r.buffer.Pix[offset] = value.R
	r.buffer.Pix[offset+1] = value.G
	r.buffer.Pix[offset+2] = value.B
	r.buffer.Pix[offset+3] = value.A
}

func (r *Renderer) compositeLocked() {
	target := r.surface.Image()
	draw.Draw(target, target.Bounds(), image.Transparent, image.Point{}, draw.Src)
	if r.width == 0 || r.height == 0 {
		return
	}
	draw.NearestNeighbor.Transform(target, r.viewport.transform(), r.buffer, r.buffer.Bounds(), draw.Src, nil)
}

func (r *Renderer) markDirtyLocked(x, y int) {
	r.dirty = append(r.dirty, image.Rect(x, y, x+1, y+1))
}

func (r *Renderer) markAllDirtyLocked() {
	r.dirty = append(r.dirty[:0], image.Rect(0, 0, r.width, r.height))
}

// DirtyRegions lists the unit rectangles touched since the last paint.
func (r *Renderer) DirtyRegions() []image.Rectangle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]image.Rectangle(nil), r.dirty...)
}

// PixelAt reads the RGBA bytes at grid coordinate (x, y) from the pixel buffer.
func (r *Renderer) PixelAt(x, y int) ([4]uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x < 0 || y < 0 || x >= r.width || y >= r.height {
		return [4]uint8{}, false
	}
	offset := (y*r.width + x) * 4
	var pixel [4]uint8
	copy(pixel[:], r.buffer.Pix[offset:offset+4])
	return pixel, true
}

// Buffer returns a copy of the raw RGBA pixel buffer.
func (r *Renderer) Buffer() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buffer.Pix...)
}

// Paints reports how many paints have run.
func (r *Renderer) Paints() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paints
}

// Dispose cancels the scheduled frame and drops every reference.
func (r *Renderer) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	if r.framePending {
		r.scheduler.CancelFrame(r.frame)
		r.framePending = false
	}
	r.disposed = true
	r.emitters = fields.NewEmitterSet(nil)
	r.dirty = nil
}
