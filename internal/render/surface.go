package render

import (
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// Surface is the display target the pixel buffer is composited onto.
type Surface interface {
	Image() draw.Image
	Resize(width, height int)
}

// ImageSurface is an in-memory RGBA display surface.
type ImageSurface struct {
	mu  sync.Mutex
	img *image.RGBA
}

func NewImageSurface(width, height int) *ImageSurface {
	return &ImageSurface{img: image.NewRGBA(image.Rect(0, 0, clampSize(width), clampSize(height)))}
}

func (s *ImageSurface) Image() draw.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}

// Resize reallocates the surface. Contents are discarded until the next paint.
func (s *ImageSurface) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = image.NewRGBA(image.Rect(0, 0, clampSize(width), clampSize(height)))
}

func clampSize(value int) int {
	if value < 1 {
		return 1
	}
	return value
}
