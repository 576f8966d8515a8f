package render

import (
	"image/png"
	"io"
)

// EncodePNG paints synchronously and writes the composited surface as PNG.
func (r *Renderer) EncodePNG(w io.Writer) error {
	r.Paint()
	r.mu.Lock()
	defer r.mu.Unlock()
	return png.Encode(w, r.surface.Image())
}
