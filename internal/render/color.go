package render

import (
	"image/color"
	"strconv"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
)

var opaqueBlack = color.RGBA{A: 0xff}

// ParseHexColor converts #rgb or #rrggbb into an opaque color.
// The boolean is false for malformed input, in which case opaque black is returned.
func ParseHexColor(raw string) (color.RGBA, bool) {
	normalized, err := fields.NormalizeHexColor(raw)
	if err != nil {
		return opaqueBlack, false
	}
	value, err := strconv.ParseUint(normalized[1:], 16, 32)
	if err != nil {
		return opaqueBlack, false
	}
	return color.RGBA{
		R: uint8(value >> 16),
		G: uint8(value >> 8),
		B: uint8(value),
		A: 0xff,
	}, true
}
