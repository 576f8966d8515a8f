package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/render"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RenderFieldPNG rasterizes a field's persisted emitters at an integer scale and encodes a PNG.
func RenderFieldPNG(ctx context.Context, client *fields.Client, fieldID string, scale int, logger *zap.Logger) ([]byte, error) {
	field, err := client.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	emitters, err := client.ListEmitters(ctx, fieldID)
	if err != nil {
		return nil, err
	}

	renderer, err := render.NewRenderer(render.Config{
		Surface:   render.NewImageSurface(field.Width*scale, field.Height*scale),
		Scheduler: render.NewManualScheduler(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fields.NewError("server.render", "renderer", fields.ErrBackend, err)
	}
	defer renderer.Dispose()

	renderer.SetField(field)
	renderer.SetEmitters(emitters)
	renderer.SetViewport(render.Viewport{Scale: float64(scale)})

	var output bytes.Buffer
	if err := renderer.EncodePNG(&output); err != nil {
		return nil, fields.NewError("server.render", "encode", fields.ErrBackend, err)
	}
	return output.Bytes(), nil
}

func (h *httpHandler) parseScale(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	scale, err := strconv.Atoi(raw)
	if err != nil || scale < 1 || scale > h.maxScale {
		return 0, fields.NewError("server.render", "invalid_scale", fields.ErrValidation, fmt.Errorf("scale must be within 1..%d", h.maxScale))
	}
	return scale, nil
}

func (h *httpHandler) handleRenderImage(c *gin.Context) {
	scale, err := h.parseScale(c.Query("scale"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload, err := RenderFieldPNG(c.Request.Context(), h.client(c), c.Param("id"), scale, h.logger)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", payload)
}
