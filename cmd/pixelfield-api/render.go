package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/database"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/render"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/roles"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/store"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/view"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRenderCommand() *cobra.Command {
	var (
		fieldID string
		output  string
		scale   int
		actor   string
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a field's persisted emitters to a PNG file",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxScale := viper.GetInt("render.max_scale")
			if scale < 1 || scale > maxScale {
				return fmt.Errorf("scale must be within 1..%d", maxScale)
			}
			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.encoding"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(database.Config{
				Driver: viper.GetString("database.driver"),
				Path:   viper.GetString("database.path"),
				DSN:    viper.GetString("database.dsn"),
			}, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			service, err := fields.NewService(fields.ServiceConfig{
				Database:   db,
				Clock:      time.Now,
				IDProvider: fields.NewUUIDProvider(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			payload, err := renderField(cmd.Context(), service.As(fields.UserID(actor)), fieldID, scale, logger)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, payload, 0o644); err != nil {
				return err
			}
			logger.Info("field rendered", zap.String("field_id", fieldID), zap.String("output", output), zap.Int("scale", scale))
			return nil
		},
	}
	cmd.Flags().StringVar(&fieldID, "field-id", "", "Field to render")
	cmd.Flags().StringVar(&output, "out", "field.png", "Output PNG path")
	cmd.Flags().IntVar(&scale, "scale", 1, "Integer upscale factor")
	cmd.Flags().StringVar(&actor, "as", "", "Render as this user id (empty renders public fields only)")
	_ = cmd.MarkFlagRequired("field-id")
	return cmd
}

// renderField opens the field in a view session and encodes what the session draws.
func renderField(ctx context.Context, client *fields.Client, fieldID string, scale int, logger *zap.Logger) ([]byte, error) {
	field, err := client.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}

	emitterStore, err := store.NewEmitterStore(store.EmitterStoreConfig{Access: client, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer emitterStore.Dispose()
	roleStore, err := roles.NewStore(roles.Config{Authorizer: client, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer roleStore.Dispose()
	renderer, err := render.NewRenderer(render.Config{
		Surface:   render.NewImageSurface(field.Width*scale, field.Height*scale),
		Scheduler: render.NewManualScheduler(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	defer renderer.Dispose()

	session, err := view.NewSession(view.Config{
		Emitters: emitterStore,
		Roles:    roleStore,
		Renderer: renderer,
		Fields:   client,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	defer session.Close()
	if err := session.Open(ctx, fieldID); err != nil {
		return nil, err
	}
	renderer.SetViewport(render.Viewport{Scale: float64(scale)})

	var output bytes.Buffer
	if err := renderer.EncodePNG(&output); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
