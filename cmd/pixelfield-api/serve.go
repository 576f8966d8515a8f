package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/config"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/database"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/realtime"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/server"
	"github.com/MarcoPoloResearchLab/pixelfield/internal/tracing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    appConfig.TracingEndpoint,
		ServiceName: appConfig.TracingService,
		Insecure:    true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := realtime.NewDispatcher()
	var (
		publisher fields.Publisher = dispatcher
		relay     *realtime.RedisRelay
	)
	if appConfig.RedisAddress != "" {
		client := realtime.NewRedis(appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB)
		defer client.Close()
		relay, err = realtime.NewRedisRelay(realtime.RedisRelayConfig{
			Client:        client,
			Dispatcher:    dispatcher,
			ChannelPrefix: appConfig.RedisChannelPrefix,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		publisher = relay
	}

	fieldsService, err := fields.NewService(fields.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		IDProvider:     fields.NewUUIDProvider(),
		Logger:         logger,
		Publisher:      publisher,
		AccessCacheTTL: appConfig.AccessCacheTTL,
	})
	if err != nil {
		return err
	}

	if relay != nil {
		relay.OnReplay(func(event fields.ChangeEvent) {
			fieldsService.InvalidateAccess(event)
		})
		go func() {
			if err := relay.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Fields:         fieldsService,
		Sessions:       sessionValidator,
		Feed:           dispatcher,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		MaxRenderScale: appConfig.MaxRenderScale,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
