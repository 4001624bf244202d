package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	httpapi "github.com/i474232898/weather-station-fusion/internal/api/http"
	"github.com/i474232898/weather-station-fusion/internal/app"
	"github.com/i474232898/weather-station-fusion/internal/config"
	"github.com/i474232898/weather-station-fusion/internal/logging"
	"github.com/i474232898/weather-station-fusion/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fusion engine and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New(cfg, Version, "weather-station-fusion")

			m, err := metrics.New(nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := app.New(ctx, cfg, m, log)
			if err != nil {
				return err
			}

			fa := fiber.New(fiber.Config{
				AppName:               "weather-station-fusion",
				DisableStartupMessage: true,
				ReadTimeout:           10 * time.Second,
				ErrorHandler:          httpapi.ErrorHandler,
			})
			fa.Use(logger.New())
			fa.Use(recover.New())
			httpapi.RegisterRoutes(fa, svc)

			go func() {
				if err := fa.Listen(":" + cfg.Port); err != nil {
					log.Error("fiber server stopped", "error", err)
					stop()
				}
			}()
			log.Info("listening", "port", cfg.Port)

			runErr := svc.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := fa.ShutdownWithContext(shutdownCtx); err != nil {
				log.Error("error during shutdown", "error", err)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}
}
