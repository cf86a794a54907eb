package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"

	"github.com/oarkflow/sentinel"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config (defaults apply when empty)")
		listenAddr  = flag.String("listen", ":8080", "address for the protected surface and admin API")
		metricsAddr = flag.String("metrics", ":9100", "address for the Prometheus endpoint")
		historyDSN  = flag.String("history-db", "", "SQLite DSN for durable traffic history (disabled when empty)")
		webhookURL  = flag.String("webhook", "", "webhook URL for mitigation notifications")
	)
	flag.Parse()

	logger := &log.Logger{
		Level:      log.InfoLevel,
		TimeFormat: "2006-01-02 15:04:05",
		Writer:     &log.ConsoleWriter{ColorOutput: true},
	}

	cfg := sentinel.DefaultConfig()
	if *configPath != "" {
		loaded, err := sentinel.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}

	opts := sentinel.Options{Logger: logger}
	if *historyDSN != "" {
		sink, err := sentinel.NewSQLiteHistorySink(*historyDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("open history store")
		}
		defer sink.Close()
		opts.Sink = sink
	}

	s, err := sentinel.New(cfg, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize sentinel")
	}
	if *webhookURL != "" {
		s.Notifier().Register(sentinel.NewWebhookSender(*webhookURL))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *configPath != "" {
		err := sentinel.WatchConfig(*configPath, logger, ctx.Done(), func(loaded sentinel.Config) {
			if err := s.ApplyConfig(loaded); err != nil {
				logger.Warn().Err(err).Msg("reloaded config rejected")
			}
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config watching disabled")
		}
	}

	go s.Run(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.Metrics().Handler())
		logger.Info().Str("addr", *metricsAddr).Msg("metrics listening")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:               "sentinel",
		DisableStartupMessage: true,
	})
	s.RegisterAdminRoutes(app)
	app.Use(s.Middleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	go func() {
		logger.Info().Str("addr", *listenAddr).Msg("listening")
		if err := app.Listen(*listenAddr); err != nil {
			logger.Error().Err(err).Msg("server stopped")
			cancel()
		}
	}()

	<-ctx.Done()
	if err := app.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	logger.Info().Msg("bye")
}
