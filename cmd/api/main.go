package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/patient-record-assistant/internal/adapters/http"
	"github.com/kirillkom/patient-record-assistant/internal/bootstrap"
	"github.com/kirillkom/patient-record-assistant/internal/config"
	"github.com/kirillkom/patient-record-assistant/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Service: "api", Logger: logger, WithMetrics: true})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	checks := make([]httpadapter.HealthCheck, 0, len(app.HealthChecks))
	for _, hc := range app.HealthChecks {
		checks = append(checks, httpadapter.HealthCheck{Name: hc.Name, Check: hc.Check})
	}
	modelName := app.Config.OllamaGenModel
	if app.Config.LLMProvider == config.ProviderOpenAI {
		modelName = app.Config.OpenAIChatModel
	}

	router := httpadapter.NewRouter(app.Answerer, app.Analyzer, httpadapter.Options{
		RateLimitRPS:   app.Config.RateLimitRPS,
		RateLimitBurst: app.Config.RateLimitBurst,
		HealthChecks:   checks,
		Metrics:        app.Metrics,
		ModelName:      modelName,
		Logger:         logger,
	}).Handler()
	server := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Streaming answers can outlive a short write deadline.
		WriteTimeout: time.Duration(cfg.LLMTimeoutSeconds+30) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err.Error())
	}
}
