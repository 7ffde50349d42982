package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	mcpadapter "github.com/kirillkom/patient-record-assistant/internal/adapters/mcp"
	"github.com/kirillkom/patient-record-assistant/internal/bootstrap"
	"github.com/kirillkom/patient-record-assistant/internal/config"
	"github.com/kirillkom/patient-record-assistant/internal/observability/logging"
)

func main() {
	log.SetOutput(os.Stderr)
	cfg := config.Load()
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	app, err := bootstrap.New(context.Background(), cfg, bootstrap.Options{Service: "mcp", Logger: logger})
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	if err := mcpadapter.NewServer(app.Answerer, app.Analyzer).Serve(); err != nil {
		logger.Error("mcp_server_stopped", "error", err.Error())
	}
}
