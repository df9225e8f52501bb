package app

import (
	"log/slog"
	"net/http"

	"github.com/adminbridge/secure-session-core/internal/config"
	"github.com/adminbridge/secure-session-core/internal/observability"
)

// App bundles the long-lived process pieces the serve command manages.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime) *App {
	return &App{Config: cfg, Logger: logger, Server: server, Observability: runtime}
}
