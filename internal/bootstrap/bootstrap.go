// Package bootstrap assembles the server from a loaded configuration: the
// handler registry, the router, the middleware chain and the connection
// loop.
package bootstrap

import (
	"fmt"

	"example.com/onionhttp/internal/app"
	"example.com/onionhttp/internal/config"
	"example.com/onionhttp/internal/handlers/echo"
	"example.com/onionhttp/internal/handlers/fixed"
	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
	"example.com/onionhttp/internal/router"
	"example.com/onionhttp/internal/server"
)

// NewRegistry returns a registry holding the built-in handler types.
func NewRegistry() (*app.HandlerRegistry, error) {
	reg := app.NewHandlerRegistry()
	if err := reg.Register(fixed.HandlerType, fixed.Factory); err != nil {
		return nil, err
	}
	if err := reg.Register(echo.HandlerType, echo.Factory); err != nil {
		return nil, err
	}
	return reg, nil
}

// Options converts parsed server limits into per-exchange options.
func Options(lim config.Limits) app.Options {
	return app.Options{
		Reader: http1.ReaderOptions{
			MaxLineBytes:   lim.MaxHeaderLineBytes,
			MaxHeaderCount: lim.MaxHeaderCount,
			MaxBodyBytes:   lim.MaxBodyBytes,
			HeaderTimeout:  lim.HeaderReadTimeout,
			BodyTimeout:    lim.BodyReadTimeout,
		},
		Writer: http1.WriterOptions{WriteTimeout: lim.WriteTimeout},
	}
}

// NewApplication builds the middleware chain for cfg: response timing
// outermost, then the router. cfg must have defaults applied.
func NewApplication(cfg *config.Config, lg *logger.Logger, reg *app.HandlerRegistry) (*app.Application, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("server configuration is missing")
	}
	lim, err := cfg.Server.Limits()
	if err != nil {
		return nil, err
	}
	var routes []config.Route
	if cfg.Routing != nil {
		routes = cfg.Routing.Routes
	}
	r, err := router.NewRouter(routes, reg, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	a := app.New(lg, Options(lim))
	if err := a.Use(app.ResponseTime(), r.Middleware()); err != nil {
		return nil, err
	}
	a.Freeze()
	return a, nil
}

// NewServer wires the built-in handlers, the router and the application
// into a Server that has not started listening.
func NewServer(cfg *config.Config, lg *logger.Logger) (*server.Server, error) {
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	a, err := NewApplication(cfg, lg, reg)
	if err != nil {
		return nil, err
	}
	return server.NewServer(cfg, lg, a)
}
