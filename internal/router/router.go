// Package router maps request paths and methods to the handlers named in
// the routing configuration.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/onionhttp/internal/app"
	"example.com/onionhttp/internal/config"
	"example.com/onionhttp/internal/http1"
	"example.com/onionhttp/internal/logger"
)

// route is a configured route with its handler instantiated.
type route struct {
	config.Route
	handler app.Middleware
}

func (r *route) allows(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Router holds the routing table. Exact patterns take precedence over
// prefix patterns; among prefixes the longest wins. Several routes may share
// a pattern when their method lists differ.
type Router struct {
	exactRoutes  map[string][]*route
	prefixRoutes [][]*route // grouped by pattern, longest pattern first

	log *logger.Logger
}

// NewRouter instantiates every route's handler through registry. A route
// whose handler cannot be created fails the whole table.
func NewRouter(routes []config.Route, registry *app.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{exactRoutes: make(map[string][]*route), log: lg}
	prefixes := make(map[string][]*route)
	for i := range routes {
		cfg := routes[i]
		h, err := registry.CreateHandler(cfg.HandlerType, cfg.HandlerConfig.Raw(), lg)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s %s): %w", i, cfg.MatchType, cfg.PathPattern, err)
		}
		rt := &route{Route: cfg, handler: h}
		switch cfg.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[cfg.PathPattern] = append(r.exactRoutes[cfg.PathPattern], rt)
		case config.MatchTypePrefix:
			prefixes[cfg.PathPattern] = append(prefixes[cfg.PathPattern], rt)
		default:
			return nil, fmt.Errorf("route %d: unknown match_type '%s'", i, cfg.MatchType)
		}
	}
	for _, group := range prefixes {
		r.prefixRoutes = append(r.prefixRoutes, group)
	}
	sort.Slice(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i][0].PathPattern) > len(r.prefixRoutes[j][0].PathPattern)
	})
	return r, nil
}

// candidates returns the routes registered for the most specific pattern
// matching path, or nil.
func (r *Router) candidates(path string) []*route {
	if group, ok := r.exactRoutes[path]; ok {
		return group
	}
	for _, group := range r.prefixRoutes {
		if strings.HasPrefix(path, group[0].PathPattern) {
			return group
		}
	}
	return nil
}

// FindRoute returns the route for method and path. When the path matches
// but the method does not, found is false and allowed lists the methods
// the pattern accepts.
func (r *Router) FindRoute(method, path string) (matched *config.Route, handler app.Middleware, allowed []string) {
	group := r.candidates(path)
	for _, rt := range group {
		if rt.allows(method) {
			return &rt.Route, rt.handler, nil
		}
	}
	seen := make(map[string]bool)
	for _, rt := range group {
		for _, m := range rt.Methods {
			if !seen[m] {
				seen[m] = true
				allowed = append(allowed, m)
			}
		}
	}
	sort.Strings(allowed)
	return nil, nil, allowed
}

// Middleware returns the router as the innermost layer of an application.
// Unmatched paths become 404 and unmatched methods 405 with an allow header.
func (r *Router) Middleware() app.Middleware {
	return func(c *app.Context, next app.Next) error {
		path := c.Req.Path()
		matched, handler, allowed := r.FindRoute(c.Req.Method(), path)
		if matched != nil {
			c.Set("route", matched.PathPattern)
			return handler(c, next)
		}
		if len(allowed) > 0 {
			r.log.Debug("Method not allowed", logger.LogFields{"path": path, "method": c.Req.Method()})
			return &app.HTTPError{
				Status: http.StatusMethodNotAllowed,
				Header: []http1.HeaderField{{Name: "allow", Value: strings.Join(allowed, ", ")}},
			}
		}
		r.log.Debug("No route matched for request", logger.LogFields{"path": path})
		return app.NewHTTPError(http.StatusNotFound, "")
	}
}
