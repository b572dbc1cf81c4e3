package main

import (
	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	// Provider webhooks (public). The handler applies the per-source limiter.
	wh := r.Group("/")
	wh.Use(a.metrics.Middleware())
	a.webhooks.Register(wh)
}
