// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/projecthub/services/assistant/handlers"
	"github.com/AleutianAI/projecthub/services/assistant/middleware"
)

// Deps are what the routes serve.
type Deps struct {
	Assistant handlers.Assistant
	Usage     handlers.UsageReporter
	Breakers  handlers.BreakerReporter
	// MonthlyQuota is reported by the usage summary. Zero means unlimited.
	MonthlyQuota int
	// Gatherer backs /metrics. Nil uses the default gatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.Use(middleware.CallerMiddleware())
	{
		assistant := v1.Group("/assistant")
		{
			assistant.POST("/ask", handlers.HandleAsk(deps.Assistant, logger))
			assistant.GET("/usage", handlers.HandleUsage(deps.Usage, deps.MonthlyQuota))
			assistant.GET("/usage/records", handlers.HandleUsageRecords(deps.Usage))
			assistant.GET("/breakers", handlers.HandleBreakers(deps.Breakers))
			assistant.POST("/breakers/reset", handlers.HandleResetBreakers(deps.Breakers, logger))
			assistant.DELETE("/cache", handlers.HandleClearCache(deps.Assistant))

			conversations := assistant.Group("/conversations")
			{
				conversations.DELETE("/:conversationId", handlers.HandleArchiveConversation(deps.Assistant))
				conversations.DELETE("/:conversationId/cache", handlers.HandleInvalidateCache(deps.Assistant))
				conversations.POST("/:conversationId/context", handlers.HandleRebuildContext(deps.Assistant))
			}
		}
	}
}
