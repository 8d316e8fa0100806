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

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
)

// Deps are the handlers and policies the route table is built from.
type Deps struct {
	Chat     *handlers.ChatHandler
	Messages *handlers.MessagesHandler
	Auth     extensions.AuthProvider
	Limiter  *middleware.RateLimiter
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// SetupRoutes registers every relay endpoint on router.
//
//	GET  /health                       unauthenticated
//	GET  /metrics                      unauthenticated
//	POST /api/chat                     SSE stream
//	POST /v1/chat/stream               SSE stream (alias)
//	GET  /v1/chat/ws                   WebSocket stream
//	GET  /v1/chats/:chatId/messages    history
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HandleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := deps.Auth
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}
	guard := []gin.HandlerFunc{
		middleware.AuthMiddleware(auth, deps.Logger),
		middleware.RateLimitMiddleware(deps.Limiter),
	}

	api := router.Group("/api", guard...)
	{
		api.POST("/chat", deps.Chat.HandleChatStream)
	}

	v1 := router.Group("/v1", guard...)
	{
		v1.POST("/chat/stream", deps.Chat.HandleChatStream)
		v1.GET("/chat/ws", deps.Chat.HandleChatWebSocket)
		v1.GET("/chats/:chatId/messages", deps.Messages.HandleListMessages)
	}
}
