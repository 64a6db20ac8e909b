// Package http is the relayd surface: a dumb append-only store with a live
// feed, standing in for the external durable relay. No call-protocol logic
// lives here; the two clients drive everything.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, store core.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	limiter := NewAppendRateLimiter(defaultAppendLimit, defaultAppendWindow)

	api := r.Group("/api")
	api.POST("/calls/:id/messages", func(c *gin.Context) {
		handleAppend(c, store, limiter)
	})
	api.GET("/calls/:id/messages", func(c *gin.Context) {
		handleHistory(c, store)
	})
	api.GET("/ws/calls/:id", func(c *gin.Context) {
		handleFeed(ctx, c, store)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func handleAppend(c *gin.Context, store core.Relay, limiter *AppendRateLimiter) {
	callID := domain.CallID(c.Param("id"))

	var msg domain.HandshakeMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed message"})
		return
	}
	if err := msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !limiter.Allow(msg.Sender) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
		return
	}

	if err := store.Append(c.Request.Context(), callID, &msg); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("call", string(callID)).Msg("append failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append failed"})
		return
	}
	c.Status(http.StatusCreated)
}

func handleHistory(c *gin.Context, store core.Relay) {
	callID := domain.CallID(c.Param("id"))
	msgs, err := store.History(c.Request.Context(), callID)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("call", string(callID)).Msg("history failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history failed"})
		return
	}
	if msgs == nil {
		msgs = []domain.HandshakeMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}
