// Package httpapi is the thin local control surface a UI drives the core
// with. It translates HTTP into engine calls and streams bus events over a
// WebSocket; no realtime logic lives here.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parley-app/parley/internal/app"
	"github.com/parley-app/parley/internal/config"
	"github.com/parley-app/parley/internal/core"
	"github.com/parley-app/parley/internal/domain"
)

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, eng *app.Engine) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/api")

	api.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state": eng.ConnState().String(),
			"self":  eng.Self(),
		})
	})

	api.POST("/session/connect", func(c *gin.Context) {
		if err := eng.Connect(); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "connecting"})
	})

	api.POST("/session/disconnect", func(c *gin.Context) {
		eng.Disconnect()
		c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
	})

	api.POST("/channels/join", func(c *gin.Context) {
		var req struct {
			ChannelID   string `json:"channelId" binding:"required"`
			ChannelName string `json:"channelName"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.Tracker.Join(domain.ChannelID(req.ChannelID), domain.ChannelName(req.ChannelName)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "joined"})
	})

	api.POST("/channels/leave", func(c *gin.Context) {
		var req struct {
			ChannelID string `json:"channelId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.Tracker.Leave(domain.ChannelID(req.ChannelID)); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "left"})
	})

	api.GET("/channels/:id/users", func(c *gin.Context) {
		id := domain.ChannelID(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{
			"users":  eng.Tracker.Roster(id),
			"typing": eng.Tracker.TypingUsers(id),
		})
	})

	api.GET("/channels/:id/messages", func(c *gin.Context) {
		id := domain.ChannelID(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"messages": eng.Relay.Messages(id)})
	})

	api.POST("/channels/send", func(c *gin.Context) {
		var req struct {
			ChannelID string `json:"channelId" binding:"required"`
			Text      string `json:"text"`
			Kind      string `json:"kind"`
			ImageURL  string `json:"imageUrl"`
			FileURL   string `json:"fileUrl"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind := domain.MessageKind(req.Kind)
		if kind == "" {
			kind = domain.MessageText
		}
		err := eng.Relay.Send(domain.ChannelID(req.ChannelID), req.Text, kind, req.ImageURL, req.FileURL)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	})

	api.POST("/channels/typing", func(c *gin.Context) {
		var req struct {
			ChannelID string `json:"channelId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		eng.Relay.Keystroke(domain.ChannelID(req.ChannelID))
		c.JSON(http.StatusOK, gin.H{"status": "typing"})
	})

	api.GET("/call", func(c *gin.Context) {
		sess, ok := eng.Calls.Session()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"state": domain.CallIdle.String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": sess.State.String(), "call": sess})
	})

	api.POST("/call/initiate", func(c *gin.Context) {
		var req struct {
			RecipientID string `json:"recipientId" binding:"required"`
			ChannelID   string `json:"channelId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := eng.Calls.Initiate(c.Request.Context(), domain.UserID(req.RecipientID), domain.ChannelID(req.ChannelID))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "initiated"})
	})

	api.POST("/call/accept", func(c *gin.Context) {
		if err := eng.Calls.Accept(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	})

	api.POST("/call/reject", func(c *gin.Context) {
		if err := eng.Calls.Reject(); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "rejected"})
	})

	api.POST("/call/end", func(c *gin.Context) {
		eng.Calls.End()
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	})

	api.POST("/call/toggle-video", func(c *gin.Context) {
		on, err := eng.Calls.ToggleVideo()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"video": on})
	})

	api.POST("/call/toggle-audio", func(c *gin.Context) {
		on, err := eng.Calls.ToggleAudio()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"audio": on})
	})

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "httpapi").Str("sid", c.GetString("client_token")).Msg("event feed attached")
		HandleEvents(ctx, eng.Bus(), c)
	})

	return r
}

// fail maps the core error taxonomy onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotConnected),
		errors.Is(err, core.ErrCallInProgress),
		errors.Is(err, core.ErrNoActiveCall),
		errors.Is(err, core.ErrBackpressure):
		status = http.StatusConflict
	case errors.Is(err, core.ErrNoCredential):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrMediaUnavailable),
		errors.Is(err, core.ErrMediaPermission):
		status = http.StatusFailedDependency
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
