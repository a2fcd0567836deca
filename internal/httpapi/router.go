// Package httpapi is the local diagnostics and control surface of the
// realtime agent.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"chat_realtime/internal/domain"
	"chat_realtime/internal/eventlog"
	"chat_realtime/internal/realtime"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	svc *realtime.Service
}

// NewRouter wires every route. An empty origins list allows any origin.
func NewRouter(svc *realtime.Service, events *eventlog.Log, origins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(events.For(eventlog.FeatureHTTP)))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	router.Use(cors.New(corsCfg))

	h := &Handler{svc: svc}
	router.GET("/healthz", h.Health)
	router.GET("/stats", h.Stats)
	router.POST("/messages", h.SendMessage)
	router.GET("/messages/:id", h.GetMessage)
	router.POST("/messages/:id/read", h.MarkRead)
	router.POST("/presence", h.SetPresence)
	router.POST("/conversations/:id/input", h.TextInput)
	router.POST("/conversations/:id/stop-typing", h.StopTyping)
	router.GET("/conversations/:id/typing", h.TypingPeers)
	router.POST("/conversations/:id/watch", h.Watch)
	router.DELETE("/conversations/:id/watch", h.Unwatch)
	return router
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func requestLogger(log *eventlog.Feature) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Event("request", logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": h.svc.Stats().Connected,
	})
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

type sendRequest struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id" binding:"required"`
	ToUserIDs      []string          `json:"to_user_ids"`
	Body           string            `json:"body"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	dispatched := h.svc.SendMessage(domain.OutgoingMessage{
		ID:             req.ID,
		ConversationID: req.ConversationID,
		ToUserIDs:      req.ToUserIDs,
		Body:           req.Body,
		Metadata:       req.Metadata,
	})
	state, ok := h.svc.MessageState(req.ID)
	switch {
	case !ok:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message was not accepted"})
	case !dispatched && state.State != domain.StateLocalQueued:
		c.JSON(http.StatusConflict, gin.H{"error": "message is already in flight", "message": state})
	default:
		c.JSON(http.StatusAccepted, gin.H{"dispatched": dispatched, "message": state})
	}
}

func (h *Handler) GetMessage(c *gin.Context) {
	state, ok := h.svc.MessageState(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": state})
}

type readRequest struct {
	ToUserID string `json:"to_user_id" binding:"required"`
}

func (h *Handler) MarkRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": h.svc.MarkRead(c.Param("id"), req.ToUserID)})
}

type presenceRequest struct {
	Online *bool `json:"online"`
}

var errOnlineRequired = errors.New("online is required")

func (h *Handler) SetPresence(c *gin.Context) {
	var req presenceRequest
	err := c.ShouldBindJSON(&req)
	if err == nil && req.Online == nil {
		err = errOnlineRequired
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.svc.ForcePresence(*req.Online)
	c.JSON(http.StatusOK, gin.H{"presence": h.svc.Presence().Stats()})
}

type inputRequest struct {
	ToUserIDs []string `json:"to_user_ids"`
}

func (h *Handler) TextInput(c *gin.Context) {
	var req inputRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"accepted": h.svc.TextInput(c.Param("id"), req.ToUserIDs)})
}

func (h *Handler) StopTyping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopped": h.svc.StopTyping(c.Param("id"))})
}

func (h *Handler) TypingPeers(c *gin.Context) {
	conv := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv,
		"typing":          h.svc.Typing().IsTyping(conv),
		"peers":           h.svc.Typing().PeerTyping(conv),
	})
}

// Watch adds the conversation's active contacts to presence announcements.
func (h *Handler) Watch(c *gin.Context) {
	h.svc.Presence().WatchConversation(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"watched": h.svc.Presence().Stats().WatchedConversations})
}

func (h *Handler) Unwatch(c *gin.Context) {
	h.svc.Presence().UnwatchConversation(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"watched": h.svc.Presence().Stats().WatchedConversations})
}
