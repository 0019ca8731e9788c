// Package server exposes the record layer over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/rigging/internal/auth"
	"github.com/MarcoPoloResearchLab/rigging/internal/autosave"
	"github.com/MarcoPoloResearchLab/rigging/internal/nested"
	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

const (
	subjectContextKey        = "rigging_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSession       = errors.New("records session dependency required")
	errMissingEngine        = errors.New("autosave engine dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager TokenManager
	Session      *records.Session
	Engine       *autosave.Engine
	Assigner     *nested.Assigner
	Realtime     *RealtimeDispatcher
	Metrics      prometheus.Gatherer
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Session == nil {
		return nil, errMissingSession
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	assigner := deps.Assigner
	if assigner == nil {
		assigner = nested.NewAssigner(logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		session:           deps.Session,
		engine:            deps.Engine,
		assigner:          assigner,
		realtime:          deps.Realtime,
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/records/:type", handler.handleCreate)
	protected.GET("/records/:type/:id", handler.handleShow)
	protected.PATCH("/records/:type/:id", handler.handleUpdate)
	protected.DELETE("/records/:type/:id", handler.handleDestroy)
	if deps.Realtime != nil {
		protected.GET("/changes/stream", handler.handleChangesStream)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenManager
	session           *records.Session
	engine            *autosave.Engine
	assigner          *nested.Assigner
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

// authorizeRequest accepts a bearer header, or an access_token query parameter
// for EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) handleChangesStream(c *gin.Context) {
	recordType := strings.TrimSpace(c.Query("type"))
	if _, ok := h.session.Registry().Schema(recordType); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_record_type"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, recordType)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, changeEventPayload{
				RecordType: message.RecordType,
				SaveID:     message.SaveID,
				Changes:    message.Changes,
				Timestamp:  message.Timestamp.Format(time.RFC3339Nano),
			})
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": now.UTC().Format(time.RFC3339Nano),
			})
			c.Writer.Flush()
		}
	}
}
