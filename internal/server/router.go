// Package server mounts the websocket endpoint and the operational HTTP routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Lewis-walter7/comm-sub001/internal/auth"
	"github.com/Lewis-walter7/comm-sub001/internal/connections"
	"github.com/Lewis-walter7/comm-sub001/internal/fault"
	"github.com/Lewis-walter7/comm-sub001/internal/metrics"
	"github.com/Lewis-walter7/comm-sub001/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	identityIDContextKey = "collab_identity_id"
	wildcardOrigin       = "*"
	statusOK             = "ok"
	statusUnavailable    = "unavailable"
)

var (
	errMissingRealtime   = errors.New("realtime handler dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingIdentities = errors.New("identity lookup dependency required")
	errMissingPresence   = errors.New("presence reader dependency required")
	errMissingWorkspaces = errors.New("workspace authorizer dependency required")
)

// RequestValidator authenticates REST requests with the handshake credential rules.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityLookup resolves an identity's display attributes.
type IdentityLookup interface {
	Lookup(ctx context.Context, identityID string) (connections.Identity, error)
}

// PresenceReader returns the in-memory presence of a workspace.
type PresenceReader interface {
	Snapshot(workspaceID string) []presence.Record
}

// WorkspaceAuthorizer reports whether an identity belongs to a workspace.
type WorkspaceAuthorizer interface {
	AuthorizeWorkspace(ctx context.Context, identityID, workspaceID string) error
}

// Dependencies describes the collaborators mounted by the router.
type Dependencies struct {
	Realtime       http.Handler
	Sessions       RequestValidator
	Identities     IdentityLookup
	Presence       PresenceReader
	Workspaces     WorkspaceAuthorizer
	Health         func(ctx context.Context) error
	Metrics        *metrics.Collector
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving /ws, /healthz, /metrics and the
// authenticated /api lookups.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Identities == nil:
		return nil, errMissingIdentities
	case deps.Presence == nil:
		return nil, errMissingPresence
	case deps.Workspaces == nil:
		return nil, errMissingWorkspaces
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		presence:   deps.Presence,
		workspaces: deps.Workspaces,
		health:     deps.Health,
		logger:     logger,
	}

	router.GET("/ws", gin.WrapH(deps.Realtime))
	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		registry := prometheus.NewRegistry()
		if err := registry.Register(deps.Metrics); err != nil {
			return nil, err
		}
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, err
		}
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/identities/:identityId", handler.handleIdentity)
	protected.GET("/workspaces/:workspaceId/presence", handler.handleWorkspacePresence)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == wildcardOrigin {
			wildcard = true
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if wildcard {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// OriginChecker returns the websocket origin policy matching the CORS configuration.
// Requests without an Origin header are not browsers and are accepted.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == wildcardOrigin {
			return func(*http.Request) bool { return true }
		}
		if origin == "" {
			continue
		}
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

type httpHandler struct {
	sessions   RequestValidator
	identities IdentityLookup
	presence   PresenceReader
	workspaces WorkspaceAuthorizer
	health     func(ctx context.Context) error
	logger     *zap.Logger
}

type identityResponsePayload struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type presenceResponsePayload struct {
	WorkspaceID string            `json:"workspace_id"`
	Presence    []presence.Record `json:"presence"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": statusUnavailable})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (h *httpHandler) handleIdentity(c *gin.Context) {
	identity, err := h.identities.Lookup(c.Request.Context(), c.Param("identityId"))
	if err != nil {
		h.respondError(c, "identity lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, identityResponsePayload{
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	})
}

func (h *httpHandler) handleWorkspacePresence(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if err := h.workspaces.AuthorizeWorkspace(c.Request.Context(), c.GetString(identityIDContextKey), workspaceID); err != nil {
		h.respondError(c, "workspace presence denied", err)
		return
	}
	records := h.presence.Snapshot(workspaceID)
	if records == nil {
		records = []presence.Record{}
	}
	c.JSON(http.StatusOK, presenceResponsePayload{WorkspaceID: workspaceID, Presence: records})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityIDContextKey, claims.IdentityID())
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": fault.CodeOf(err)})
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalid:
		return http.StatusBadRequest
	case fault.KindUnauthenticated:
		return http.StatusUnauthorized
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
