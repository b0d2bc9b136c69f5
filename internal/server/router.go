package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/auth"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/users"
	"github.com/MarcoPoloResearchLab/sheetsync/internal/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	authorIDContextKey    = "sheetsync_author_id"
	defaultHeartbeat      = 25 * time.Second
	corsMaxAge            = 12 * time.Hour
	headerTenant          = "X-TAuth-Tenant"
	errorCodeUnauthorized = "unauthorized"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAuthorResolver   = errors.New("author resolver dependency required")
	errMissingSpreadsheets     = errors.New("spreadsheet service dependency required")
	errMissingViews            = errors.New("views service dependency required")
)

// SessionValidator authenticates a request from its session cookie.
type SessionValidator interface {
	ValidateRequest(request *http.Request) (auth.SessionClaims, error)
}

// AuthorResolver maps session claims to canonical author ids.
type AuthorResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	AuthorProfiles(ctx context.Context, userIDs []string) (map[string]users.AuthorProfile, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator SessionValidator
	Authors          AuthorResolver
	Spreadsheets     *spreadsheet.Service
	Views            *views.Service
	Realtime         *RealtimeDispatcher
	AllowedOrigins   []string
	Heartbeat        time.Duration
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving spreadsheets and views.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Authors == nil {
		return nil, errMissingAuthorResolver
	}
	if deps.Spreadsheets == nil {
		return nil, errMissingSpreadsheets
	}
	if deps.Views == nil {
		return nil, errMissingViews
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		authors:      deps.Authors,
		spreadsheets: deps.Spreadsheets,
		views:        deps.Views,
		realtime:     realtime,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	sheets := protected.Group("/spreadsheets")
	sheets.POST("", handler.handleCreateDocument)
	sheets.DELETE("/:id", handler.handleDeleteDocument)
	sheets.GET("/:id/session", handler.handleJoinSession)
	sheets.POST("/:id/revisions", handler.handleDispatch)
	sheets.PATCH("/:id/revisions/:uuid", handler.handleRenameRevision)
	sheets.GET("/:id/history", handler.handleHistory)
	sheets.POST("/:id/snapshot", handler.handleSaveSnapshot)
	sheets.POST("/:id/fork", handler.handleFork)
	sheets.POST("/:id/restore", handler.handleRestore)
	sheets.PUT("/:id/data", handler.handleReset)
	sheets.GET("/:id/stream", handler.handleStream)

	viewRoutes := protected.Group("/views/:key")
	viewRoutes.PUT("/customization", handler.handleSaveCustomization)
	viewRoutes.GET("/customization", handler.handleGetCustomization)
	viewRoutes.DELETE("/customization", handler.handleDeleteCustomization)
	viewRoutes.POST("/render", handler.handleRender)

	return router, nil
}

type httpHandler struct {
	sessions     SessionValidator
	authors      AuthorResolver
	spreadsheets *spreadsheet.Service
	views        *views.Service
	realtime     *RealtimeDispatcher
	heartbeat    time.Duration
	logger       *zap.Logger
}

// corsMiddleware echoes allowed origins with credentials so the session
// cookie travels on cross-origin requests. An empty list allows any origin.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Content-Type", "Last-Event-ID", headerTenant},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken), errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	authorID, err := h.authors.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("author resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	c.Set(authorIDContextKey, authorID)
	c.Next()
}

func requestAuthor(c *gin.Context) string {
	return c.GetString(authorIDContextKey)
}
