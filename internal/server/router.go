package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/auth"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/export"
	"github.com/MarcoPoloResearchLab/vault/internal/files"
	"github.com/MarcoPoloResearchLab/vault/internal/identity"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/logging"
	"github.com/MarcoPoloResearchLab/vault/internal/metrics"
	"github.com/MarcoPoloResearchLab/vault/internal/moderation"
	"github.com/MarcoPoloResearchLab/vault/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/storage"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/MarcoPoloResearchLab/vault/internal/validation"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingIdentity   = errors.New("identity service dependency required")
	errMissingUsers      = errors.New("users service dependency required")
	errMissingSpaces     = errors.New("spaces service dependency required")
	errMissingItems      = errors.New("items service dependency required")
	errMissingModeration = errors.New("moderation workflow dependency required")
	errMissingInvites    = errors.New("invites service dependency required")
	errMissingFiles      = errors.New("files service dependency required")
	errMissingExport     = errors.New("export service dependency required")
	errMissingActivity   = errors.New("activity recorder dependency required")
	errMissingCSRF       = errors.New("csrf guard dependency required")
)

// Dependencies are the collaborators the HTTP surface is assembled from.
type Dependencies struct {
	Identity       *identity.Service
	Users          *users.Service
	Spaces         *spaces.Service
	Items          *items.Service
	Moderation     *moderation.Workflow
	Invites        *invites.Service
	Files          *files.Service
	Export         *export.Service
	Activity       *activity.Recorder
	CSRF           *auth.CSRF
	Validator      *validation.Validator
	Cache          *cache.Manager
	Monitor        *metrics.Monitor
	LogStore       *logging.Store
	Database       *gorm.DB
	Storage        storage.ObjectStore
	LocalFiles     *storage.LocalStore
	Realtime       *RealtimeDispatcher
	APILimiter     ratelimit.Limiter
	AuthLimiter    ratelimit.Limiter
	AllowedOrigins []string
	SecureCookies  bool
	Development    bool
	Clock          func() time.Time
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the gin engine serving the vault API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Identity == nil:
		return nil, errMissingIdentity
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Spaces == nil:
		return nil, errMissingSpaces
	case deps.Items == nil:
		return nil, errMissingItems
	case deps.Moderation == nil:
		return nil, errMissingModeration
	case deps.Invites == nil:
		return nil, errMissingInvites
	case deps.Files == nil:
		return nil, errMissingFiles
	case deps.Export == nil:
		return nil, errMissingExport
	case deps.Activity == nil:
		return nil, errMissingActivity
	case deps.CSRF == nil:
		return nil, errMissingCSRF
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.New()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = metrics.NewMonitor(0)
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	handler := &httpHandler{
		identity:      deps.Identity,
		users:         deps.Users,
		spaces:        deps.Spaces,
		items:         deps.Items,
		moderation:    deps.Moderation,
		invites:       deps.Invites,
		files:         deps.Files,
		export:        deps.Export,
		activity:      deps.Activity,
		csrf:          deps.CSRF,
		validator:     validator,
		cache:         deps.Cache,
		monitor:       monitor,
		logStore:      deps.LogStore,
		db:            deps.Database,
		storage:       deps.Storage,
		localFiles:    deps.LocalFiles,
		realtime:      realtime,
		apiLimiter:    deps.APILimiter,
		authLimiter:   deps.AuthLimiter,
		secureCookies: deps.SecureCookies,
		development:   deps.Development,
		startedAt:     clock(),
		now:           clock,
		logger:        logger,
	}

	router := gin.New()
	router.Use(handler.withRequestContext)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/metrics", gin.WrapH(monitor.Handler()))
	router.GET("/api/health", handler.public(handler.handleHealth))
	if deps.LocalFiles != nil {
		router.GET("/files/*path", handler.public(handler.handleServeFile))
	}

	authRoutes := router.Group("/api/auth")
	limited := handler.withRateLimit(deps.AuthLimiter, nil)
	authRoutes.POST("/signup", limited, handler.public(handler.handleSignUp))
	authRoutes.POST("/signup/invite", limited, handler.public(handler.handleSignUpWithInvite))
	authRoutes.POST("/login", limited, handler.public(handler.handleLogin))
	authRoutes.POST("/otp", limited, handler.public(handler.handleRequestOTP))
	authRoutes.POST("/otp/verify", limited, handler.public(handler.handleVerifyOTP))
	authRoutes.GET("/callback", limited, handler.public(handler.handleCallback))
	authRoutes.GET("/csrf", handler.public(handler.handleIssueCSRF))
	authRoutes.POST("/logout", handler.withAuth(handler.handleLogout))

	api := router.Group("/api")
	api.GET("/me", handler.withAuth(handler.handleMe))
	api.GET("/events", handler.withAuth(handler.handleEvents))

	api.GET("/spaces", handler.withAuth(handler.handleListSpaces))
	api.POST("/spaces", handler.withAuth(handler.handleCreateSpace))
	api.GET("/spaces/:id/categories", handler.withAuth(handler.handleListCategories))
	api.POST("/categories", handler.withAuth(handler.handleCreateCategory))

	api.GET("/items", handler.withAuth(handler.handleListItems))
	api.POST("/items", handler.withAuth(handler.handleCreateItem))
	api.POST("/items/snapshot", handler.withAuth(handler.handleSnapshot))
	api.GET("/items/:id", handler.withAuth(handler.handleGetItem))
	api.PATCH("/items/:id", handler.withAuth(handler.handleUpdateItem))
	api.DELETE("/items/:id", handler.withAuth(handler.handleDeleteItem))
	api.GET("/items/:id/revisions", handler.withAuth(handler.handleListRevisions))
	api.POST("/items/:id/revert", handler.withAuth(handler.handleRevert))
	api.GET("/search", handler.withAuth(handler.handleSearch))
	api.POST("/export", handler.withAuth(handler.handleExport))

	api.POST("/upload", handler.withAuth(handler.handleUpload))
	api.GET("/files", handler.withAuth(handler.handleListFiles))
	api.POST("/files/bulk-delete", handler.withAuth(handler.handleBulkDeleteFiles))

	api.GET("/edit-requests/mine", handler.withAuth(handler.handleMyEditRequests))

	admin := api.Group("/admin")
	admin.GET("/edit-requests", handler.withAdminAuth(handler.handleListEditRequests))
	admin.POST("/edit-requests/:id/approve", handler.withAdminAuth(handler.handleApproveEditRequest))
	admin.POST("/edit-requests/:id/reject", handler.withAdminAuth(handler.handleRejectEditRequest))
	admin.GET("/users", handler.withAdminAuth(handler.handleListUsers))
	admin.POST("/users/approve", handler.withAdminAuth(handler.handleApproveUser))
	admin.POST("/users/bulk-approve", handler.withAdminAuth(handler.handleBulkApproveUsers))
	admin.POST("/users/role", handler.withAdminAuth(handler.handleSetRole))
	admin.POST("/users/suspend", handler.withAdminAuth(handler.handleSuspendUser))
	admin.GET("/invites", handler.withAdminAuth(handler.handleListInvites))
	admin.POST("/invites", handler.withAdminAuth(handler.handleGenerateInvite))
	admin.GET("/activity", handler.withAdminAuth(handler.handleActivity))
	api.GET("/metrics", handler.withAdminAuth(handler.handleMetrics))

	return router, nil
}

type httpHandler struct {
	identity      *identity.Service
	users         *users.Service
	spaces        *spaces.Service
	items         *items.Service
	moderation    *moderation.Workflow
	invites       *invites.Service
	files         *files.Service
	export        *export.Service
	activity      *activity.Recorder
	csrf          *auth.CSRF
	validator     *validation.Validator
	cache         *cache.Manager
	monitor       *metrics.Monitor
	logStore      *logging.Store
	db            *gorm.DB
	storage       storage.ObjectStore
	localFiles    *storage.LocalStore
	realtime      *RealtimeDispatcher
	apiLimiter    ratelimit.Limiter
	authLimiter   ratelimit.Limiter
	secureCookies bool
	development   bool
	startedAt     time.Time
	now           func() time.Time
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-CSRF-Token", "X-Requested-With"},
		ExposeHeaders:    []string{headerRequestID, headerErrorCode, headerResponseTime, "Retry-After", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}
