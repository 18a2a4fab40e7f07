// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-negotiation-backend/internal/config"
	"github.com/tbourn/go-negotiation-backend/internal/domain"
	"github.com/tbourn/go-negotiation-backend/internal/http/handlers"
	"github.com/tbourn/go-negotiation-backend/internal/http/middleware"
	"github.com/tbourn/go-negotiation-backend/internal/repo"
	"github.com/tbourn/go-negotiation-backend/internal/services"
)

// jsonBodyLimit caps non-upload request bodies.
const jsonBodyLimit = 1 << 20

// multipartSlack covers multipart boundaries and headers around the audio part.
const multipartSlack = 64 << 10

// ChatRepo adapts the repository free functions to the services.ChatRepo
// interface expected by the ChatService.
type ChatRepo struct{}

// CreateChatWithState proxies repo.CreateChatWithState.
func (ChatRepo) CreateChatWithState(ctx context.Context, db *gorm.DB, userID, title string, c domain.ChatContext) (*domain.Chat, error) {
	return repo.CreateChatWithState(ctx, db, userID, title, c)
}

// GetChat proxies repo.GetChat.
func (ChatRepo) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id, userID)
}

// UpdateChatTitle proxies repo.UpdateChatTitle.
func (ChatRepo) UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return repo.UpdateChatTitle(ctx, db, id, userID, title)
}

// SoftDeleteChat proxies repo.SoftDeleteChat.
func (ChatRepo) SoftDeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.SoftDeleteChat(ctx, db, id, userID)
}

// CountChats proxies repo.CountChats (pagination support).
func (ChatRepo) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}

// ListChatsPage proxies repo.ListChatsPage (pagination support).
func (ChatRepo) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

// Deps are the collaborators RegisterRoutes cannot build from the DB alone.
type Deps struct {
	DB          *gorm.DB
	Turns       handlers.TurnService
	Invitations handlers.InvitationService
	Users       handlers.UserService
	// Quota limits chat creation; nil means unlimited.
	Quota services.QuotaChecker
	// Auth resolves the caller; nil means header mode.
	Auth *middleware.Authenticator
	// Ready reports readiness for /ready; nil means always ready.
	Ready func(ctx context.Context) error
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (JSON 1 MiB, audio uploads by the audio cap)
//  6. Metrics
//  7. CORS and security headers
//
// The API group then adds, in order: authentication, idempotency validation
// (it needs the user id), and rate limiting (it honors the replay bypass).
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	db := d.DB

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		SkipPaths:   []string{"/health", "/ready", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(jsonBodyLimit, int64(cfg.Workflow.MaxAudioBytes)+multipartSlack))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
		CSP:          cspFor(cfg.SwaggerEnabled),
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", func(c *gin.Context) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
				handlers.Fail(c, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if cfg.Storage.Driver == "local" {
		// Served only when the local store's base URL points back at us.
		r.Static("/files", cfg.Storage.LocalDir)
	}

	chatRepo := ChatRepo{}
	chatSvc := services.NewChatService(db, chatRepo, d.Quota)
	h := handlers.New(handlers.Deps{
		Chats:          chatSvc,
		Messages:       &services.MessageService{DB: db},
		Turns:          d.Turns,
		Invitations:    d.Invitations,
		Users:          d.Users,
		DB:             db,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MaxAudioBytes:  int64(cfg.Workflow.MaxAudioBytes),
	})

	auth := d.Auth
	if auth == nil {
		auth, _ = middleware.NewAuthenticator(context.Background(), middleware.AuthOptions{Mode: middleware.AuthHeader})
	}
	var lookup middleware.IdempotencyLookup
	if db != nil {
		lookup = func(ctx context.Context, userID, chatID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, chatID, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return err == nil && rec != nil, err
		}
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	// Each turn costs a transcription and an assistant call.
	turnRL := middleware.NewRateLimiter(turnRate(cfg.RateRPS), 3, middleware.KeyByUserOrIP())
	compress := gzip.Gzip(gzip.DefaultCompression)

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		auth.Handler(),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup),
		rl.Handler(),
		middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true, CSP: cspFor(false)}),
	)
	{
		// Chats
		api.POST("/chats", h.CreateChat)
		api.GET("/chats", compress, h.ListChats)
		api.GET("/chats/:id", h.GetChat)
		api.PATCH("/chats/:id", h.UpdateChatTitle)
		api.PUT("/chats/:id/title", h.UpdateChatTitle)
		api.DELETE("/chats/:id", h.DeleteChat)

		// Messages and turns
		api.GET("/chats/:id/messages", compress, h.ListMessages)
		if d.Turns != nil {
			api.POST("/chats/:id/messages", turnRL.Handler(), h.PostMessage)
			api.POST("/chats/:id/messages/:messageId/prompts", turnRL.Handler(), h.SelectPrompt)
		}

		// Invitations
		if d.Invitations != nil {
			api.POST("/chats/:id/invitations", h.Invite)
		}
	}

	if d.Users != nil {
		internal := groupWithPrefix(r, strings.TrimSuffix(cfg.APIBasePath, "/")+"/internal")
		internal.POST("/users", middleware.InternalToken(cfg.Auth.InternalToken), h.RegisterUser)
	}
}

// turnRate is the per-user turn refill rate: a tenth of the general rate,
// never below one turn every ten seconds.
func turnRate(general float64) float64 {
	if r := general / 10; r > 0.1 {
		return r
	}
	return 0.1
}

// cspFor relaxes the CSP when Swagger UI (HTML + inline scripts) is served.
func cspFor(swagger bool) string {
	if swagger {
		return "-"
	}
	return ""
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the listed ones.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey, middleware.HeaderInternalToken},
		ExposeHeaders:    []string{"X-Request-ID", "ETag", "Retry-After", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// limitBody caps request bodies with http.MaxBytesReader. Multipart requests
// (audio turns) get the larger upload cap; everything else the JSON cap.
func limitBody(jsonMax, uploadMax int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		max := jsonMax
		if strings.HasPrefix(c.ContentType(), "multipart/") && uploadMax > jsonMax {
			max = uploadMax
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
