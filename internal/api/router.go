// Package api exposes mailhook over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailhook/internal/account"
	"github.com/Martian-dev/mailhook/internal/auth"
	"github.com/Martian-dev/mailhook/internal/logging"
)

// Registrar starts a Gmail watch for an account.
type Registrar interface {
	Register(ctx context.Context, accountID string) (*account.Account, error)
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the components served by the router.
type Deps struct {
	Accounts   account.Store
	Webhook    gin.HandlerFunc
	Registrar  Registrar
	AdminToken string
	Checks     map[string]HealthCheck
	Logger     logging.Logger
}

// NewRouter builds the gin engine. Admin routes are only mounted when an
// admin token is configured.
func NewRouter(d Deps) *gin.Engine {
	logger := logging.OrGlobal(d.Logger)

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(logger))

	r.GET("/healthz", healthHandler(d.Checks))
	r.POST("/webhook/gmail", d.Webhook)

	if d.AdminToken != "" {
		admin := r.Group("/accounts")
		admin.Use(adminMiddleware(d.AdminToken))
		admin.GET("/:id", getAccount(d.Accounts))
		if d.Registrar != nil {
			admin.POST("/:id/watch", registerWatch(d.Registrar, logger))
		}
	}
	return r
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), logging.RequestIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithContext(c.Request.Context()).Debug("request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.FullPath()),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("latency", time.Since(start)))
	}
}

func adminMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization scheme must be Bearer"})
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": results})
	}
}

func getAccount(store account.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, err := store.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, account.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, acct)
	}
}

func registerWatch(registrar Registrar, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		acct, err := registrar.Register(c.Request.Context(), c.Param("id"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, acct)
		case errors.Is(err, account.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, auth.ErrReauthRequired):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "needs_reauth": true})
		default:
			logger.WithContext(c.Request.Context()).Error("watch registration failed", err,
				logging.String("account_id", c.Param("id")))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
	}
}
