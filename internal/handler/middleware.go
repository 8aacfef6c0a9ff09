package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"clubledger/internal/config"
	"clubledger/internal/service"
	"clubledger/pkg/response"
)

const callerKey = "caller"

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := log.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
			"method":  c.Request.Method,
			"path":    path,
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// RecoveryMiddleware turns a panic into a 500 response.
func RecoveryMiddleware(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithField("panic", fmt.Sprint(err)).WithField("path", c.Request.URL.Path).Error("panic recovered")
				response.ServerError(c, "internal server error")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware allows the web front end to call the API.
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SecureMiddleware sets the security headers.
func SecureMiddleware(release bool) gin.HandlerFunc {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        release,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})
	return func(c *gin.Context) {
		if err := secureMiddleware.Process(c.Writer, c.Request); err != nil {
			c.Abort()
			return
		}
		// a redirect was written
		if status := c.Writer.Status(); status > 300 && status < 399 {
			c.Abort()
			return
		}
		c.Next()
	}
}

// Claims are the identity provider token claims the ledger relies on.
type Claims struct {
	ClubID string `json:"club_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies the bearer token and stores the caller in the context.
func AuthMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Unauthorized(c, "invalid authorization header format")
			return
		}

		claims := &Claims{}
		_, err := parser.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			response.Unauthorized(c, msg)
			return
		}
		if claims.Subject == "" || claims.ClubID == "" {
			response.Unauthorized(c, "token lacks subject or club")
			return
		}

		c.Set(callerKey, service.Caller{
			UserID: claims.Subject,
			ClubID: claims.ClubID,
			Role:   claims.Role,
		})
		c.Next()
	}
}

func callerFrom(c *gin.Context) service.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(service.Caller); ok {
			return caller
		}
	}
	return service.Caller{}
}
