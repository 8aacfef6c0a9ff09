package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"clubledger/internal/config"
	"clubledger/internal/observability"
)

// SetupRouter wires middleware and routes.
func SetupRouter(cfg *config.Config, h *Handler, metrics *observability.Metrics, log logrus.FieldLogger) *gin.Engine {
	if cfg.IsRelease() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(SecureMiddleware(cfg.IsRelease()))
	r.Use(CORSMiddleware(cfg.App.FrontendURL))
	r.Use(metrics.Middleware())

	// legacy payment routes used by the web client
	r.POST("/api/create-stripe-session", h.CreateStripeSession)
	r.POST("/webhook", h.StripeWebhook)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(cfg.Auth))
	{
		entries := api.Group("/entries")
		{
			entries.GET("/mine", h.ListMyEntries)
			entries.GET("", h.ListEntries)
			entries.GET("/:id", h.GetEntry)
			entries.POST("", h.CreateEntry)
			entries.PATCH("/:id", h.UpdateEntry)
			entries.DELETE("/:id", h.DeleteEntry)
		}

		api.POST("/flights/:flightId/charge", h.PostFlightCharge)

		types := api.Group("/entry-types")
		{
			types.GET("", h.ListEntryTypes)
			types.POST("", h.CreateEntryType)
			types.PATCH("/:id", h.UpdateEntryType)
			types.DELETE("/:id", h.DeleteEntryType)
		}

		api.POST("/rpc/balance", h.BalanceRPC)
		api.GET("/balance", h.GetBalance)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}
