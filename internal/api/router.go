package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/phonefarm/internal/api/handler"
	"github.com/timmy/phonefarm/internal/api/middleware"
	"github.com/timmy/phonefarm/internal/config"
)

// Handlers groups the route handlers served by the API.
type Handlers struct {
	Health  *handler.HealthHandler
	Batch   *handler.BatchHandler
	Account *handler.AccountHandler
	Admin   *handler.AdminHandler
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(h Handlers, cfg *config.ServerConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.CORS))

	r.GET("/health", h.Health.Health)

	v1 := r.Group("/api/v1")
	{
		// Batches
		v1.POST("/batches", h.Batch.SubmitBatch)
		v1.GET("/batches/status", h.Batch.GetBatchStatus)
		v1.GET("/batches/:id/report", h.Batch.GetBatchReport)
		v1.GET("/batches/:id/accounts", h.Account.ListBatchAccounts)

		// Accounts
		v1.GET("/accounts/:id/status", h.Account.GetStatus)

		// Maintenance
		admin := v1.Group("/admin")
		admin.POST("/cleanup", h.Admin.TriggerCleanup)
		admin.GET("/status", h.Admin.GetStatus)
	}

	return r
}
