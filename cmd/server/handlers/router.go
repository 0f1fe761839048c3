package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/homestock/backend/internal/auth"
	"github.com/kimhsiao/homestock/backend/internal/changelog"
	"github.com/kimhsiao/homestock/backend/internal/inventory"
	"github.com/kimhsiao/homestock/backend/internal/logging"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Store    *inventory.Store
	Reader   *changelog.Reader
	Issuer   *auth.Issuer
	Log      *logging.Logger
	Gatherer prometheus.Gatherer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(deps.Log))
	SetupRoutes(r, deps)
	return r
}

// SetupRoutes registers the API on r.
func SetupRoutes(r *gin.Engine, deps Deps) {
	syncHandler := NewSyncHandler(deps.Reader, deps.Log)
	entityHandler := NewEntityHandler(deps.Store, deps.Log)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "homestock"})
		})

		protected := api.Group("")
		protected.Use(auth.Middleware(deps.Issuer))

		sync := protected.Group("/sync")
		{
			sync.GET("/changes", syncHandler.GetChanges)
			sync.GET("/snapshot", syncHandler.GetSnapshot)
		}

		products := protected.Group("/products")
		{
			products.POST("", entityHandler.CreateProduct)
			products.PUT("/:id", entityHandler.UpdateProduct)
			products.DELETE("/:id", entityHandler.DeleteProduct)
		}

		locations := protected.Group("/locations")
		{
			locations.POST("", entityHandler.CreateLocation)
			locations.PUT("/:id", entityHandler.UpdateLocation)
			locations.DELETE("/:id", entityHandler.DeleteLocation)
		}

		items := protected.Group("/inventory")
		{
			items.POST("", entityHandler.CreateInventoryItem)
			items.POST("/quick-add", entityHandler.QuickAdd)
			items.PUT("/:id", entityHandler.UpdateInventoryItem)
			items.DELETE("/:id", entityHandler.DeleteInventoryItem)
		}

		grocery := protected.Group("/grocery")
		{
			grocery.POST("", entityHandler.CreateGroceryItem)
			grocery.PUT("/:id", entityHandler.UpdateGroceryItem)
			grocery.DELETE("/:id", entityHandler.DeleteGroceryItem)
			grocery.POST("/:id/checkout", entityHandler.Checkout)
		}
	}
}
