// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/internal/handler"
	"psu-service/internal/middleware"
	"psu-service/internal/service"
	"psu-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	db               handler.DatabaseChecker
	psu              handler.PSUService
	discoveryService *service.DiscoveryService
	wsHandler        *handler.WebSocketHandler
	gatherer         prometheus.Gatherer
}

// NewRouter creates a new router instance. db and gatherer may be nil.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db handler.DatabaseChecker,
	psu handler.PSUService,
	discoveryService *service.DiscoveryService,
	wsHandler *handler.WebSocketHandler,
	gatherer prometheus.Gatherer,
) *Router {
	return &Router{
		config:           config,
		logger:           logger,
		db:               db,
		psu:              psu,
		discoveryService: discoveryService,
		wsHandler:        wsHandler,
		gatherer:         gatherer,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.db, r.psu, r.config, r.logger)
	psuHandler := handler.NewPSUHandler(r.psu, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.discoveryService, r.logger)

	// Health check routes (no auth required)
	r.addHealthRoutes(router, healthHandler)
	r.addMetricsRoutes(router)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.APIKeyMiddleware(r.config.Security.APIKey))
	r.addPSURoutes(apiV1, psuHandler)
	r.addDiscoveryRoutes(apiV1, discoveryHandler)
	apiV1.GET("/ws/stats", r.wsHandler.GetConnectionStats)

	r.addWebSocketRoutes(router, r.wsHandler)
	r.addDocumentationRoutes(router)

	r.logger.Info("All routes configured successfully")
}

func (r *Router) addHealthRoutes(router *gin.Engine, handler *handler.HealthHandler) {
	health := router.Group("")
	{
		health.GET("/health", handler.HealthCheck)
		health.GET("/ready", handler.ReadinessCheck)
		health.GET("/live", handler.LivenessCheck)
	}
}

func (r *Router) addMetricsRoutes(router *gin.Engine) {
	if !r.config.Metrics.Enabled || r.gatherer == nil {
		return
	}
	h := promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
	router.GET(r.config.Metrics.Path, gin.WrapH(h))
}

func (r *Router) addPSURoutes(api *gin.RouterGroup, handler *handler.PSUHandler) {
	psu := api.Group("/psu")
	{
		psu.GET("", handler.GetSnapshot)
		psu.POST("/voltage", handler.SetVoltage)
		psu.POST("/reconnect", handler.Reconnect)
		psu.GET("/readings", handler.ListReadings)
	}
}

func (r *Router) addDiscoveryRoutes(api *gin.RouterGroup, handler *handler.DiscoveryHandler) {
	discovery := api.Group("/discovery")
	{
		discovery.GET("/scan", handler.ScanDevices)
		discovery.GET("/serial", handler.ScanSerial)
		discovery.GET("/usb", handler.ScanUSB)
		discovery.GET("/supported", handler.GetSupportedDevices)
	}
}

func (r *Router) addWebSocketRoutes(router *gin.Engine, handler *handler.WebSocketHandler) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", handler.HandleEventConnection)
	}
}

func (r *Router) addDocumentationRoutes(router *gin.Engine) {
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	router.GET("/docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
}
