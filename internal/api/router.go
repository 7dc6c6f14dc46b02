package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/pkg/middleware"
)

// RouterConfig configures the HTTP router
type RouterConfig struct {
	CORSOrigins []string
	// Gatherer serves /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer
}

// NewRouter wires the handlers into a gin engine
func NewRouter(h *Handlers, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Named("http")))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/status", h.Status)
	router.GET("/health", h.Status)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	iss := router.Group("/issuance")
	{
		iss.POST("/start", h.StartIssuance)
		iss.GET("/callback", h.IssuanceCallback)
		iss.POST("/callback", h.IssuanceCallback)
		iss.GET("/:state", h.GetSession)
		iss.DELETE("/:state", h.AbandonSession)
		iss.POST("/:state/deferred", h.PollDeferred)
	}

	pres := router.Group("/presentation")
	{
		pres.POST("/parse", h.ParsePresentationRequest)
		pres.POST("/transaction-data", h.TransactionData)
		pres.POST("/submit", h.SubmitPresentation)
	}

	return router
}
