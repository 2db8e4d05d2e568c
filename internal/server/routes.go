package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "storefront"

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(LoggerMiddleware(s.Logger))
	r.Use(MetricsMiddleware())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Accept", "Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Retry-After", "Content-Disposition"},
		AllowCredentials: true,
	}))

	r.GET("/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhooks/payments", s.webhookHandler)
	r.GET("/checkout/return", s.checkoutReturnHandler)
	r.GET("/downloads/:token", s.consumeHandler)

	buyer := r.Group("/")
	buyer.Use(AuthMiddleware(s.opts.JWTSecret))
	{
		buyer.GET("/account/grants", s.listGrantsHandler)
		buyer.POST("/downloads/grants/:grantID/token", s.issueTokenHandler)
	}

	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	status := http.StatusOK
	resp := make(map[string]map[string]string, len(s.Health))
	for name, check := range s.Health {
		stats := check(c.Request.Context())
		if stats["status"] != "up" {
			status = http.StatusServiceUnavailable
		}
		resp[name] = stats
	}
	c.JSON(status, resp)
}
