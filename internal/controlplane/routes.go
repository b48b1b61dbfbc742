package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/openmined/dirsync/internal/version"
)

const defaultRateLimit = 10

type RouteConfig struct {
	Token     string
	RateLimit int64
	// Done is closed when the server shuts down; long-lived streams end then
	Done <-chan struct{}
}

func SetupRoutes(cfg *RouteConfig, ctl Controller, logs LogSource, hist HistorySource) http.Handler {
	r := gin.New()

	rate := cfg.RateLimit
	if rate <= 0 {
		rate = defaultRateLimit
	}
	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: time.Second,
		Limit:  rate,
	})

	h := &Handler{ctl: ctl, logs: logs, hist: hist, done: cfg.Done}

	r.Use(Logger())
	r.Use(gin.Recovery())
	r.Use(SecureHeaders())
	r.Use(cors.New(corsConfig))
	r.Use(gzip.Gzip(gzip.BestSpeed, gzip.WithExcludedPaths([]string{"/v1/logs/stream"})))
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/", IndexHandler)

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1.GET("/status", h.Status)
		v1.POST("/pass", h.StartPass)
		v1.POST("/stop", h.Stop)
		v1.PUT("/interval", h.SetInterval)
		v1.GET("/logs", h.Logs)
		v1.GET("/logs/stream", h.StreamLogs)
		v1.GET("/history", h.History)
		v1.GET("/history/:id/failures", h.Failures)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Detailed()})
}
