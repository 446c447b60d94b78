package router

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/obligohq/notifier/internal/handler"
	webhookHandler "github.com/obligohq/notifier/internal/handler/webhook"
	"github.com/obligohq/notifier/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Config struct {
	RateLimit rate.Limit
	RateBurst int
}

type Router struct {
	engine *gin.Engine
	auth   *middleware.AuthMiddleware
	h      *handler.Handler
	config Config
}

func NewRouter(auth *middleware.AuthMiddleware, h *handler.Handler, config Config) *Router {
	gin.SetMode(gin.ReleaseMode)

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := v.RegisterValidation("eventtype", webhookHandler.EventTypeValidator); err != nil {
			panic(fmt.Sprintf("failed to register eventtype validation: %v", err))
		}
	}

	return &Router{
		engine: gin.New(),
		auth:   auth,
		h:      h,
		config: config,
	}
}

func (r *Router) Setup(handlers ...Handler) {
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.Logger())
	r.engine.Use(middleware.Recovery())

	if r.config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  r.config.RateLimit,
			Burst: r.config.RateBurst,
		})
		r.engine.Use(limiter.RateLimit())
	}

	r.engine.GET("/health/live", r.h.LivenessCheck)
	r.engine.GET("/health/ready", r.h.ReadinessCheck)
	r.engine.GET("/metrics", r.h.MetricsHandler)

	api := r.engine.Group("/api/v1")
	api.Use(r.auth.RequireAuth())
	for _, h := range handlers {
		h.RegisterRoutes(api)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
