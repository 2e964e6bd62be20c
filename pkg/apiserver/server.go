package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/apiserver/handlers"
	"github.com/coursegrid/coursegrid/pkg/apiserver/middleware"
	"github.com/coursegrid/coursegrid/pkg/auth"
	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/provisioning"
	"github.com/coursegrid/coursegrid/pkg/seed"
	"github.com/coursegrid/coursegrid/pkg/supertenant"
	"github.com/coursegrid/coursegrid/pkg/tenantdb"
)

type Deps struct {
	Gateway    *supertenant.Gateway
	Service    *provisioning.Service
	Dispatcher handlers.Dispatcher
	Tokens     *auth.TokenManager
	Config     *config.Config
	Logger     *zap.Logger
}

type Server struct {
	router *gin.Engine
	deps   Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	logger := s.deps.Logger
	tenantsCfg := s.deps.Config.Tenants

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(tenantsCfg.APIKeyHeader))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	resolver := tenantdb.NewResolver(s.deps.Gateway)

	// Everything below runs with a binding installed.
	api := r.Group("")
	api.Use(middleware.TenantRouter(s.deps.Gateway, tenantsCfg))

	tenantHandler := handlers.NewTenantHandler(s.deps.Service, logger)
	tenants := api.Group("/tenants")
	{
		tenants.Use(middleware.SuperAdmin(s.deps.Tokens, s.deps.Gateway))
		tenants.POST("/onboard", tenantHandler.Onboard)
		tenants.GET("/:id", tenantHandler.Get)
		tenants.GET("/:id/status", tenantHandler.Status)
		tenants.POST("/:id/retry-provisioning", tenantHandler.Retry)
		tenants.PATCH("/:id", tenantHandler.Rename)
		tenants.DELETE("/:id", tenantHandler.Delete)
	}

	scoped := api.Group("")
	{
		scoped.Use(middleware.RequireTenant())
		scoped.Use(middleware.Identity(s.deps.Tokens))

		courseHandler := handlers.NewCourseHandler(resolver, s.deps.Dispatcher, logger)
		scoped.GET("/courses", courseHandler.List)
		scoped.GET("/courses/list", courseHandler.List)
		scoped.POST("/courses", courseHandler.Create)
		scoped.GET("/courses/:ref", courseHandler.Get)
		scoped.POST("/courses/:ref/clone", courseHandler.Clone)

		userHandler := handlers.NewUserHandler(s.deps.Dispatcher, logger)
		scoped.POST("/users/bulk-onboard", userHandler.BulkOnboard)

		leaderboardHandler := handlers.NewLeaderboardHandler(resolver, s.deps.Dispatcher, logger)
		scoped.GET("/leaderboards", leaderboardHandler.List)
		scoped.POST("/leaderboards/compute", leaderboardHandler.Compute)

		reportHandler := handlers.NewReportHandler(resolver, s.deps.Dispatcher, logger)
		scoped.POST("/reports", reportHandler.Create)
		scoped.GET("/reports/:id", reportHandler.Get)

		configurationHandler := handlers.NewConfigurationHandler(s.deps.Gateway, logger)
		scoped.GET("/configuration", configurationHandler.Get)
		scoped.PUT("/configuration", middleware.RequireRole(seed.RoleAdmin), configurationHandler.Update)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
