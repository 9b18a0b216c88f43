package router

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"harrier/jobcenter"
	"harrier/registrycenter"
	"harrier/servicecenter"
	"harrier/status"
)

// Binding is what job handlers run against while a registry session is
// active. It is replaced every time another registry center is connected.
type Binding struct {
	Jobs   *jobcenter.JobCenter
	Status *status.Aggregator
}

type Server struct {
	manager *registrycenter.Manager
	peers   servicecenter.ServiceCenter
	logger  logrus.FieldLogger

	// MaxWait bounds the ?wait= parameter of instance operations.
	MaxWait time.Duration

	mu      sync.RWMutex
	binding *Binding
}

func New(manager *registrycenter.Manager, peers servicecenter.ServiceCenter, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{manager: manager, peers: peers, logger: logger, MaxWait: 30 * time.Second}
}

func (s *Server) Bind(b *Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding = b
}

// bound returns the current binding, or nil once its session is gone.
func (s *Server) bound() *Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.binding == nil || s.binding.Jobs.Session().State() == registrycenter.SessionDisconnected {
		return nil
	}
	return s.binding
}

func (s *Server) Route(router *gin.Engine) {
	router.Use(Logger(s.logger), gin.Recovery())

	router.GET("/ping", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	s.registryCenters(api.Group("/registry-center"))
	api.GET("/coordinators", s.coordinators)

	jobs := api.Group("", s.requireBinding)
	s.jobRoutes(jobs)
	jobs.POST("/job/:op", s.instanceOp)
	jobs.GET("/servers", s.servers)
	jobs.GET("/servers/:ip/jobs", s.serverJobs)
}

func (s *Server) jobRoutes(api *gin.RouterGroup) {
	api.GET("/jobs", s.listJobs)
	api.POST("/jobs", s.registerJob)
	api.GET("/jobs/:name/config", s.getJob)
	api.PUT("/jobs/:name/config", s.updateJob)
	api.DELETE("/jobs/:name", s.removeJob)
	api.POST("/jobs/:name/disable", s.disableJob)
	api.POST("/jobs/:name/enable", s.enableJob)
	api.POST("/jobs/:name/reshard", s.reshard)
	api.GET("/jobs/:name/sharding", s.shards)
	api.POST("/jobs/:name/sharding/:item/disable", s.disableShard)
	api.POST("/jobs/:name/sharding/:item/enable", s.enableShard)
	api.POST("/jobs/:name/sharding/:item/reassign", s.reassign)
	api.GET("/jobs/:name/instances", s.instances)
}

const bindingKey = "harrier.binding"

func (s *Server) requireBinding(c *gin.Context) {
	b := s.bound()
	if b == nil {
		fail(c, registrycenter.ErrNotActive)
		c.Abort()
		return
	}
	c.Set(bindingKey, b)
	c.Next()
}

func binding(c *gin.Context) *Binding {
	return c.MustGet(bindingKey).(*Binding)
}

// Logger logs every request through logrus.
func Logger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
			"remote_ip": c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request processed")
			return
		}
		entry.Debug("request processed")
	}
}
