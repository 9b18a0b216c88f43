package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"harrier/agent"
	"harrier/config"
	"harrier/constants"
	"harrier/eventcenter"
	"harrier/jobcenter"
	"harrier/registrycenter"
	"harrier/router"
	"harrier/servicecenter"
	"harrier/status"
)

// node runs the coordinator loops of whichever registry session is active.
type node struct {
	ctx    context.Context
	cfg    *config.Config
	logger logrus.FieldLogger
	events *eventcenter.EventCenter
}

func (n *node) jobCenterOptions() jobcenter.Options {
	return jobcenter.Options{
		LeaseTTL:    n.cfg.Coordinator.LeaseTTL,
		LockTTL:     n.cfg.Coordinator.LockTTL,
		LockWait:    n.cfg.Coordinator.LockWait,
		LockRetries: n.cfg.Coordinator.LockRetries,
		Logger:      n.logger,
	}
}

// activate starts a coordinator and a status aggregator on session. Both
// stop on their own once the session is closed.
func (n *node) activate(session *registrycenter.Session) (*router.Binding, error) {
	jc, err := jobcenter.New(session, n.jobCenterOptions())
	if err != nil {
		return nil, err
	}
	agg := status.New(jc, n.events, n.logger)
	unsubscribe := agg.Subscribe(func(s status.Snapshot) {
		n.logger.WithFields(logrus.Fields{"jobs": len(s.Jobs), "servers": len(s.Servers), "stale": s.Stale}).Debug("status changed")
	})
	go func() {
		defer unsubscribe()
		select {
		case <-session.Done():
		case <-n.ctx.Done():
		}
	}()
	go func() {
		if err := agg.Run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.WithError(err).Error("status aggregator stopped")
		}
	}()
	coordinator := jobcenter.NewCoordinator(jc, n.events, jobcenter.CoordinatorOptions{
		ReapInterval:      n.cfg.Coordinator.ReapInterval,
		ReconcileInterval: n.cfg.Coordinator.ReconcileInterval,
	})
	go func() {
		if err := coordinator.Run(n.ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.WithError(err).Error("coordinator stopped")
		}
	}()
	return &router.Binding{Jobs: jc, Status: agg}, nil
}

func openManager(cfg *config.Config, logger logrus.FieldLogger) (*registrycenter.Manager, error) {
	manager, err := registrycenter.NewManager(cfg.Registry.DefinitionsFile, cfg.SessionOptions(logger), nil)
	if err != nil {
		return nil, err
	}
	if cfg.Registry.Default == "" {
		return manager, nil
	}
	known := false
	for _, c := range manager.List() {
		known = known || c.Name == cfg.Registry.Default
	}
	if !known {
		if err := manager.Add(cfg.DefaultCenter()); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serve(parent context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	peers, err := servicecenter.New(cfg.ServiceCenter.Type, cfg.ServiceCenter.ServerLists, logger)
	if err != nil {
		return err
	}
	manager, err := openManager(cfg, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	events := eventcenter.New(1024)
	defer events.Close()
	n := &node{ctx: ctx, cfg: cfg, logger: logger, events: events}
	server := router.New(manager, peers, logger)
	manager.OnActivate(func(session *registrycenter.Session) {
		b, err := n.activate(session)
		if err != nil {
			logger.WithError(err).Error("cannot start coordinator")
			return
		}
		server.Bind(b)
	})
	if cfg.Registry.Default != "" {
		if _, err := manager.Connect(ctx, cfg.Registry.Default); err != nil {
			logger.WithError(err).Warn("default registry center not connected")
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	server.Route(engine)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	port, _ := strconv.ParseUint(cfg.Server.Port, 10, 64)
	self := servicecenter.Instance{Ip: cfg.Server.IP, Port: port}
	if self.Ip == "" {
		self.Ip = localIP()
	}
	if err := peers.Register(ctx, constants.COORDINATOR_SERVICE, self); err != nil {
		logger.WithError(err).Warn("coordinator not registered in the service center")
	}

	errc := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	logger.Infof("Server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := peers.Deregister(shutdownCtx, constants.COORDINATOR_SERVICE, self); err != nil {
		logger.WithError(err).Warn("deregister coordinator")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	logger.Info("Server stopped")
	return nil
}

func runAgent(parent context.Context, cfg *config.Config, version string, logger *logrus.Logger) error {
	ctx, stop := signalContext(parent)
	defer stop()

	if cfg.Registry.Default == "" {
		return errors.New("agent needs registry.default to name a registry center")
	}
	manager, err := openManager(cfg, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	events := eventcenter.New(1024)
	defer events.Close()
	n := &node{ctx: ctx, cfg: cfg, logger: logger, events: events}
	session, err := manager.Connect(ctx, cfg.Registry.Default)
	if err != nil {
		return err
	}
	if cfg.Agent.Coordinate {
		if _, err := n.activate(session); err != nil {
			return err
		}
	}

	ip := cfg.Agent.IP
	if ip == "" {
		ip = localIP()
	}
	a, err := agent.New(session, agent.Options{
		Jobs:              cfg.Agent.Jobs,
		IP:                ip,
		Version:           version,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// localIP returns the first non-loopback IPv4 address of the host.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}
