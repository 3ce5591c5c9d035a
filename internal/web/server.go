package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebServer serves the node status API. Peers use it to probe running
// apps and fetch messages, operators to drive app operations.
type WebServer struct {
	port              int
	token             string
	router            *gin.Engine
	lifecycle         Lifecycle
	messages          Messages
	nodeManager       NodeManager
	publisher         Publisher
	confirmer         Confirmer
	elections         Elections
	membershipManager MembershipManager
	logger            *logrus.Logger
	server            *http.Server
	mu                sync.RWMutex
}

// NewWebServer creates a new web server instance
func NewWebServer(lc Lifecycle, messages Messages, nodeManager NodeManager, logger *logrus.Logger, port int) *WebServer {
	router := gin.New()

	ws := &WebServer{
		port:        port,
		router:      router,
		lifecycle:   lc,
		messages:    messages,
		nodeManager: nodeManager,
		logger:      logger,
	}

	ws.setupMiddleware()
	return ws
}

// WithToken protects operation endpoints with a bearer token
func (ws *WebServer) WithToken(token string) *WebServer {
	ws.token = token
	return ws
}

// WithPublisher enables message publishing
func (ws *WebServer) WithPublisher(p Publisher) *WebServer {
	ws.publisher = p
	return ws
}

// WithConfirmer enables message confirmation
func (ws *WebServer) WithConfirmer(c Confirmer) *WebServer {
	ws.confirmer = c
	return ws
}

// WithElections exposes the primary records
func (ws *WebServer) WithElections(e Elections) *WebServer {
	ws.elections = e
	return ws
}

// WithMembershipManager exposes the cluster members
func (ws *WebServer) WithMembershipManager(m MembershipManager) *WebServer {
	ws.membershipManager = m
	return ws
}

// Handler returns the router with every route registered
func (ws *WebServer) Handler() http.Handler {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if len(ws.router.Routes()) == 0 {
		ws.setupRoutes()
	}
	return ws.router
}

// setupMiddleware sets up the middleware
func (ws *WebServer) setupMiddleware() {
	ws.router.Use(RecoveryHandler(ws.logger))
	ws.router.Use(LoggingMiddleware(ws.logger))
	ws.router.Use(ErrorHandler(ws.logger))
}

// setupRoutes sets up the HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.GET("/node", ws.nodeHandler)
	ws.router.GET("/peers", ws.peersHandler)
	ws.router.GET("/messages/:hash", ws.messageHandler)

	apps := ws.router.Group("/apps")
	{
		apps.GET("/running", ws.runningAppsHandler)
		apps.GET("/installed", ws.installedAppsHandler)
		apps.GET("/registered", ws.registeredAppsHandler)
		apps.GET("/registered/:name", ws.registeredAppHandler)
		apps.GET("/locations", ws.locationsHandler)
		apps.GET("/locations/:name", ws.locationsHandler)
		apps.GET("/primaries", ws.primariesHandler)

		ops := apps.Group("", TokenAuth(ws.token))
		ops.POST("/publish", ws.publishHandler)
		ops.POST("/confirm", ws.confirmHandler)
		ops.POST("/install/:name", ws.installHandler)
		ops.POST("/remove/:name", ws.removeHandler)
		ops.POST("/redeploy/:name", ws.redeployHandler)
	}
}

// Start starts the web server
func (ws *WebServer) Start() error {
	handler := ws.Handler()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	addr := fmt.Sprintf("0.0.0.0:%d", ws.port)
	ws.logger.Infof("Starting web server on %s", addr)

	ws.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Errorf("Failed to start web server: %v", err)
		}
	}()

	return nil
}

// Stop stops the web server
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.server == nil {
		return nil
	}

	ws.logger.Info("Stopping web server")

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown web server: %w", err)
	}

	ws.server = nil
	return nil
}
