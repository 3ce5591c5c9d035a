package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/lifecycle"
	"github.com/ao/swarmhost/internal/store"
	"github.com/ao/swarmhost/pkg/api"
)

func fail(c *gin.Context, code int, name string, err error) {
	c.JSON(code, api.Failure(code, name, err.Error()))
}

// nodeHandler describes this node
func (ws *WebServer) nodeHandler(c *gin.Context) {
	info := ws.nodeManager.Info()
	c.JSON(http.StatusOK, api.Success(api.NodeInfo{
		ID:       info.ID,
		IP:       info.IP,
		Tier:     string(info.Tier),
		StaticIP: info.StaticIP,
		Uptime:   info.Uptime,
		Busy:     ws.lifecycle.Busy(),
		Active:   ws.lifecycle.Active().String(),
	}))
}

func (ws *WebServer) peersHandler(c *gin.Context) {
	if ws.membershipManager == nil {
		c.JSON(http.StatusOK, api.Success([]interface{}{}))
		return
	}
	c.JSON(http.StatusOK, api.Success(ws.membershipManager.Members()))
}

// messageHandler returns a permanent or pending message by hash
func (ws *WebServer) messageHandler(c *gin.Context) {
	msg, err := ws.messages.Lookup(c.Request.Context(), c.Param("hash"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "NotFound", err)
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.Success(msg))
}

// runningAppsHandler answers the liveness probe of peers
func (ws *WebServer) runningAppsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	running, err := ws.lifecycle.RunningApps(ctx)
	if err != nil {
		c.Error(err)
		return
	}
	local, err := ws.lifecycle.LocalApps(ctx)
	if err != nil {
		c.Error(err)
		return
	}
	components := make(map[string][]string, len(local))
	for _, app := range local {
		if app.Specification != nil && app.Specification.IsCompose() {
			components[app.Name] = app.Specification.ComponentNames()
		}
	}

	out := make([]api.RunningApp, 0, len(running))
	for _, app := range running {
		out = append(out, api.RunningApp{
			Name:         app.Name,
			Hash:         app.Hash,
			RunningSince: app.RunningSince,
			Components:   components[app.Name],
		})
	}
	c.JSON(http.StatusOK, api.Success(out))
}

func (ws *WebServer) installedAppsHandler(c *gin.Context) {
	apps, err := ws.lifecycle.LocalApps(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.Success(apps))
}

func (ws *WebServer) registeredAppsHandler(c *gin.Context) {
	apps, err := ws.messages.RegisteredApps(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.Success(apps))
}

func (ws *WebServer) registeredAppHandler(c *gin.Context) {
	app, ok := ws.registered(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, api.Success(app))
}

// registered loads the registry entry named in the path, answering 404
// itself when it is missing
func (ws *WebServer) registered(c *gin.Context) (*gossip.GlobalApp, bool) {
	app, err := ws.messages.RegisteredApp(c.Request.Context(), c.Param("name"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "NotFound", gossip.ErrUnknownApplication)
		return nil, false
	}
	if err != nil {
		c.Error(err)
		return nil, false
	}
	return app, true
}

func (ws *WebServer) locationsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var locs []gossip.AppLocation
	var err error
	if name := c.Param("name"); name != "" {
		locs, err = ws.messages.Locations(ctx, name)
	} else {
		locs, err = ws.messages.AllLocations(ctx)
	}
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]api.Location, 0, len(locs))
	for _, loc := range locs {
		out = append(out, api.Location{
			Name:          loc.Name,
			Hash:          loc.Hash,
			IP:            loc.IP,
			RunningSince:  loc.RunningSince,
			BroadcastedAt: loc.BroadcastedAt,
		})
	}
	c.JSON(http.StatusOK, api.Success(out))
}

func (ws *WebServer) primariesHandler(c *gin.Context) {
	if ws.elections == nil {
		c.JSON(http.StatusOK, api.Success(map[string]interface{}{}))
		return
	}
	c.JSON(http.StatusOK, api.Success(ws.elections.Records()))
}

// publishHandler sends a signed register or update message
func (ws *WebServer) publishHandler(c *gin.Context) {
	if ws.publisher == nil {
		fail(c, http.StatusNotImplemented, "Error", errors.New("publishing is disabled"))
		return
	}

	var msg gossip.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		fail(c, http.StatusBadRequest, "ValidationError", err)
		return
	}

	err := ws.publisher.Publish(c.Request.Context(), &msg)
	var consensus *gossip.ConsensusError
	switch {
	case errors.As(err, &consensus):
		fail(c, http.StatusBadRequest, "ConsensusError", err)
	case errors.Is(err, gossip.ErrNotPropagated):
		fail(c, http.StatusGatewayTimeout, "NetworkError", err)
	case err != nil:
		c.Error(err)
	default:
		c.JSON(http.StatusOK, api.Success(msg.Hash))
	}
}

type confirmRequest struct {
	Hash     string `json:"hash" binding:"required"`
	TxID     string `json:"txid" binding:"required"`
	Height   uint32 `json:"height" binding:"required"`
	ValueSat int64  `json:"valueSat"`
}

// confirmHandler promotes a pending message whose transaction was mined
func (ws *WebServer) confirmHandler(c *gin.Context) {
	if ws.confirmer == nil {
		fail(c, http.StatusNotImplemented, "Error", errors.New("confirmation is disabled"))
		return
	}

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "ValidationError", err)
		return
	}

	err := ws.confirmer.Confirm(c.Request.Context(), req.Hash, req.TxID, req.Height, req.ValueSat)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "NotFound", err)
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, api.Success(req.Hash))
}

func modeOf(c *gin.Context, fallback lifecycle.Mode) lifecycle.Mode {
	switch c.Query("mode") {
	case "hard":
		return lifecycle.Hard
	case "soft":
		return lifecycle.Soft
	}
	return fallback
}

func (ws *WebServer) installHandler(c *gin.Context) {
	app, ok := ws.registered(c)
	if !ok {
		return
	}
	mode := modeOf(c, lifecycle.Hard)
	ws.stream(c, app.Name, lifecycle.OpInstalling, func(progress lifecycle.Progress) error {
		return ws.lifecycle.Install(c.Request.Context(), app, mode, progress)
	})
}

func (ws *WebServer) removeHandler(c *gin.Context) {
	name := c.Param("name")
	mode := modeOf(c, lifecycle.Hard)
	broadcast := true
	if v, err := strconv.ParseBool(c.DefaultQuery("broadcast", "true")); err == nil {
		broadcast = v
	}
	ws.stream(c, name, lifecycle.OpRemoving, func(progress lifecycle.Progress) error {
		return ws.lifecycle.Remove(c.Request.Context(), name, mode, broadcast, progress)
	})
}

func (ws *WebServer) redeployHandler(c *gin.Context) {
	app, ok := ws.registered(c)
	if !ok {
		return
	}
	mode := modeOf(c, lifecycle.Soft)
	op := lifecycle.OpSoftRedeploying
	if mode == lifecycle.Hard {
		op = lifecycle.OpHardRedeploying
	}
	ws.stream(c, app.Name, op, func(progress lifecycle.Progress) error {
		return ws.lifecycle.Redeploy(c.Request.Context(), app, mode, progress)
	})
}

// stream runs a lifecycle operation and writes every progress step as one
// JSON line, flushed as it happens, followed by the result envelope. A busy
// node answers 409 before anything is streamed.
func (ws *WebServer) stream(c *gin.Context, name string, op lifecycle.Operation, run func(lifecycle.Progress) error) {
	if ws.lifecycle.Busy() {
		err := &lifecycle.ConflictError{Active: ws.lifecycle.Active(), Requested: op}
		c.JSON(http.StatusConflict, lifecycle.Response(name, err))
		return
	}

	id := uuid.New().String()
	logger := ws.logger.WithFields(logrus.Fields{
		"operation": id,
		"app":       name,
		"kind":      op.String(),
	})
	logger.Info("Operation requested")

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("X-Operation-ID", id)
	c.Status(http.StatusOK)

	var mu sync.Mutex
	enc := json.NewEncoder(c.Writer)
	write := func(v interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(v); err != nil {
			logger.WithError(err).Debug("Failed to write progress")
			return
		}
		c.Writer.Flush()
	}

	err := run(lifecycle.ProgressFunc(func(p api.Progress) { write(p) }))
	if err != nil {
		logger.WithError(err).Warn("Operation failed")
	} else {
		logger.Info("Operation finished")
	}
	write(lifecycle.Response(name, err))
}
