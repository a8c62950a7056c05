package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/vrlink/internal/manager"
	"github.com/loykin/vrlink/internal/metrics"
	"github.com/loykin/vrlink/internal/service"
)

// Router provides embeddable HTTP handlers for the VR lifecycle manager.
// Endpoints, relative to basePath:
//
//	GET    /status
//	GET    /apps/:app                  app: compositor | runtime
//	GET    /services/:name
//	POST   /services/:name/start|stop
//	POST   /services/:name/startup     query: mode=automatic|manual
//	POST   /link/start|stop|reset
//	POST   /recovery/run
//	GET    /timers
//	GET    /watcher/ignore
//	POST   /watcher/ignore             query: name=...
//	DELETE /watcher/ignore             query: name=...
//	GET    /history                    query: limit=N (when a history reader is configured)
//	GET    /resources                  (when resource sampling is on)
//	GET    /metrics                    (when metrics are mounted)
type Router struct {
	mgr       *mng.Manager
	basePath  string
	resources *metrics.ResourceCollector
	metrics   bool
	opTimeout time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), opTimeout: time.Minute}
}

// WithResources exposes the collector's latest samples under /resources.
func (r *Router) WithResources(c *metrics.ResourceCollector) *Router {
	r.resources = c
	return r
}

// WithMetrics mounts the Prometheus handler under /metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/apps/:app", r.handleApp)

	group.GET("/services/:name", r.handleService)
	group.POST("/services/:name/start", r.handleServiceControl(true))
	group.POST("/services/:name/stop", r.handleServiceControl(false))
	group.POST("/services/:name/startup", r.handleServiceStartup)

	group.POST("/link/start", r.handleLink(r.mgr.StartLink))
	group.POST("/link/stop", r.handleLink(r.mgr.StopLink))
	group.POST("/link/reset", r.handleLink(r.mgr.ResetLink))
	group.POST("/recovery/run", r.handleLink(r.mgr.CloseCompositorAndResetLink))

	group.GET("/timers", r.handleTimers)

	group.GET("/watcher/ignore", r.handleIgnoreList)
	group.POST("/watcher/ignore", r.handleIgnoreAdd)
	group.DELETE("/watcher/ignore", r.handleIgnoreRemove)

	group.GET("/history", r.handleHistory)
	if r.resources != nil {
		group.GET("/resources", r.handleResources)
	}
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves the router on it. Bind errors are returned
// to the caller; errors after that are logged by the caller through Shutdown.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type serviceResp struct {
	Name    string              `json:"name"`
	State   service.State       `json:"state"`
	Startup service.StartupMode `json:"startup"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mng.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotElevated):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), r.opTimeout)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Status())
}

func (r *Router) handleApp(c *gin.Context) {
	st, ok := r.mgr.App(c.Param("app"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown app: use compositor or runtime"})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// serviceName validates :name and makes sure a handle is registered.
func (r *Router) serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return "", false
	}
	if err := r.mgr.Services().Register(name); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return "", false
	}
	return name, true
}

func (r *Router) serviceResp(name string) serviceResp {
	svc := r.mgr.Services()
	return serviceResp{Name: name, State: svc.GetState(name), Startup: svc.GetStartup(name)}
}

func (r *Router) handleService(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.serviceResp(name))
}

func (r *Router) handleServiceControl(start bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := r.serviceName(c)
		if !ok {
			return
		}
		ctx, cancel := r.opContext(c)
		defer cancel()
		var err error
		if start {
			err = r.mgr.Services().Start(ctx, name)
		} else {
			err = r.mgr.Services().Stop(ctx, name)
		}
		if err != nil {
			writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, r.serviceResp(name))
	}
}

func (r *Router) handleServiceStartup(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	mode, err := service.ParseStartupMode(c.Query("mode"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.mgr.Services().SetStartupMode(name, mode); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.serviceResp(name))
}

func (r *Router) handleLink(op func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := r.opContext(c)
		defer cancel()
		if err := op(ctx); err != nil {
			writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, r.mgr.Status().Link)
	}
}

func (r *Router) handleTimers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Timers().List())
}

func (r *Router) handleIgnoreList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Watcher().Ignored())
}

func (r *Router) ignoreName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param must be an executable name"})
		return "", false
	}
	return name, true
}

func (r *Router) handleIgnoreAdd(c *gin.Context) {
	name, ok := r.ignoreName(c)
	if !ok {
		return
	}
	r.mgr.Watcher().IgnoreExeName(name)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleIgnoreRemove(c *gin.Context) {
	name, ok := r.ignoreName(c)
	if !ok {
		return
	}
	r.mgr.Watcher().RemoveIgnoreExeName(name)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	reader, ok := r.mgr.HistoryReader()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no queryable history sink configured"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	ctx, cancel := r.opContext(c)
	defer cancel()
	events, err := reader.Recent(ctx, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleResources(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		writeJSON(c, http.StatusOK, r.resources.History(name))
		return
	}
	writeJSON(c, http.StatusOK, r.resources.Latest())
}
