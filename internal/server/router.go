package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/evolset/internal/metrics"
	"github.com/loykin/evolset/internal/record"
	"github.com/loykin/evolset/internal/supervisor"
)

// Router provides embeddable HTTP handlers for observing a run.
// Endpoints:
//
//	GET  {basePath}/status             run id, store stats and task statuses
//	POST {basePath}/flush              force a save of the dataset
//	GET  {basePath}/records?limit=n    the most recent n records (default 100)
//	GET  /metrics                      Prometheus metrics, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	store    *record.Store
	sup      *supervisor.Supervisor
	runID    string
	basePath string
	metrics  bool
}

type Option func(*Router)

func WithRunID(id string) Option { return func(r *Router) { r.runID = id } }

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

// NewRouter constructs a Router for store and sup. sup may be nil when no
// tasks are supervised.
func NewRouter(store *record.Store, sup *supervisor.Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{store: store, sup: sup, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/flush", r.handleFlush)
	group.GET("/records", r.handleRecords)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a running standalone HTTP server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr and serves h in the background. The listener is
// bound before Start returns so address errors surface immediately.
func Start(addr string, h http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound address, useful with ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	RunID string              `json:"run_id,omitempty"`
	Store record.Stats        `json:"store"`
	Tasks []supervisor.Status `json:"tasks"`
}

type flushResp struct {
	OK    bool         `json:"ok"`
	Store record.Stats `json:"store"`
}

type recordsResp struct {
	Total   int             `json:"total"`
	Records []record.Record `json:"records"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{RunID: r.runID, Store: r.store.Stats(), Tasks: []supervisor.Status{}}
	if r.sup != nil {
		resp.Tasks = r.sup.Snapshot()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleFlush(c *gin.Context) {
	if err := r.store.Flush(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, flushResp{OK: true, Store: r.store.Stats()})
}

func (r *Router) handleRecords(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	recs := r.store.Records()
	total := len(recs)
	if limit < total {
		recs = recs[total-limit:]
	}
	writeJSON(c, http.StatusOK, recordsResp{Total: total, Records: recs})
}
