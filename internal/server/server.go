package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Ram-1405/piperun/internal/common"
	"github.com/Ram-1405/piperun/internal/env"
	"github.com/Ram-1405/piperun/internal/executor"
	"github.com/Ram-1405/piperun/internal/notify"
	"github.com/Ram-1405/piperun/internal/pipeline"
	"github.com/Ram-1405/piperun/internal/store"
	"github.com/gin-gonic/gin"
)

// Config configures the control API server.
type Config struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	JWTSecret    string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	PipelinePath string `mapstructure:"pipeline" yaml:"pipeline"`
}

// Server exposes run orchestration over HTTP: starting runs of the
// configured pipeline, inspecting their history and resources, triggering
// teardown, and acknowledging leaked resources.
type Server struct {
	cfg      Config
	st       *store.Store
	notifier *notify.Notifier
	logger   *common.Logger
	engine   *gin.Engine
}

func New(cfg Config, st *store.Store, notifyCfg notify.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		st:       st,
		notifier: notify.New(notifyCfg),
		logger:   common.GetLogger().WithComponent("server"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api/v1")
	api.Use(jwtMiddleware([]byte(cfg.JWTSecret)))
	api.POST("/runs", s.startRun)
	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.POST("/runs/:id/teardown", s.teardownRun)
	api.GET("/leaks", s.listLeaks)
	api.POST("/leaks/:id/ack", s.ackLeak)

	s.engine = engine
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run starts serving on the configured address and blocks.
func (s *Server) Run() error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8690"
	}
	s.logger.Info("control API listening", "addr", addr)
	return s.engine.Run(addr)
}

type startRunRequest struct {
	Revision string `json:"revision"`
	Target   string `json:"target"`
}

func (s *Server) startRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pl, err := pipeline.Load(s.cfg.PipelinePath)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	eng, err := executor.NewEngine(pl, s.st, executor.Options{Revision: req.Revision, Target: req.Target})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	run, err := eng.ExecuteAsync(context.Background(), func(finished *store.Run) {
		s.notifier.RunFinished(context.Background(), finished)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": run.Status})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.st.ListRuns()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	id := c.Param("id")
	run, err := s.st.GetRun(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	attempts, err := s.st.ListAttempts(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resources, err := s.st.ListResources(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "attempts": attempts, "resources": resources})
}

func (s *Server) teardownRun(c *gin.Context) {
	id := c.Param("id")
	run, err := s.st.GetRun(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	pl, err := pipeline.Load(s.cfg.PipelinePath)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	eng, err := executor.NewEngine(pl, s.st, executor.Options{})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	report, err := eng.Tracker().Teardown(c.Request.Context(), id, pipelineEnv(pl))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"destroyed": len(report.Destroyed),
		"leaked":    len(report.Leaked),
	})
}

// pipelineEnv builds the global environment used to render teardown commands.
func pipelineEnv(pl *pipeline.Pipeline) *env.Env {
	e := env.New()
	for k, v := range pl.Global.Env {
		e.SetString("global", k, v)
	}
	return e
}

func (s *Server) listLeaks(c *gin.Context) {
	leaked, err := s.st.ListLeaked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaked": leaked})
}

func (s *Server) ackLeak(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resource id"})
		return
	}
	if err := s.st.AcknowledgeLeak(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}
