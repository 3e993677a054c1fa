package control

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flowmesh/dataplane/internal/sched"
	"github.com/flowmesh/dataplane/internal/worker"
	coreerrors "github.com/flowmesh/dataplane/pkg/errors"
)

// registerRoutes wires every control operation onto the gin engine. GETs
// stay open; every mutating verb runs behind maybeAuth().
func (s *Server) registerRoutes(r *gin.Engine) {
	if s.metrics != nil {
		r.GET(firstNonEmpty(s.cfg.MetricsPath, "/metrics"), gin.WrapH(s.metrics.Handler()))
	}
	r.GET(firstNonEmpty(s.cfg.StatsStreamPath, "/v1/stream/stats"), s.handleStatsStream)

	v1 := r.Group("/v1")
	{
		v1.POST("/pause", s.maybeAuth(), s.handlePause)
		v1.POST("/resume", s.maybeAuth(), s.handleResume)
		v1.POST("/reset", s.maybeAuth(), s.handleResetAll)

		v1.GET("/workers", s.handleListWorkers)
		v1.POST("/workers", s.maybeAuth(), s.handleAddWorker)
		v1.DELETE("/workers", s.maybeAuth(), s.handleDestroyWorkers)
		v1.DELETE("/workers/:id", s.maybeAuth(), s.handleRemoveWorker)

		v1.POST("/tcs", s.maybeAuth(), s.handleCreateTC)
		v1.GET("/tcs", s.handleListTCs)
		v1.POST("/tcs/reset", s.maybeAuth(), s.handleResetTCs)
		v1.GET("/tcs/:name/stats", s.handleTCStats)

		v1.POST("/modules", s.maybeAuth(), s.handleCreateModule)
		v1.DELETE("/modules/:name", s.maybeAuth(), s.handleDestroyModule)

		v1.POST("/connect", s.maybeAuth(), s.handleConnect)
		v1.POST("/disconnect", s.maybeAuth(), s.handleDisconnect)

		v1.POST("/tcpdump/:module/:ogate/enable", s.maybeAuth(), s.handleTcpdumpEnable)
		v1.POST("/tcpdump/:module/:ogate/disable", s.maybeAuth(), s.handleTcpdumpDisable)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func writeErr(c *gin.Context, err error) {
	switch coreerrors.KindOf(err) {
	case coreerrors.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case coreerrors.AlreadyExists:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case coreerrors.Busy:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case coreerrors.InvalidArgument:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handlePause(c *gin.Context) {
	s.pipeline.PauseAll()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResume(c *gin.Context) {
	s.pipeline.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleResetAll(c *gin.Context) {
	if err := s.pipeline.ResetAll(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleResetTCs(c *gin.Context) {
	if err := s.pipeline.ResetTCs(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleDestroyWorkers(c *gin.Context) {
	if err := s.pipeline.DestroyWorkers(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

type workerView struct {
	ID          int     `json:"id"`
	Core        int     `json:"core"`
	Socket      int     `json:"socket"`
	Status      string  `json:"status"`
	SilentDrops uint64  `json:"silent_drops"`
	IdleRatio   float64 `json:"idle_ratio"`
}

func (s *Server) handleListWorkers(c *gin.Context) {
	workers := s.pipeline.Workers()
	out := make([]workerView, 0, len(workers))
	for _, w := range workers {
		out = append(out, toWorkerView(w))
	}
	c.JSON(http.StatusOK, gin.H{"workers": out})
}

func toWorkerView(w *worker.Worker) workerView {
	return workerView{
		ID:          w.ID,
		Core:        w.Core,
		Socket:      w.Socket,
		Status:      w.Status().String(),
		SilentDrops: w.SilentDrops(),
		IdleRatio:   w.Scheduler.Stats().IdleRatio(),
	}
}

func (s *Server) handleAddWorker(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "launching a worker after startup requires a pool assignment; use the config file and restart"})
}

func (s *Server) handleRemoveWorker(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}
	if err := s.pipeline.RemoveWorker(id); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

type createTCRequest struct {
	Name          string `json:"name" binding:"required"`
	Policy        string `json:"policy" binding:"required"`
	ShareResource string `json:"share_resource"`
	Limit         uint64 `json:"limit"`
	MaxBurst      uint64 `json:"max_burst"`
	Module        string `json:"module"`
	Arg           any    `json:"arg"`
	Parent        string `json:"parent"`
	Worker        *int   `json:"worker"`
	TSCHz         uint64 `json:"tsc_hz"`
}

func (s *Server) handleCreateTC(c *gin.Context) {
	var req createTCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var tc *sched.TrafficClass
	var err error
	switch req.Policy {
	case "priority":
		tc, err = s.pipeline.CreatePriorityTC(req.Name)
	case "weighted_fair":
		resource, _ := sched.ParseResource(req.ShareResource)
		tc, err = s.pipeline.CreateWeightedFairTC(req.Name, resource)
	case "round_robin":
		tc, err = s.pipeline.CreateRoundRobinTC(req.Name)
	case "rate_limit":
		resource, _ := sched.ParseResource(req.ShareResource)
		tscHz := req.TSCHz
		if tscHz == 0 {
			tscHz = sched.NanoClockHz
		}
		tc, err = s.pipeline.CreateRateLimitTC(req.Name, resource, req.Limit, req.MaxBurst, tscHz)
	case "leaf":
		tc, err = s.pipeline.CreateLeafTC(req.Name, req.Module, req.Arg)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown policy " + req.Policy})
		return
	}
	if err != nil {
		writeErr(c, err)
		return
	}

	if req.Parent != "" {
		if err := s.pipeline.AttachToParent(req.Name, req.Parent); err != nil {
			writeErr(c, err)
			return
		}
	} else if req.Worker != nil {
		if err := s.pipeline.AttachToWorker(req.Name, *req.Worker); err != nil {
			writeErr(c, err)
			return
		}
	}
	_ = tc
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

func (s *Server) handleListTCs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"traffic_classes": s.pipeline.TrafficClassNames()})
}

func (s *Server) handleTCStats(c *gin.Context) {
	tc, ok := s.pipeline.TrafficClass(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "traffic class not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          tc.Name,
		"blocked":       tc.Blocked,
		"cnt_throttled": tc.CntThrottled,
		"usage": gin.H{
			"count":   tc.Stats.Count,
			"cycles":  tc.Stats.Cycles,
			"packets": tc.Stats.Packets,
			"bits":    tc.Stats.Bits,
		},
	})
}

type createModuleRequest struct {
	Name   string         `json:"name" binding:"required"`
	Class  string         `json:"class" binding:"required"`
	Config map[string]any `json:"config"`
}

func (s *Server) handleCreateModule(c *gin.Context) {
	var req createModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.pipeline.CreateModule(req.Name, req.Class, req.Config); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

func (s *Server) handleDestroyModule(c *gin.Context) {
	if err := s.pipeline.DestroyModule(c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

type connectRequest struct {
	Src       string `json:"src" binding:"required"`
	OGate     int    `json:"ogate"`
	Dst       string `json:"dst" binding:"required"`
	IGate     int    `json:"igate"`
	Mergeable bool   `json:"mergeable"`
}

func (s *Server) handleConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pipeline.ConnectModules(req.Src, req.OGate, req.Dst, req.IGate); err != nil {
		writeErr(c, err)
		return
	}
	if req.Mergeable {
		if err := s.pipeline.SetMergeable(req.Dst, req.IGate, true); err != nil {
			writeErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

type disconnectRequest struct {
	Src   string `json:"src" binding:"required"`
	OGate int    `json:"ogate"`
}

func (s *Server) handleDisconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pipeline.DisconnectModules(req.Src, req.OGate); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type tcpdumpRequest struct {
	FIFOPath string `json:"fifo_path" binding:"required"`
}

func (s *Server) handleTcpdumpEnable(c *gin.Context) {
	ogate, err := strconv.Atoi(c.Param("ogate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ogate index"})
		return
	}
	var req tcpdumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.pipeline.EnableTcpdump(c.Param("module"), ogate, req.FIFOPath); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) handleTcpdumpDisable(c *gin.Context) {
	ogate, err := strconv.Atoi(c.Param("ogate"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ogate index"})
		return
	}
	if err := s.pipeline.DisableTcpdump(c.Param("module"), ogate); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}
