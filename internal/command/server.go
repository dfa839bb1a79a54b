// Package command implements spec.md §6's request/response command
// surface consumed by the desktop UI and the browser-extension bridge,
// plus a Prometheus /metrics endpoint and the PBKDF2 API-key gate.
//
// Grounded on the teacher's internal/server/server.go (a Server struct
// wrapping an http.ServeMux) and internal/server/ai.go (gin.Context
// handlers already present for a handful of endpoints); here the whole
// surface moves onto gin-gonic/gin, already partially used by the
// teacher, generalized into one consistent router instead of a stdlib
// mux/gin mix.
package command

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/crane-dl/crane/internal/analyzer"
	"github.com/crane-dl/crane/internal/config"
	"github.com/crane-dl/crane/internal/craneerr"
	"github.com/crane-dl/crane/internal/diskspace"
	"github.com/crane-dl/crane/internal/engine"
	"github.com/crane-dl/crane/internal/metrics"
	"github.com/crane-dl/crane/internal/model"
	"github.com/crane-dl/crane/internal/planner"
	"github.com/crane-dl/crane/internal/progress"
	"github.com/crane-dl/crane/internal/queue"
	"github.com/crane-dl/crane/internal/storage"
)

// Server wires every SPEC_FULL.md command-surface collaborator into a
// gin.Engine.
type Server struct {
	cfg      *config.Config
	store    *storage.Store
	analyzer *analyzer.Analyzer
	hub      *progress.Hub
	queue    *queue.Manager
	engine   engine.Deps
	metrics  *metrics.Registry
	log      *logrus.Entry

	mu          sync.Mutex
	coordinators map[string]*engine.Coordinator

	Router *gin.Engine
}

// New builds the command surface. engineDeps is shared across every
// Coordinator this server spawns.
func New(cfg *config.Config, store *storage.Store, az *analyzer.Analyzer, hub *progress.Hub, engineDeps engine.Deps, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	reg := prometheus.NewRegistry()
	reg2 := metrics.New(reg)
	engineDeps.Metrics = reg2
	s := &Server{
		cfg:          cfg,
		store:        store,
		analyzer:     az,
		hub:          hub,
		engine:       engineDeps,
		metrics:      reg2,
		log:          log,
		coordinators: make(map[string]*engine.Coordinator),
	}
	s.queue = queue.New(store, s, cfg.MaxConcurrent, log)
	for origin, ss := range cfg.SiteSettings {
		eff := (&model.SiteSetting{MaxConnections: ss.MaxConnections}).EffectiveMaxConnections(cfg.ConnectionsPerDownload)
		s.queue.SetSiteMax(origin, eff)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.authMiddleware())

	r.POST("/analyze_url", s.handleAnalyzeURL)
	r.POST("/add_download", s.handleAddDownload)
	r.POST("/pause_download", s.handlePause)
	r.POST("/resume_download", s.handleResume)
	r.POST("/cancel_download", s.handleCancel)
	r.POST("/retry_download", s.handleRetry)
	r.POST("/delete_download", s.handleDelete)
	r.GET("/get_downloads", s.handleGetDownloads)
	r.GET("/get_download", s.handleGetDownload)
	r.GET("/subscribe_progress", s.handleSubscribeProgress)
	r.POST("/pause_all", s.handlePauseAll)
	r.POST("/resume_all", s.handleResumeAll)
	r.POST("/delete_completed", s.handleDeleteCompleted)
	r.GET("/get_disk_space", s.handleGetDiskSpace)
	r.GET("/get_app_info", s.handleGetAppInfo)
	r.GET("/get_config_path", s.handleGetConfigPath)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	s.Router = r
	return s
}

// Bootstrap runs the queue manager's auto-resume pass, per spec.md §4.8.
func (s *Server) Bootstrap(ctx context.Context) error {
	rows, err := s.queue.AutoResume(ctx)
	s.metrics.QueuedDownloads.Add(float64(len(rows)))
	return err
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Server.APIKeyHash == "" {
			c.Next()
			return
		}
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" || !VerifyAPIKey(key, s.cfg.Server.APIKeyHash, s.cfg.Server.APIKeySalt) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type errorEnvelope struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, err error) {
	ce, _ := craneerr.As(err)
	status := http.StatusInternalServerError
	if ce != nil {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": errorEnvelope{Kind: string(craneerr.KindOf(err)), Message: err.Error()}})
}

// --- analyze_url ---

type analyzeURLRequest struct {
	URL     string            `json:"url" binding:"required"`
	Headers map[string]string `json:"headers"`
}

func (s *Server) handleAnalyzeURL(c *gin.Context) {
	var req analyzeURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.analyzer.Analyze(c.Request.Context(), req.URL, req.Headers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- add_download ---

type addDownloadOptions struct {
	SaveDir      string            `json:"saveDir"`
	Connections  int               `json:"connections"`
	Headers      map[string]string `json:"headers"`
	Referrer     string            `json:"referrer"`
	Cookies      string            `json:"cookies"`
	UserAgent    string            `json:"userAgent"`
	ExpectedHash string            `json:"expectedHash"`
}

type addDownloadRequest struct {
	URL     string              `json:"url" binding:"required"`
	Options addDownloadOptions  `json:"options"`
}

func (s *Server) handleAddDownload(c *gin.Context) {
	var req addDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, _, err := s.AddDownload(c.Request.Context(), req.URL, req.Options)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// AddDownload implements spec.md §6's add_download plus the native-bridge
// dedup rule: a pending/active download with the same URL is returned as
// the existing id instead of creating a duplicate. Completed and failed
// downloads never deduplicate (spec.md §6).
func (s *Server) AddDownload(ctx context.Context, url string, opts addDownloadOptions) (id string, deduped bool, err error) {
	existing, err := s.store.ListDownloads(ctx)
	if err == nil {
		for _, d := range existing {
			if d.URL == url && !d.Status.Terminal() {
				return d.ID, true, nil
			}
		}
	}

	res, err := s.analyzer.Analyze(ctx, url, opts.Headers)
	if err != nil {
		return "", false, err
	}

	saveDir := opts.SaveDir
	if saveDir == "" {
		saveDir = s.cfg.OutputDir
	}
	conns := opts.Connections
	if conns <= 0 {
		conns = s.cfg.ConnectionsPerDownload
	}

	now := time.Now()
	d := &model.Download{
		ID: uuid.NewString(), URL: url, Filename: res.Filename, SaveDir: saveDir,
		Total: res.TotalSize, Status: model.StatusCreated, Category: res.Category,
		Resumable: res.Resumable, Connections: conns, Headers: opts.Headers,
		Referrer: opts.Referrer, Cookies: opts.Cookies, UserAgent: opts.UserAgent,
		ExpectedHash: opts.ExpectedHash, CreatedAt: now, UpdatedAt: now, AutoResume: true,
	}

	if err := s.store.InsertDownload(ctx, d); err != nil {
		return "", false, err
	}
	s.queue.Enqueue(ctx, d)
	s.metrics.QueuedDownloads.Inc()
	return d.ID, false, nil
}

// --- StartDownload: queue.Starter implementation ---

// StartDownload plans chunks, persists the plan, and launches an
// engine.Coordinator, fulfilling the queue.Starter contract. Every start
// plans afresh with zeroed chunk offsets, so chunk progress persisted by an
// earlier run is not reused and a resumed download restarts from byte 0.
func (s *Server) StartDownload(ctx context.Context, d *model.Download) {
	s.metrics.QueuedDownloads.Dec()
	s.metrics.ActiveDownloads.Inc()
	chunks := planner.Plan(d.ID, d.Total, d.Connections, d.Resumable)
	if err := os.MkdirAll(d.SaveDir, 0o755); err != nil {
		d.Status = model.StatusFailed
		d.ErrorKind = string(craneerr.PermissionDenied)
		d.ErrorMessage = err.Error()
		s.store.UpdateDownloadState(ctx, d)
		s.metrics.ActiveDownloads.Dec()
		s.metrics.DownloadsFailed.Inc()
		s.queue.Release(ctx, d.ID)
		return
	}
	if err := s.store.ReplaceChunks(ctx, d.ID, chunks); err != nil {
		s.log.WithError(err).Error("failed to persist chunk plan")
		s.metrics.ActiveDownloads.Dec()
		s.queue.Release(ctx, d.ID)
		return
	}

	coord := engine.New(s.engine, d, chunks, func(fd *model.Download) {
		s.mu.Lock()
		delete(s.coordinators, fd.ID)
		s.mu.Unlock()

		s.metrics.ActiveDownloads.Dec()
		switch fd.Status {
		case model.StatusQueued:
			s.metrics.QueuedDownloads.Inc()
			s.queue.Requeue(ctx, fd)
		default:
			s.queue.Release(ctx, fd.ID)
		}
	})

	s.mu.Lock()
	s.coordinators[d.ID] = coord
	s.mu.Unlock()

	go coord.Run(context.Background())
}

func (s *Server) coordinatorFor(id string) (*engine.Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coordinators[id]
	return c, ok
}

// --- pause/resume/cancel/retry ---

type idRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) handlePause(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if coord, ok := s.coordinatorFor(req.ID); ok {
		coord.Pause()
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleResume(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.store.GetDownload(c.Request.Context(), req.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.queue.Enqueue(c.Request.Context(), d)
	s.metrics.QueuedDownloads.Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if coord, ok := s.coordinatorFor(req.ID); ok {
		coord.Cancel(c.Request.Context(), false)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRetry(c *gin.Context) {
	var req idRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.store.GetDownload(c.Request.Context(), req.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	d.RetryCount = 0
	d.ErrorKind = ""
	d.ErrorMessage = ""
	s.queue.Enqueue(c.Request.Context(), d)
	s.metrics.QueuedDownloads.Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- delete_download ---

type deleteDownloadRequest struct {
	ID         string `json:"id" binding:"required"`
	DeleteFile bool   `json:"deleteFile"`
}

func (s *Server) handleDelete(c *gin.Context) {
	var req deleteDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if coord, ok := s.coordinatorFor(req.ID); ok {
		coord.Cancel(c.Request.Context(), req.DeleteFile)
	} else if req.DeleteFile {
		if d, err := s.store.GetDownload(c.Request.Context(), req.ID); err == nil {
			os.Remove(filepath.Join(d.SaveDir, d.Filename))
		}
	}
	if err := s.store.DeleteDownload(c.Request.Context(), req.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- get_downloads / get_download ---

func (s *Server) handleGetDownloads(c *gin.Context) {
	rows, err := s.store.ListDownloads(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	id := c.Query("id")
	d, err := s.store.GetDownload(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// --- subscribe_progress (server-sent events) ---

func (s *Server) handleSubscribeProgress(c *gin.Context) {
	id := c.Query("id")
	ch := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(id, ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w http.ResponseWriter) bool {
		select {
		case sample, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", sample)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// --- pause_all / resume_all / delete_completed ---

func (s *Server) handlePauseAll(c *gin.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.coordinators))
	for id, coord := range s.coordinators {
		coord.Pause()
		ids = append(ids, id)
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

func (s *Server) handleResumeAll(c *gin.Context) {
	rows, err := s.store.ListByStatus(c.Request.Context(), model.StatusPaused)
	if err != nil {
		writeError(c, err)
		return
	}
	ids := make([]string, 0, len(rows))
	for _, d := range rows {
		s.queue.Enqueue(c.Request.Context(), d)
		s.metrics.QueuedDownloads.Inc()
		ids = append(ids, d.ID)
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

func (s *Server) handleDeleteCompleted(c *gin.Context) {
	rows, err := s.store.ListByStatus(c.Request.Context(), model.StatusCompleted)
	if err != nil {
		writeError(c, err)
		return
	}
	count := 0
	for _, d := range rows {
		if err := s.store.DeleteDownload(c.Request.Context(), d.ID); err == nil {
			count++
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// --- disk space / app info / config path ---

func (s *Server) handleGetDiskSpace(c *gin.Context) {
	dir := c.Query("path")
	if dir == "" {
		dir = s.cfg.OutputDir
	}
	info, err := diskspace.Query(dir)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleGetAppInfo(c *gin.Context) {
	dataDir, err := config.DataDir()
	if err != nil {
		writeError(c, err)
		return
	}
	configPath, err := config.ConfigPath()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          "crane",
		"dataDir":       dataDir,
		"configPath":    configPath,
		"maxConcurrent": s.cfg.MaxConcurrent,
	})
}

func (s *Server) handleGetConfigPath(c *gin.Context) {
	path, err := config.ConfigPath()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}
