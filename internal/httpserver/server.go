package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/control"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// Controller is the command surface required by the HTTP API.
type Controller interface {
	Backup(ctx context.Context, sink model.ProgressSink) control.JobResult
	Restore(ctx context.Context, sink model.ProgressSink) control.JobResult
	Cancel(category string) (bool, error)
	Status(ctx context.Context) control.Status
	Settings() model.Settings
	SaveSettings(ctx context.Context, u control.SettingsUpdate) (model.Settings, error)
	SetSnapshotID(ctx context.Context, id string) (model.Settings, error)
	ListLinks(ctx context.Context) ([]model.Link, error)
	AddLink(ctx context.Context, link model.Link) (model.Link, error)
	WipeLinks(ctx context.Context) (control.WipeResult, error)
}

// Server provides the HTTP API for the sync daemon.
type Server struct {
	addr      string
	ctl       Controller
	log       logrus.FieldLogger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, ctl Controller, log logrus.FieldLogger) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		ctl:    ctl,
		log:    log.WithField("component", "httpserver"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.routes(r)

	s.server = &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// backups and restores are answered when they finish
		WriteTimeout: 10 * time.Minute,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("serve")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) routes(r *gin.Engine) {
	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)

	api.POST("/backup", s.handleBackup)
	api.POST("/restore", s.handleRestore)
	api.POST("/cancel/:category", s.handleCancel)

	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
	api.PUT("/settings/snapshot-id", s.handlePutSnapshotID)

	api.GET("/links", s.handleListLinks)
	api.POST("/links", s.handleAddLink)
	api.DELETE("/links", s.handleWipeLinks)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status(c.Request.Context()))
}

func (s *Server) handleBackup(c *gin.Context) {
	res := s.ctl.Backup(c.Request.Context(), nil)
	c.JSON(jobStatus(res), res)
}

func (s *Server) handleRestore(c *gin.Context) {
	res := s.ctl.Restore(c.Request.Context(), nil)
	c.JSON(jobStatus(res), res)
}

func (s *Server) handleCancel(c *gin.Context) {
	cancelled, err := s.ctl.Cancel(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Settings())
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var req control.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	settings, err := s.ctl.SaveSettings(c.Request.Context(), req)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSnapshotID(c *gin.Context) {
	var req struct {
		SnapshotID *string `json:"snapshot_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing snapshot_id field"})
		return
	}
	settings, err := s.ctl.SetSnapshotID(c.Request.Context(), *req.SnapshotID)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleListLinks(c *gin.Context) {
	links, err := s.ctl.ListLinks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list links"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"links": links, "count": len(links)})
}

func (s *Server) handleAddLink(c *gin.Context) {
	var req struct {
		Title  string `json:"title"`
		URL    string `json:"url" binding:"required"`
		Note   string `json:"note"`
		Folder string `json:"folder"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing url field"})
		return
	}
	link, err := s.ctl.AddLink(c.Request.Context(), model.Link{
		Title:  req.Title,
		URL:    req.URL,
		Note:   req.Note,
		Folder: req.Folder,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, link)
}

func (s *Server) handleWipeLinks(c *gin.Context) {
	res, err := s.ctl.WipeLinks(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("wipe links")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func jobStatus(res control.JobResult) int {
	switch res.Outcome {
	case model.OutcomeSuccess.String():
		return http.StatusOK
	case model.OutcomeRetry.String():
		return http.StatusServiceUnavailable
	case model.OutcomeCancelled.String():
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func errorStatus(err error) int {
	if errors.Is(err, model.ErrConfig) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
