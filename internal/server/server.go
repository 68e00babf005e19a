// Package server exposes the studio and the pipeline over a loopback HTTP
// API, with notifications streamed as server-sent events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/manash/imgstudio/internal/image"
	"github.com/manash/imgstudio/internal/pipeline"
	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/internal/studio"
	"github.com/manash/imgstudio/pkg/models"
)

// ConfirmHeader carries the answer to destructive-action confirmations.
const ConfirmHeader = "X-Confirm"

type confirmKey struct{}

func withConfirm(ctx context.Context, ok bool) context.Context {
	return context.WithValue(ctx, confirmKey{}, ok)
}

// HeaderConfirmer answers studio confirmations from the X-Confirm header of
// the request that triggered them. Anything but "true" declines.
var HeaderConfirmer = studio.ConfirmFunc(func(ctx context.Context, _ string) bool {
	ok, _ := ctx.Value(confirmKey{}).(bool)
	return ok
})

type Config struct {
	Studio    *studio.Studio
	Evaluator *pipeline.Evaluator
	Hub       *Hub
	Logger    *slog.Logger
}

type Server struct {
	studio    *studio.Studio
	evaluator *pipeline.Evaluator
	hub       *Hub
	logger    *slog.Logger
	engine    *gin.Engine
}

func New(cfg Config) (*Server, error) {
	if err := registerValidations(); err != nil {
		return nil, err
	}
	s := &Server{
		studio:    cfg.Studio,
		evaluator: cfg.Evaluator,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "server")
	if s.hub == nil {
		s.hub = NewHub()
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.logRequests)
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() {
	api := s.engine.Group("/api")

	api.GET("/state", s.state)
	api.PUT("/form", s.updateForm)
	api.POST("/uploads", s.upload)
	api.DELETE("/uploads/:index", s.removeUpload)
	api.POST("/generate", s.generate)

	api.GET("/history", s.history)
	api.DELETE("/history", s.clearHistory)
	api.DELETE("/history/:id", s.deleteHistory)
	api.GET("/images/:id", s.download)

	api.POST("/preview/:id", s.openPreview)
	api.DELETE("/preview", s.closePreview)

	api.POST("/edit/open/:id", s.openEdit)
	api.POST("/edit/close", s.closeEdit)
	api.POST("/edit/run", s.runEdit)

	api.GET("/pipeline", s.pipeline)
	api.POST("/pipeline/nodes", s.addNode)
	api.PATCH("/pipeline/nodes/:id", s.updateNode)
	api.DELETE("/pipeline/nodes/:id", s.removeNode)
	api.POST("/pipeline/nodes/:id/run", s.runNode)
	api.POST("/pipeline/edges", s.connect)
	api.DELETE("/pipeline/edges/:id", s.disconnect)

	api.GET("/events", s.events)
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

// statusFor maps an error to an HTTP status. fallback applies to errors no
// rule matches, which for generation endpoints are remote failures.
func statusFor(err error, fallback int) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, studio.ErrBusy),
		errors.Is(err, studio.ErrEditBusy),
		errors.Is(err, pipeline.ErrNodeBusy):
		return http.StatusConflict
	case errors.Is(err, studio.ErrNotInHistory),
		errors.Is(err, pipeline.ErrNodeNotFound),
		errors.Is(err, pipeline.ErrEdgeNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrGenerationFailed),
		errors.Is(err, provider.ErrEditFailed),
		errors.Is(err, provider.ErrNoImage):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrEmptyPrompt),
		errors.Is(err, models.ErrInvalidResolution),
		errors.Is(err, models.ErrInvalidAspectRatio),
		errors.Is(err, models.ErrInvalidDataURL),
		errors.Is(err, image.ErrFileTooLarge),
		errors.Is(err, image.ErrUnsupportedImage),
		errors.Is(err, studio.ErrTooManyStaged),
		errors.Is(err, studio.ErrNoTarget),
		errors.Is(err, pipeline.ErrNoPrompt),
		errors.Is(err, pipeline.ErrNoSource),
		errors.Is(err, pipeline.ErrWrongKind),
		errors.Is(err, pipeline.ErrUnknownKind),
		errors.Is(err, pipeline.ErrCycle):
		return http.StatusBadRequest
	}
	return fallback
}

func (s *Server) fail(c *gin.Context, err error, fallback int) {
	status := statusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) lookup(c *gin.Context) (models.GeneratedImage, bool) {
	img, ok := s.studio.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": studio.ErrNotInHistory.Error()})
	}
	return img, ok
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.studio.Snapshot())
}

type formRequest struct {
	Prompt      *string            `json:"prompt"`
	Resolution  models.Resolution  `json:"resolution" binding:"omitempty,resolution"`
	AspectRatio models.AspectRatio `json:"aspect_ratio" binding:"omitempty,aspect_ratio"`
}

func (s *Server) applyForm(req formRequest) error {
	if req.Prompt != nil {
		s.studio.SetPrompt(*req.Prompt)
	}
	if req.Resolution != "" {
		if err := s.studio.SetResolution(req.Resolution); err != nil {
			return err
		}
	}
	if req.AspectRatio != "" {
		if err := s.studio.SetAspectRatio(req.AspectRatio); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) updateForm(c *gin.Context) {
	var req formRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.applyForm(req); err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusOK, s.studio.Form())
}

func (s *Server) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if fh.Size > image.MaxUploadBytes {
		s.fail(c, image.ErrFileTooLarge, http.StatusBadRequest)
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	defer f.Close()

	up, err := s.studio.StageUpload(f)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, up)
}

func (s *Server) removeUpload(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid index"})
		return
	}
	if !s.studio.RemoveStagedImage(index) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no staged image at index"})
		return
	}
	c.JSON(http.StatusOK, s.studio.Form())
}

func (s *Server) generate(c *gin.Context) {
	var req formRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.applyForm(req); err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}

	img, err := s.studio.Submit(c.Request.Context())
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) history(c *gin.Context) {
	c.JSON(http.StatusOK, s.studio.History())
}

func (s *Server) confirmed(c *gin.Context) context.Context {
	return withConfirm(c.Request.Context(), c.GetHeader(ConfirmHeader) == "true")
}

func (s *Server) deleteHistory(c *gin.Context) {
	img, ok := s.lookup(c)
	if !ok {
		return
	}
	removed, err := s.studio.DeleteHistoryEntry(s.confirmed(c), img)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

func (s *Server) clearHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": s.studio.ClearHistory(s.confirmed(c))})
}

func (s *Server) download(c *gin.Context) {
	img, ok := s.lookup(c)
	if !ok {
		return
	}
	mimeType, _, err := models.DecodeDataURL(img.URL)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", mimeType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", image.Filename(img)))
	c.Status(http.StatusOK)
	if err := s.studio.Download(c.Writer, img.URL); err != nil {
		s.logger.Warn("download failed", "id", img.ID, "error", err)
	}
}

func (s *Server) openPreview(c *gin.Context) {
	img, ok := s.lookup(c)
	if !ok {
		return
	}
	s.studio.OpenPreview(img)
	c.JSON(http.StatusOK, img)
}

func (s *Server) closePreview(c *gin.Context) {
	s.studio.ClosePreview()
	c.Status(http.StatusNoContent)
}

func (s *Server) openEdit(c *gin.Context) {
	img, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := s.studio.OpenEdit(img); err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, s.studio.EditState())
}

func (s *Server) closeEdit(c *gin.Context) {
	if !s.studio.RequestCloseEdit() {
		s.fail(c, studio.ErrEditBusy, http.StatusConflict)
		return
	}
	c.JSON(http.StatusOK, s.studio.EditState())
}

type editRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) runEdit(c *gin.Context) {
	var req editRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	img, err := s.studio.RunEdit(c.Request.Context(), req.Prompt)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) graph() *pipeline.Graph {
	return s.evaluator.Graph()
}

func (s *Server) pipeline(c *gin.Context) {
	c.JSON(http.StatusOK, s.graph().Snapshot())
}

type nodeRequest struct {
	Kind pipeline.Kind `json:"kind" binding:"required"`
}

func (s *Server) addNode(c *gin.Context) {
	var req nodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := s.graph().AddNode(req.Kind)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, n)
}

type nodeUpdate struct {
	Text        *string            `json:"text"`
	Image       *string            `json:"image"`
	Resolution  models.Resolution  `json:"resolution" binding:"omitempty,resolution"`
	AspectRatio models.AspectRatio `json:"aspect_ratio" binding:"omitempty,aspect_ratio"`
}

func (s *Server) updateNode(c *gin.Context) {
	var req nodeUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.applyNode(c.Param("id"), req); err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	n, _ := s.graph().Node(c.Param("id"))
	c.JSON(http.StatusOK, n)
}

func (s *Server) applyNode(id string, req nodeUpdate) error {
	g := s.graph()
	if _, ok := g.Node(id); !ok {
		return pipeline.ErrNodeNotFound
	}
	if req.Text != nil {
		if err := g.SetText(id, *req.Text); err != nil {
			return err
		}
	}
	if req.Image != nil {
		if *req.Image != "" {
			if _, _, err := models.DecodeDataURL(*req.Image); err != nil {
				return err
			}
		}
		if err := g.SetImage(id, *req.Image); err != nil {
			return err
		}
	}
	if req.Resolution != "" || req.AspectRatio != "" {
		n, _ := g.Node(id)
		res, ratio := n.Data.Resolution, n.Data.AspectRatio
		if req.Resolution != "" {
			res = req.Resolution
		}
		if req.AspectRatio != "" {
			ratio = req.AspectRatio
		}
		if err := g.SetConfig(id, res, ratio); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) removeNode(c *gin.Context) {
	if err := s.graph().RemoveNode(c.Param("id")); err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) runNode(c *gin.Context) {
	id := c.Param("id")
	url, err := s.evaluator.RunNode(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway)
		return
	}
	n, _ := s.graph().Node(id)
	c.JSON(http.StatusOK, gin.H{"url": url, "node": n})
}

type edgeRequest struct {
	Source     string `json:"source" binding:"required"`
	SourcePort string `json:"source_port"`
	Target     string `json:"target" binding:"required"`
	TargetPort string `json:"target_port"`
}

func (s *Server) connect(c *gin.Context) {
	var req edgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SourcePort == "" {
		req.SourcePort = pipeline.PortOut
	}
	e, err := s.graph().Connect(req.Source, req.SourcePort, req.Target, req.TargetPort)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) disconnect(c *gin.Context) {
	if err := s.graph().Disconnect(c.Param("id")); err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}
