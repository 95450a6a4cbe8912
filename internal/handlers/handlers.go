// Package handlers exposes capture sessions over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-capture/internal/auth"
	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/recognition"
	"github.com/example/face-capture/internal/recovery"
	"github.com/example/face-capture/internal/usecase"
)

// MaxUploadSize is the default limit for a single uploaded image.
const MaxUploadSize = 20 << 20

// IdentityLister lists registered identities. *httpclient.Client satisfies it.
type IdentityLister interface {
	ListIdentities(ctx context.Context) recognition.Listing
}

// Options configures the handler set. Lister, FormStore and Health may be nil.
type Options struct {
	MaxUploadSize  int64
	Lister         IdentityLister
	FormStore      recovery.Store
	FormKeyPrefix  string
	Health         func(ctx context.Context) (bool, map[string]string)
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// Handler serves the session API.
type Handler struct {
	manager *usecase.Manager
	opts    Options
	logger  *zap.Logger
}

// New creates a handler over manager.
func New(manager *usecase.Manager, opts Options) *Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = MaxUploadSize
	}
	if opts.FormKeyPrefix == "" {
		opts.FormKeyPrefix = "form-recovery"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{manager: manager, opts: opts, logger: opts.Logger.Named("handlers")}
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, h *Handler, authMiddleware gin.HandlerFunc) {
	router.GET("/health", h.health)
	if h.opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(h.opts.MetricsHandler))
	}

	api := router.Group("/api/v1", authMiddleware)
	api.POST("/sessions", h.openSession)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.closeSession)
	api.POST("/sessions/:id/mode", h.selectMode)
	api.POST("/sessions/:id/facing", h.switchFacing)
	api.POST("/sessions/:id/captures", h.addCapture)
	api.POST("/sessions/:id/frames", h.pushFrame)
	api.POST("/sessions/:id/burst", h.startBurst)
	api.DELETE("/sessions/:id/burst", h.cancelBurst)
	api.POST("/sessions/:id/submit", h.submit)
	api.POST("/sessions/:id/reset", h.reset)
	api.GET("/sessions/:id/result", h.getResult)
	api.GET("/identities", h.listIdentities)
	api.GET("/form", h.getForm)
	api.PUT("/form", h.putForm)
	api.GET("/summary", h.summary)
}

func (h *Handler) health(c *gin.Context) {
	if h.opts.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ok, deps := h.opts.Health(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "dependencies": deps})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "dependencies": deps})
}

type openSessionRequest struct {
	Purpose string `json:"purpose"`
}

func (h *Handler) openSession(c *gin.Context) {
	operatorID := operator(c)
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s, err := h.manager.Open(operatorID, recognition.Purpose(req.Purpose))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSnapshotResponse(s.Snapshot()))
}

func (h *Handler) session(c *gin.Context) (*usecase.Session, bool) {
	s, err := h.manager.Get(operator(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) getSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(s.Snapshot()))
}

func (h *Handler) closeSession(c *gin.Context) {
	if err := h.manager.Close(operator(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type modeRequest struct {
	Mode   string `json:"mode"`
	Facing string `json:"facing"`
}

func (h *Handler) selectMode(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	mode := capture.Mode(req.Mode)
	if mode != capture.ModeUpload && mode != capture.ModeWebcam {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be upload or webcam"})
		return
	}
	if err := s.SelectMode(c.Request.Context(), mode, capture.Facing(req.Facing)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(s.Snapshot()))
}

func (h *Handler) switchFacing(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Facing == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "facing is required"})
		return
	}
	if err := s.SwitchFacing(c.Request.Context(), capture.Facing(req.Facing)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(s.Snapshot()))
}

// readImage reads the "image" form file, enforcing the upload limit and
// sniffing its content type. It writes the error response itself.
func (h *Handler) readImage(c *gin.Context) (capture.RawCapture, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadSize+(1<<20))

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
			return capture.RawCapture{}, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return capture.RawCapture{}, false
	}
	if file.Size > h.opts.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
		return capture.RawCapture{}, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return capture.RawCapture{}, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.opts.MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return capture.RawCapture{}, false
	}
	if int64(len(data)) > h.opts.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
		return capture.RawCapture{}, false
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") || detected.Is("image/svg+xml") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type " + detected.String()})
		return capture.RawCapture{}, false
	}

	origin := capture.OriginUpload
	if c.PostForm("origin") == string(capture.OriginWebcamSingle) {
		origin = capture.OriginWebcamSingle
	}
	return capture.RawCapture{
		Data:       data,
		MIMEType:   detected.String(),
		Origin:     origin,
		CapturedAt: time.Now().UTC(),
	}, true
}

func (h *Handler) addCapture(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	raw, ok := h.readImage(c)
	if !ok {
		return
	}
	if err := s.AddCapture(raw); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(s.Snapshot()))
}

func (h *Handler) pushFrame(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	raw, ok := h.readImage(c)
	if !ok {
		return
	}
	raw.Origin = capture.OriginWebcamBurst
	if err := s.PushFrame(raw); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) startBurst(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	// The burst outlives this request; it is bounded by the session instead.
	if _, err := s.StartBurst(context.WithoutCancel(c.Request.Context())); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toSnapshotResponse(s.Snapshot()))
}

func (h *Handler) cancelBurst(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.CancelBurst()
	c.JSON(http.StatusOK, toSnapshotResponse(s.Snapshot()))
}

type submitRequest struct {
	Name          string            `json:"name"`
	Fields        map[string]string `json:"fields"`
	GuardianChild map[string]any    `json:"guardian_child"`
}

func (h *Handler) submit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req submitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	result, err := s.Submit(c.Request.Context(), recognition.Metadata{
		Name:          req.Name,
		Fields:        req.Fields,
		GuardianChild: req.GuardianChild,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": toSnapshotResponse(s.Snapshot()),
		"result":  toResultResponse(&result),
	})
}

func (h *Handler) reset(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.Reset()
	c.JSON(http.StatusOK, toSnapshotResponse(s.Snapshot()))
}

func (h *Handler) getResult(c *gin.Context) {
	result, err := h.manager.GetResult(c.Request.Context(), operator(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) listIdentities(c *gin.Context) {
	if h.opts.Lister == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "identity listing is not configured"})
		return
	}
	listing := h.opts.Lister.ListIdentities(c.Request.Context())
	if listing.Cause != nil && !listing.Degraded {
		c.JSON(http.StatusBadGateway, gin.H{"error": recognition.UserMessage(listing.Cause, false)})
		return
	}
	identities := listing.Identities
	if identities == nil {
		identities = []recognition.Identity{}
	}
	c.JSON(http.StatusOK, gin.H{
		"identities": identities,
		"total":      listing.Total,
		"degraded":   listing.Degraded,
	})
}

func (h *Handler) form(c *gin.Context) (*recovery.FormController, bool) {
	if h.opts.FormStore == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "form recovery is not configured"})
		return nil, false
	}
	return recovery.NewFormController(c.Request.Context(), h.opts.FormStore, h.opts.FormKeyPrefix, operator(c), nil, h.logger), true
}

func (h *Handler) getForm(c *gin.Context) {
	form, ok := h.form(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": form.Values()})
}

type formFieldRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (h *Handler) putForm(c *gin.Context) {
	form, ok := h.form(c)
	if !ok {
		return
	}
	var req formFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
		return
	}
	if err := form.Set(c.Request.Context(), req.Field, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": form.Values()})
}

func (h *Handler) summary(c *gin.Context) {
	summary, err := h.manager.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func operator(c *gin.Context) string {
	id, _ := auth.GetOperatorID(c.Request.Context())
	return id
}

// fail maps pipeline errors to HTTP responses with a user-facing message.
func (h *Handler) fail(c *gin.Context, err error) {
	var (
		validation *recognition.ValidationError
		stage      *usecase.StageError
		device     *recognition.DeviceError
	)
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message, "field": validation.Field})
	case errors.Is(err, usecase.ErrSubmitInFlight), errors.Is(err, usecase.ErrBurstRunning),
		errors.Is(err, usecase.ErrStaleResult), errors.Is(err, usecase.ErrNoDevice), errors.As(err, &stage):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.As(err, &device):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": recognition.UserMessage(err, false)})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": recognition.UserMessage(err, false)})
	}
}
