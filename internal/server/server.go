package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/health"
	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/pipeline"
	"github.com/spigell/mentor-matcher/internal/profile"
	"github.com/spigell/mentor-matcher/internal/record"
	"github.com/spigell/mentor-matcher/internal/store"
)

const DefaultAddr = ":8080"

// Matcher computes a record from two raw submissions.
type Matcher interface {
	MatchSubmissions(ctx context.Context, applicant, mentor profile.Submission) (record.MatchRecord, error)
	Describe() []pipeline.Status
}

// Records reads stored records and appends review notes.
type Records interface {
	Get(ctx context.Context, id string) (record.MatchRecord, error)
	List(ctx context.Context, f store.Filter) ([]record.MatchRecord, error)
	AppendNote(ctx context.Context, id string, n record.Note) (record.MatchRecord, error)
}

// HealthReader exposes the latest provider statuses.
type HealthReader interface {
	Snapshot() []health.Status
}

type Config struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

type Handler struct {
	matcher Matcher
	records Records
	health  HealthReader
	logger  *zap.Logger
}

func NewHandler(matcher Matcher, records Records, health HealthReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{matcher: matcher, records: records, health: health, logger: logger}
}

// NewRouter wires the handler routes. Record routes are only registered when
// a store is configured.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/matches", h.CreateMatch)
		v1.GET("/pipeline", h.Pipeline)
		v1.GET("/providers/health", h.ProvidersHealth)

		if h.records != nil {
			v1.GET("/matches", h.ListMatches)
			v1.GET("/matches/:id", h.GetMatch)
			v1.POST("/matches/:id/notes", h.AddNote)
		}
	}

	return r
}

type CreateMatchRequest struct {
	Applicant profile.Submission `json:"applicant"`
	Mentor    profile.Submission `json:"mentor"`
}

func (h *Handler) CreateMatch(c *gin.Context) {
	var req CreateMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	rec, err := h.matcher.MatchSubmissions(c.Request.Context(), req.Applicant, req.Mentor)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidSubmission) {
			writeError(c, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("match failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) GetMatch(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListMatches(c *gin.Context) {
	f := store.Filter{Status: merge.Status(c.Query("status"))}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		f.Limit = limit
	}

	recs, err := h.records.List(c.Request.Context(), f)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if recs == nil {
		recs = []record.MatchRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"items": recs, "count": len(recs)})
}

type AddNoteRequest struct {
	Author string `json:"author"`
	Text   string `json:"text" binding:"required"`
}

func (h *Handler) AddNote(c *gin.Context) {
	var req AddNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	rec, err := h.records.AppendNote(c.Request.Context(), c.Param("id"), record.Note{Author: req.Author, Text: req.Text})
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ProvidersHealth(c *gin.Context) {
	statuses := []health.Status{}
	if h.health != nil {
		statuses = append(statuses, h.health.Snapshot()...)
	}
	c.JSON(http.StatusOK, gin.H{"providers": statuses})
}

func (h *Handler) Pipeline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stages": h.matcher.Describe()})
}

func (h *Handler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(c, http.StatusNotFound, err)
	case errors.Is(err, record.ErrEmptyNote):
		writeError(c, http.StatusBadRequest, err)
	default:
		h.logger.Error("store request failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, err)
	}
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// Serve runs the router until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, cfg Config, handler http.Handler, logger *zap.Logger) error {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
