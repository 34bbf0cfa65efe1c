// Package api exposes the orchestrator over a small JSON HTTP interface.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/history"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/model"
	"github.com/knpwrs/hlsarchiver/internal/monitor"
	"github.com/knpwrs/hlsarchiver/internal/orchestrator"
)

// Processor is the part of the orchestrator the server drives.
type Processor interface {
	ProcessAssetWith(ctx context.Context, assetID int64, opts orchestrator.Options) (*orchestrator.ProcessingResult, error)
	ProcessBatch(ctx context.Context, assetIDs []int64, maxConcurrent int, opts orchestrator.Options) orchestrator.BatchSummary
	Record(ctx context.Context, assetID int64) (*model.ProcessingRecord, error)
	Stats() orchestrator.Stats
}

// RecordLister lists stored processing records.
type RecordLister interface {
	ListRecords(ctx context.Context, status model.ProcessingStatus, limit int) ([]*model.ProcessingRecord, error)
	CountByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error)
}

// Server wraps an echo instance with the status and control routes.
type Server struct {
	echo      *echo.Echo
	processor Processor
	health    orchestrator.HealthGate
	records   RecordLister
	log       *logger.Logger
}

// New creates a Server. health and records may be nil; the routes that
// depend on them report 503.
func New(processor Processor, health orchestrator.HealthGate, records RecordLister, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		echo:      echo.New(),
		processor: processor,
		health:    health,
		records:   records,
		log:       log,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debugf("%s %s -> %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))

	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/stats", s.handleStats)
	s.echo.GET("/records", s.handleListRecords)
	s.echo.GET("/records/:id", s.handleGetRecord)
	s.echo.POST("/assets/:id", s.handleProcessAsset)
	s.echo.POST("/batches", s.handleProcessBatch)
	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Infof("Status API listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for open requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Healthy    bool                 `json:"healthy"`
	Violations []string             `json:"violations"`
	Status     monitor.SystemStatus `json:"status"`
}

// handleHealth runs a fresh health check. It answers 503 when unhealthy.
func (s *Server) handleHealth(c echo.Context) error {
	if s.health == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "health monitor not configured"})
	}
	status, healthy, violations := s.health.Check()
	if violations == nil {
		violations = []string{}
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, healthResponse{Healthy: healthy, Violations: violations, Status: status})
}

func (s *Server) handleStats(c echo.Context) error {
	resp := map[string]any{"run": s.processor.Stats()}
	if s.records != nil {
		counts, err := s.records.CountByStatus(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		resp["records"] = counts
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRecords(c echo.Context) error {
	if s.records == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "record store not configured"})
	}

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := model.ProcessingStatus(c.QueryParam("status"))

	records, err := s.records.ListRecords(c.Request().Context(), status, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if records == nil {
		records = []*model.ProcessingRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) handleGetRecord(c echo.Context) error {
	id, err := assetID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	record, err := s.processor.Record(c.Request().Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "record not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, record)
}

type processResponse struct {
	AssetID        int64                   `json:"assetId"`
	ProcessingID   string                  `json:"processingId,omitempty"`
	Status         model.ProcessingStatus  `json:"status"`
	StepsCompleted []string                `json:"stepsCompleted"`
	LastStep       string                  `json:"lastStep"`
	Error          string                  `json:"error,omitempty"`
	Files          []model.StorageMetadata `json:"files,omitempty"`
	QualityErrors  map[string]string       `json:"qualityErrors,omitempty"`
	DurationMs     int64                   `json:"durationMs"`
}

// handleProcessAsset processes one asset synchronously. The optional quality
// query parameter is a comma separated list of labels overriding the
// configured selection. Processing outlives a dropped client connection.
func (s *Server) handleProcessAsset(c echo.Context) error {
	id, err := assetID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	opts := orchestrator.Options{Qualities: splitList(c.QueryParam("quality"))}

	ctx := context.WithoutCancel(c.Request().Context())
	result, err := s.processor.ProcessAssetWith(ctx, id, opts)
	resp := processResponse{
		AssetID:        result.AssetID,
		ProcessingID:   result.ProcessingID,
		Status:         result.Status,
		StepsCompleted: result.StepsCompleted,
		LastStep:       result.LastStep,
		Files:          result.Files,
		QualityErrors:  result.QualityErrors,
		DurationMs:     result.Duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(statusFor(err), resp)
}

type batchRequest struct {
	AssetIDs      []int64  `json:"assetIds"`
	MaxConcurrent int      `json:"maxConcurrent"`
	Qualities     []string `json:"qualities"`
}

func (s *Server) handleProcessBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if len(req.AssetIDs) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "assetIds must not be empty"})
	}
	ctx := context.WithoutCancel(c.Request().Context())
	opts := orchestrator.Options{Qualities: req.Qualities}
	return c.JSON(http.StatusOK, s.processor.ProcessBatch(ctx, req.AssetIDs, req.MaxConcurrent, opts))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func assetID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("asset id must be a positive integer")
	}
	return id, nil
}

// statusFor maps a processing error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case apperr.IsKind(err, apperr.KindExtraction):
		return http.StatusNotFound
	case apperr.IsKind(err, apperr.KindQualityNotFound):
		return http.StatusUnprocessableEntity
	case apperr.IsKind(err, apperr.KindProcessing):
		return http.StatusServiceUnavailable
	case apperr.IsKind(err, apperr.KindNetwork), apperr.IsKind(err, apperr.KindPlaylist), apperr.IsKind(err, apperr.KindFragment):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
