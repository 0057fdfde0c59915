// Package monitor serves the run registry over HTTP so training
// progress can be watched from outside the process.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/loam/internal/logger"
	"github.com/samcharles93/loam/internal/plot"
	"github.com/samcharles93/loam/internal/runstore"
	"github.com/samcharles93/loam/internal/train"
)

// Server exposes read-only views of the run registry. The trainer
// writes through runstore directly; nothing here mutates state.
type Server struct {
	store *runstore.Store
}

func NewServer(store *runstore.Store) *Server {
	return &Server{store: store}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/runs", s.handleListRuns)
	e.GET("/v1/runs/:id", s.handleGetRun)
	e.GET("/v1/runs/:id/metrics", s.handleMetrics)
	e.GET("/v1/runs/:id/loss.svg", s.handleLossSVG)
}

// Serve blocks serving the API on addr until ctx is cancelled.
func Serve(ctx context.Context, store *runstore.Store, addr string, log logger.Logger) error {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	NewServer(store).Register(e)
	log.Info("monitor listening", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}

type RunDTO struct {
	ID           string  `json:"id"`
	BaseModel    string  `json:"base_model"`
	Dataset      string  `json:"dataset,omitempty"`
	OutputDir    string  `json:"output_dir"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at"`
	FinishedAt   string  `json:"finished_at,omitempty"`
	FinalLoss    float64 `json:"final_loss,omitempty"`
	BestEvalLoss float64 `json:"best_eval_loss,omitempty"`
	Error        string  `json:"error,omitempty"`
}

type RunList struct {
	Object string   `json:"object"`
	Data   []RunDTO `json:"data"`
}

type MetricList struct {
	Object string           `json:"object"`
	RunID  string           `json:"run_id"`
	Data   []train.LogEntry `json:"data"`
}

func toRunDTO(run *runstore.Run) RunDTO {
	dto := RunDTO{
		ID:           run.ID,
		BaseModel:    run.BaseModel,
		Dataset:      run.Dataset,
		OutputDir:    run.OutputDir,
		Status:       string(run.Status),
		CreatedAt:    run.CreatedAt.UTC().Format(time.RFC3339),
		FinalLoss:    run.FinalLoss,
		BestEvalLoss: run.BestEvalLoss,
		Error:        run.Error,
	}
	if !run.FinishedAt.IsZero() {
		dto.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(c *echo.Context) error {
	limit := 0
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			return writeBadRequest(c, "limit must be a positive integer")
		}
		limit = n
	}
	runs, err := s.store.List(c.Request().Context(), limit)
	if err != nil {
		return writeServerError(c, err)
	}
	out := RunList{Object: "list", Data: make([]RunDTO, 0, len(runs))}
	for i := range runs {
		out.Data = append(out.Data, toRunDTO(&runs[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRun(c *echo.Context) error {
	run, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return runError(c, err)
	}
	return c.JSON(http.StatusOK, toRunDTO(run))
}

func (s *Server) handleMetrics(c *echo.Context) error {
	run, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return runError(c, err)
	}
	entries, err := s.store.Metrics(c.Request().Context(), run.ID)
	if err != nil {
		return writeServerError(c, err)
	}
	return c.JSON(http.StatusOK, MetricList{Object: "list", RunID: run.ID, Data: entries})
}

func (s *Server) handleLossSVG(c *echo.Context) error {
	run, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return runError(c, err)
	}
	entries, err := s.store.Metrics(c.Request().Context(), run.ID)
	if err != nil {
		return writeServerError(c, err)
	}
	state := &train.TrainerState{LogHistory: entries}
	var buf bytes.Buffer
	if err := plot.RenderSVG(&buf, state, plot.Options{Title: run.ID}); err != nil {
		return writeServerError(c, err)
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "image/svg+xml")
	res.WriteHeader(http.StatusOK)
	_, err = res.Write(buf.Bytes())
	return err
}

func runError(c *echo.Context, err error) error {
	if errors.Is(err, runstore.ErrNotFound) {
		return writeNotFound(c, "run not found")
	}
	return writeServerError(c, err)
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeServerError(c *echo.Context, err error) error {
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": apiError{Message: msg, Type: errType},
	})
}
