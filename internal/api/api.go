// Package api serves the HTTP control surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
	"github.com/mkoziy/vulnsync/internal/runlog"
	"github.com/mkoziy/vulnsync/internal/scheduler"
)

const dateLayout = "2006-01-02"

// Scheduler starts runs and reports source state.
type Scheduler interface {
	Trigger(ctx context.Context, source string, trigger models.TriggerType, params pipeline.Params) scheduler.Result
	State(source string) (scheduler.State, bool)
	States() []scheduler.State
}

// Runs reads the run log.
type Runs interface {
	Recent(ctx context.Context, source string, limit int) ([]*models.SyncRun, error)
	Get(ctx context.Context, runID string) (*models.SyncRun, error)
}

// Pinger checks the database.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config tunes the fiber app.
type Config struct {
	BodyLimit   int
	ReadTimeout time.Duration
	AccessLog   bool
}

// Deps are the handlers' collaborators. Metrics and DB are optional.
type Deps struct {
	Scheduler Scheduler
	Runs      Runs
	Metrics   http.Handler
	DB        Pinger
	Logger    *zap.Logger
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// syncRequest is accepted as a JSON body, as query parameters, or both.
// Body fields win.
type syncRequest struct {
	StartDate string `json:"start_date" query:"start_date"`
	EndDate   string `json:"end_date" query:"end_date"`
	File      string `json:"file" query:"file"`
	Full      bool   `json:"full" query:"full"`
}

type handler struct {
	deps Deps
}

// New builds the app with every route registered.
func New(cfg Config, deps Deps) *fiber.App {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "vulnsync",
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(deps.Logger),
	})

	app.Use(fiberrecover.New())
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Output: zap.NewStdLog(deps.Logger.Named("http")).Writer(),
			Format: "${status} ${method} ${path} ${latency}\n",
		}))
	}

	h := &handler{deps: deps}
	app.Get("/healthz", h.health)
	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	api := app.Group("/api")
	api.Post("/sync/:source", h.triggerSync)
	api.Get("/runs", h.listRuns)
	api.Get("/runs/:id", h.getRun)
	api.Get("/sources", h.listSources)

	return app
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(code).JSON(errorResponse{Message: err.Error()})
	}
}

func (h *handler) health(c *fiber.Ctx) error {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":  "unhealthy",
				"message": err.Error(),
			})
		}
	}
	return c.JSON(fiber.Map{"status": "healthy"})
}

func (h *handler) triggerSync(c *fiber.Ctx) error {
	source := c.Params("source")
	if _, ok := h.deps.Scheduler.State(source); !ok {
		return c.Status(fiber.StatusNotFound).JSON(scheduler.Result{Reason: "unknown source " + source})
	}

	var req syncRequest
	if err := c.QueryParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid query: "+err.Error())
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}

	params, err := req.params()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	res := h.deps.Scheduler.Trigger(c.UserContext(), source, models.TriggerManual, params)
	if !res.Accepted {
		return c.Status(fiber.StatusConflict).JSON(res)
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (r syncRequest) params() (pipeline.Params, error) {
	p := pipeline.Params{File: strings.TrimSpace(r.File), Full: r.Full}

	var err error
	if r.StartDate != "" {
		if p.Start, err = ParseDate(r.StartDate, false); err != nil {
			return pipeline.Params{}, fmt.Errorf("start_date: %w", err)
		}
	}
	if r.EndDate != "" {
		if p.End, err = ParseDate(r.EndDate, true); err != nil {
			return pipeline.Params{}, fmt.Errorf("end_date: %w", err)
		}
	}
	if !p.Start.IsZero() && !p.End.IsZero() && p.End.Before(p.Start) {
		return pipeline.Params{}, errors.New("end_date is before start_date")
	}
	if p.File != "" && (strings.Contains(p.File, "://") || !filepath.IsLocal(p.File)) {
		return pipeline.Params{}, errors.New("file must be a relative path inside the export directory")
	}
	return p, nil
}

// ParseDate accepts a calendar day or an RFC 3339 instant. A day used as
// an end bound covers the whole day.
func ParseDate(s string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

func (h *handler) listRuns(c *fiber.Ctx) error {
	runs, err := h.deps.Runs.Recent(c.UserContext(), c.Query("source"), c.QueryInt("limit", runlog.DefaultLimit))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	return c.JSON(runs)
}

func (h *handler) getRun(c *fiber.Ctx) error {
	run, err := h.deps.Runs.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, runlog.ErrRunNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Message: err.Error()})
	}
	if err != nil {
		return err
	}
	return c.JSON(run)
}

func (h *handler) listSources(c *fiber.Ctx) error {
	return c.JSON(h.deps.Scheduler.States())
}
