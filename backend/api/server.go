package api

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andi/reelflow/backend/database"
	"github.com/andi/reelflow/backend/engine"
	"github.com/andi/reelflow/backend/models"
	"github.com/andi/reelflow/backend/scenes"
	"github.com/andi/reelflow/frontend"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
)

// Options configures the HTTP server
type Options struct {
	// AccessLog receives the request log; nil discards it
	AccessLog    io.Writer
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pools reports scene provider pool usage when set
	Pools  func() []scenes.PoolStatus
	Logger zerolog.Logger
}

// Server represents the HTTP API server
type Server struct {
	app    *fiber.App
	engine *engine.Engine
	store  *database.Store
	hub    *WebSocketHub
	pools  func() []scenes.PoolStatus
	logger zerolog.Logger
}

// New creates a new API server
func New(eng *engine.Engine, store *database.Store, hub *WebSocketHub, opts Options) *Server {
	templates, err := fs.Sub(frontend.Templates, "templates")
	if err != nil {
		panic(err)
	}
	views := html.NewFileSystem(http.FS(templates), ".html")

	app := fiber.New(fiber.Config{
		Views:                 views,
		ErrorHandler:          errorHandler,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())

	accessLog := opts.AccessLog
	if accessLog == nil {
		accessLog = io.Discard
	}
	app.Use(logger.New(logger.Config{
		Output: accessLog,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	server := &Server{
		app:    app,
		engine: eng,
		store:  store,
		hub:    hub,
		pools:  opts.Pools,
		logger: opts.Logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/", s.renderIndex)
	s.app.Get("/ws", upgradeWebSocket, websocket.New(s.handleWebSocket))

	api := s.app.Group("/api")

	api.Get("/pipeline", s.getPipeline)
	api.Get("/queue", s.getQueue)
	api.Get("/scheduler/pools", s.getPools)

	// Projects
	api.Get("/projects", s.listProjects)
	api.Post("/projects", s.createProject)
	api.Get("/projects/:id", s.getProject)
	api.Put("/projects/:id", s.updateProject)
	api.Delete("/projects/:id", s.deleteProject)
	api.Post("/projects/:id/start", s.startProject)
	api.Post("/projects/:id/pause", s.pauseProject)
	api.Post("/projects/:id/resume", s.resumeProject)

	// Steps
	api.Get("/projects/:id/steps", s.getSteps)
	api.Post("/projects/:id/steps/:step/approve", s.approveStep)
	api.Post("/projects/:id/steps/:step/skip", s.skipStep)
	api.Post("/projects/:id/steps/:step/retry", s.retryStep)
	api.Post("/projects/:id/steps/:step/feedback", s.submitFeedback)

	// Logs and scenes
	api.Get("/projects/:id/logs", s.getLogs)
	api.Get("/projects/:id/scenes", s.getScenes)
	api.Post("/projects/:id/scenes/:scene/select", s.selectVariant)
}

// App exposes the fiber app, mainly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is the body of control calls without a payload
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorHandler handles fiber errors
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

// statusFor maps engine and repository errors to HTTP status codes
func statusFor(err error) int {
	var cfgErr *engine.ConfigurationError
	switch {
	case errors.Is(err, engine.ErrProjectNotFound),
		errors.Is(err, engine.ErrStepNotFound),
		errors.Is(err, database.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return fiber.StatusConflict
	case errors.As(err, &cfgErr):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code == fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: message})
}

func stepParam(c *fiber.Ctx) (int, bool) {
	id, err := strconv.Atoi(c.Params("step"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pageParams(c *fiber.Ctx) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ============== Page Rendering ==============

func (s *Server) renderIndex(c *fiber.Ctx) error {
	ctx := c.UserContext()
	queue, err := s.engine.QueueStatus(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	projects, err := s.store.Projects.List(ctx, "", 50, 0)
	if err != nil {
		return s.fail(c, err)
	}

	registry := s.engine.Registry()
	return c.Render("index", fiber.Map{
		"Title":    "ReelFlow - Production Pipeline",
		"Pipeline": registry.Name(),
		"Version":  registry.Version(),
		"Steps":    pipelineView(s.engine),
		"Active":   queue.Active,
		"Queued":   queue.Queued,
		"Projects": projects,
	})
}

// ============== Pipeline and Queue ==============

// StepView describes one step definition
type StepView struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	DependsOn     []int  `json:"depends_on"`
	ParallelGroup string `json:"parallel_group,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	MaxRetries    int    `json:"max_retries"`
	Composite     bool   `json:"composite,omitempty"`
	Command       bool   `json:"command,omitempty"`
}

func pipelineView(eng *engine.Engine) []StepView {
	registry := eng.Registry()
	views := make([]StepView, 0, registry.Len())
	for _, id := range registry.OrderedIDs() {
		step, err := registry.Get(id)
		if err != nil {
			continue
		}
		view := StepView{
			ID:            step.ID,
			Name:          step.Name,
			DependsOn:     append([]int{}, step.DependsOn...),
			ParallelGroup: step.ParallelGroup,
			MaxRetries:    step.MaxRetries,
			Composite:     registry.IsComposite(step.ID),
			Command:       step.Run != "",
		}
		if step.Timeout > 0 {
			view.Timeout = step.Timeout.String()
		}
		views = append(views, view)
	}
	return views
}

func (s *Server) getPipeline(c *fiber.Ctx) error {
	registry := s.engine.Registry()
	return c.JSON(fiber.Map{
		"name":    registry.Name(),
		"version": registry.Version(),
		"steps":   pipelineView(s.engine),
	})
}

func (s *Server) getQueue(c *fiber.Ctx) error {
	queue, err := s.engine.QueueStatus(c.UserContext())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(queue)
}

func (s *Server) getPools(c *fiber.Ctx) error {
	if s.pools == nil {
		return c.JSON([]scenes.PoolStatus{})
	}
	return c.JSON(s.pools())
}

// ============== Project Handlers ==============

func (s *Server) listProjects(c *fiber.Ctx) error {
	ctx := c.UserContext()
	status := c.Query("status", "")
	limit, offset := pageParams(c)

	projects, err := s.store.Projects.List(ctx, status, limit, offset)
	if err != nil {
		return s.fail(c, err)
	}
	count, err := s.store.Projects.Count(ctx, status)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"projects": projects,
		"total":    count,
		"limit":    limit,
		"offset":   offset,
	})
}

// ProjectRequest is the body of project create and update calls
type ProjectRequest struct {
	Name     string               `json:"name"`
	Priority int                  `json:"priority"`
	Config   models.ProjectConfig `json:"config"`
	// Start queues the project right after creation
	Start bool `json:"start"`
}

func (r *ProjectRequest) validate() string {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return "Project name is required"
	}
	switch r.Config.SceneMode {
	case "", models.SceneModeAuto, models.SceneModeManual:
	default:
		return "scene_mode must be auto or manual"
	}
	return ""
}

func (s *Server) createProject(c *fiber.Ctx) error {
	var req ProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if msg := req.validate(); msg != "" {
		return badRequest(c, msg)
	}

	ctx := c.UserContext()
	project := &models.Project{
		Name:     req.Name,
		Pipeline: s.engine.Registry().Name(),
		Priority: req.Priority,
		Config:   req.Config,
		Status:   models.ProjectStatusConfig,
	}
	if err := s.store.Projects.Create(ctx, project); err != nil {
		return s.fail(c, err)
	}

	if req.Start {
		if _, err := s.engine.RequestStart(ctx, project.ID); err != nil {
			return s.fail(c, err)
		}
		if refreshed, err := s.store.Projects.GetByID(ctx, project.ID); err == nil {
			project = refreshed
		}
	}

	return c.Status(fiber.StatusCreated).JSON(project)
}

func (s *Server) getProject(c *fiber.Ctx) error {
	status, err := s.engine.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(status)
}

func (s *Server) updateProject(c *fiber.Ctx) error {
	var req ProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if msg := req.validate(); msg != "" {
		return badRequest(c, msg)
	}

	ctx := c.UserContext()
	project, err := s.store.Projects.GetByID(ctx, c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	project.Name = req.Name
	project.Priority = req.Priority
	project.Config = req.Config

	if err := s.store.Projects.UpdateConfig(ctx, project); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(project)
}

func (s *Server) deleteProject(c *fiber.Ctx) error {
	id := c.Params("id")
	if s.engine.IsActive(id) {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "Project is active; pause it and let it finish or fail first"})
	}
	if err := s.store.Projects.Delete(c.UserContext(), id); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Project deleted"})
}

func (s *Server) startProject(c *fiber.Ctx) error {
	started, err := s.engine.RequestStart(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if started {
		return c.JSON(SuccessResponse{Message: "Project started", Data: fiber.Map{"started": true}})
	}
	return c.Status(fiber.StatusAccepted).JSON(SuccessResponse{Message: "Project queued", Data: fiber.Map{"started": false}})
}

func (s *Server) pauseProject(c *fiber.Ctx) error {
	if err := s.engine.Pause(c.UserContext(), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Project paused"})
}

func (s *Server) resumeProject(c *fiber.Ctx) error {
	if err := s.engine.Resume(c.UserContext(), c.Params("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Project resumed"})
}

// ============== Step Handlers ==============

func (s *Server) getSteps(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := s.store.Projects.GetByID(ctx, id); err != nil {
		return s.fail(c, err)
	}
	runs, err := s.store.StepRuns.GetByProjectID(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(runs)
}

func (s *Server) stepControl(c *fiber.Ctx, message string, call func(ctx context.Context, projectID string, stepID int) error) error {
	stepID, ok := stepParam(c)
	if !ok {
		return badRequest(c, "Invalid step id")
	}
	if err := call(c.UserContext(), c.Params("id"), stepID); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SuccessResponse{Message: message})
}

func (s *Server) approveStep(c *fiber.Ctx) error {
	return s.stepControl(c, "Step approved", s.engine.ApproveCheckpoint)
}

func (s *Server) skipStep(c *fiber.Ctx) error {
	return s.stepControl(c, "Step skipped", s.engine.SkipStep)
}

func (s *Server) retryStep(c *fiber.Ctx) error {
	return s.stepControl(c, "Step reset for retry", s.engine.RetryStep)
}

// FeedbackRequest carries reviewer feedback for a step
type FeedbackRequest struct {
	Text string `json:"text"`
}

func (s *Server) submitFeedback(c *fiber.Ctx) error {
	var req FeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "Feedback text is required")
	}
	return s.stepControl(c, "Feedback submitted", func(ctx context.Context, projectID string, stepID int) error {
		return s.engine.SubmitFeedback(ctx, projectID, stepID, req.Text)
	})
}

// ============== Logs and Scenes ==============

func (s *Server) getLogs(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	after, _ := strconv.ParseInt(c.Query("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit", "500"))
	if limit <= 0 || limit > 5000 {
		limit = 500
	}

	if _, err := s.store.Projects.GetByID(ctx, id); err != nil {
		return s.fail(c, err)
	}
	entries, err := s.store.Logs.List(ctx, id, after, limit)
	if err != nil {
		return s.fail(c, err)
	}

	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	return c.JSON(fiber.Map{
		"logs":  entries,
		"after": next,
	})
}

func (s *Server) getScenes(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	project, err := s.store.Projects.GetByID(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	variants, err := s.store.Variants.List(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"mode":     project.Config.SceneMode,
		"scenes":   project.Config.Scenes,
		"variants": variants,
	})
}

// SelectRequest chooses one generated variant for a scene
type SelectRequest struct {
	Variant int `json:"variant"`
}

func (s *Server) selectVariant(c *fiber.Ctx) error {
	var req SelectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := s.store.Projects.GetByID(ctx, id); err != nil {
		return s.fail(c, err)
	}
	if err := s.store.Variants.Select(ctx, id, c.Params("scene"), req.Variant); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(SuccessResponse{Message: "Variant selected"})
}
