// Package httpapi is the thin gin HTTP surface over the dispatcher,
// job store and ranklist engine described in the external interface.
// Handlers validate request shape only; every domain decision is
// delegated to its collaborator.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"judgeservice/internal/apperr"
	"judgeservice/internal/cache"
	"judgeservice/internal/dispatcher"
	"judgeservice/internal/httpapi/auth"
	"judgeservice/internal/logging"
	"judgeservice/internal/metrics"
	"judgeservice/internal/models"
	"judgeservice/internal/queue"
	"judgeservice/internal/ranklist"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

// Server owns the gin engine and every collaborator a handler might need.
type Server struct {
	engine     *gin.Engine
	store      store.Store
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	cache      *cache.Cache
	metrics    *metrics.Metrics
	log        *logging.Logger
	auth       *auth.Middleware
	queue      *queue.Client
	shutdown   chan struct{}

	submitLimitersMu sync.Mutex
	submitLimiters   map[uint32]*rate.Limiter
}

// Dependencies bundles everything NewServer needs. Cache, Metrics and
// Queue are optional (nil is fine — their use sites degrade gracefully).
type Dependencies struct {
	Store      store.Store
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Cache      *cache.Cache
	Metrics    *metrics.Metrics
	Log        *logging.Logger
	Auth       *auth.Middleware
	Queue      *queue.Client
}

func NewServer(deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:         engine,
		store:          deps.Store,
		registry:       deps.Registry,
		dispatcher:     deps.Dispatcher,
		cache:          deps.Cache,
		metrics:        deps.Metrics,
		log:            deps.Log,
		auth:           deps.Auth,
		queue:          deps.Queue,
		shutdown:       make(chan struct{}),
		submitLimiters: make(map[uint32]*rate.Limiter),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

// ShutdownRequested closes when /internal/exit has been called.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/health", s.health)
	if s.metrics != nil {
		r.GET("/prometheus", gin.WrapH(s.metrics.Handler()))
	}

	jobs := r.Group("/jobs")
	jobs.Use(s.auth.RequireAuth())
	{
		jobs.POST("", s.auth.RequireRole("job", "create"), s.createJob)
		jobs.GET("", s.auth.RequireRole("job", "read_own"), s.listJobs)
		jobs.GET("/:id", s.auth.RequireRole("job", "read_own"), s.getJob)
		jobs.PUT("/:id", s.auth.RequireRole("job", "rejudge"), s.rejudgeJob)
		jobs.DELETE("/:id", s.auth.RequireRole("job", "cancel"), s.cancelJob)
	}

	r.GET("/contests/:id/ranklist", s.auth.RequireAuth(), s.getRanklist)

	contests := r.Group("/contests")
	contests.Use(s.auth.RequireAuth())
	{
		contests.POST("", s.auth.RequireRole("contest", "create"), s.createContest)
		contests.GET("/:id", s.auth.RequireRole("contest", "read"), s.getContest)
		contests.PUT("/:id", s.auth.RequireRole("contest", "update"), s.updateContest)
	}

	users := r.Group("/users")
	users.Use(s.auth.RequireAuth())
	{
		users.POST("", s.auth.RequireRole("user", "manage"), s.upsertUser)
		users.GET("", s.auth.RequireRole("user", "read"), s.listUsers)
		users.GET("/:id", s.auth.RequireRole("user", "read"), s.getUser)
	}

	r.POST("/internal/exit", s.auth.RequireAuth(), s.auth.RequireRole("system", "exit"), s.exit)

	judge := r.Group("/judge")
	judge.Use(s.auth.RequireAuth(), s.auth.RequireRole("judge", "read"))
	{
		judge.GET("/status", s.judgeStatus)
		judge.GET("/queue", s.judgeQueue)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) exit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})
	close(s.shutdown)
}

// --- jobs ---

type createJobRequest struct {
	SourceCode string `json:"source_code" binding:"required"`
	Language   string `json:"language" binding:"required"`
	UserID     uint32 `json:"user_id"`
	ContestID  uint32 `json:"contest_id"`
	ProblemID  uint32 `json:"problem_id"`
}

// submissionLimiter returns the per-user local token-bucket limiter,
// creating one on first use. This guards the hot path in-process,
// ahead of the heavier Redis-backed distributed check in cache.
func (s *Server) submissionLimiter(userID uint32) *rate.Limiter {
	s.submitLimitersMu.Lock()
	defer s.submitLimitersMu.Unlock()
	l, ok := s.submitLimiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 5)
		s.submitLimiters[userID] = l
	}
	return l
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.InvalidArgument, "malformed request body", err))
		return
	}

	if !s.submissionLimiter(req.UserID).Allow() {
		writeError(c, apperr.New(apperr.RateLimit, "too many submissions, slow down"))
		return
	}

	if s.cache != nil {
		allowed, err := s.cache.AllowSubmission(c.Request.Context(), req.UserID, 60, time.Minute)
		if err == nil && !allowed {
			writeError(c, apperr.New(apperr.RateLimit, "too many submissions, slow down"))
			return
		}
	}

	job, err := s.dispatcher.NewJob(c.Request.Context(), models.Submission{
		SourceCode: req.SourceCode,
		Language:   req.Language,
		UserID:     req.UserID,
		ContestID:  req.ContestID,
		ProblemID:  req.ProblemID,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordStoreError("new_job")
		}
		writeError(c, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSubmission(req.Language)
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobs(c *gin.Context) {
	filter := store.JobFilter{}
	if v := c.Query("user_id"); v != "" {
		if id, err := parseUint32(v); err == nil {
			filter.UserID = &id
		}
	}
	if v := c.Query("user_name"); v != "" {
		filter.UserName = &v
	}
	if v := c.Query("contest_id"); v != "" {
		if id, err := parseUint32(v); err == nil {
			filter.ContestID = &id
		}
	}
	if v := c.Query("problem_id"); v != "" {
		if id, err := parseUint32(v); err == nil {
			filter.ProblemID = &id
		}
	}
	if v := c.Query("language"); v != "" {
		filter.Language = &v
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}

	jobs, err := s.store.GetJobs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	id, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid job id: %v", err))
		return
	}
	job, err := s.store.GetJob(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) rejudgeJob(c *gin.Context) {
	id, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid job id: %v", err))
		return
	}
	job, err := s.dispatcher.Rejudge(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	id, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid job id: %v", err))
		return
	}
	job, err := s.dispatcher.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// --- ranklist ---

func (s *Server) getRanklist(c *gin.Context) {
	contestID, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid contest id: %v", err))
		return
	}

	rule, err := ranklist.ParseScoringRule(c.Query("scoring_rule"))
	if err != nil {
		writeError(c, apperr.Wrap(apperr.InvalidArgument, "bad scoring_rule", err))
		return
	}
	tie, err := ranklist.ParseTieBreaker(c.Query("tie_breaker"))
	if err != nil {
		writeError(c, apperr.Wrap(apperr.InvalidArgument, "bad tie_breaker", err))
		return
	}

	start := time.Now()
	entries, problemIDs, err := ranklist.Compute(c.Request.Context(), s.store, s.registry, contestID, rule, tie)
	if s.metrics != nil {
		s.metrics.ObserveRanklistDuration(strconv.FormatUint(uint64(contestID), 10), time.Since(start))
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"problem_ids": problemIDs,
		"entries":     entries,
	})
}

// --- contests ---

type contestRequest struct {
	Name            string   `json:"name" binding:"required"`
	From            string   `json:"from" binding:"required"`
	To              string   `json:"to" binding:"required"`
	ProblemIDs      []uint32 `json:"problem_ids"`
	UserIDs         []uint32 `json:"user_ids"`
	SubmissionLimit uint32   `json:"submission_limit"`
}

func (s *Server) createContest(c *gin.Context) {
	var req contestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.InvalidArgument, "malformed request body", err))
		return
	}
	from, to, err := parseWindow(req.From, req.To)
	if err != nil {
		writeError(c, err)
		return
	}
	contest, err := s.store.NewContest(c.Request.Context(), models.Contest{
		Name:            req.Name,
		From:            from,
		To:              to,
		ProblemIDs:      req.ProblemIDs,
		UserIDs:         req.UserIDs,
		SubmissionLimit: req.SubmissionLimit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contest)
}

func (s *Server) getContest(c *gin.Context) {
	id, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid contest id: %v", err))
		return
	}
	contest, err := s.store.GetContest(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contest)
}

func (s *Server) updateContest(c *gin.Context) {
	id, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid contest id: %v", err))
		return
	}
	var req contestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.InvalidArgument, "malformed request body", err))
		return
	}
	from, to, err := parseWindow(req.From, req.To)
	if err != nil {
		writeError(c, err)
		return
	}
	contest, err := s.store.UpdateContest(c.Request.Context(), models.Contest{
		ID:              id,
		Name:            req.Name,
		From:            from,
		To:              to,
		ProblemIDs:      req.ProblemIDs,
		UserIDs:         req.UserIDs,
		SubmissionLimit: req.SubmissionLimit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contest)
}

func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Wrap(apperr.InvalidArgument, "bad from timestamp", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Wrap(apperr.InvalidArgument, "bad to timestamp", err)
	}
	return from.UTC(), to.UTC(), nil
}

// --- users ---

type userUpsertRequest struct {
	ID   *uint32 `json:"id,omitempty"`
	Name string  `json:"name" binding:"required"`
	Role string  `json:"role,omitempty"`
}

func (s *Server) upsertUser(c *gin.Context) {
	var req userUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.InvalidArgument, "malformed request body", err))
		return
	}

	role := models.RoleUser
	switch req.Role {
	case "author":
		role = models.RoleAuthor
	case "admin":
		role = models.RoleAdmin
	}

	if req.ID != nil {
		user, err := s.store.GetUser(c.Request.Context(), *req.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		user.Name = req.Name
		if req.Role != "" {
			user.Role = role
		}
		updated, err := s.store.UpdateUser(c.Request.Context(), user)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
		return
	}

	writeError(c, apperr.New(apperr.InvalidArgument, "creating a user without an id is not supported over HTTP; seed users via migration"))
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.store.GetUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) getUser(c *gin.Context) {
	id, err := parseUint32(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Newf(apperr.InvalidArgument, "invalid user id: %v", err))
		return
	}
	user, err := s.store.GetUser(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// --- judge pool introspection ---
//
// Read-only reporting adapted from the teacher's JudgePool status/queue
// endpoints. There is no auto-scaling control surface here: judger
// workers are independent OS processes started out-of-band (per the
// --judger/--parent CLI contract), not an in-process pool this server
// can resize.

func (s *Server) judgeStatus(c *gin.Context) {
	queueing := models.JobQueueing
	pending, err := s.store.GetJobs(c.Request.Context(), store.JobFilter{State: &queueing})
	if err != nil {
		writeError(c, err)
		return
	}

	status := gin.H{
		"pending_jobs": len(pending),
		"queue_healthy": false,
	}
	if s.queue != nil {
		status["queue_healthy"] = s.queue.IsHealthy()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) judgeQueue(c *gin.Context) {
	if s.queue == nil {
		writeError(c, apperr.New(apperr.External, "queue introspection unavailable: no queue client configured"))
		return
	}
	depth, err := s.queue.QueueDepth()
	if err != nil {
		writeError(c, apperr.Wrap(apperr.External, "inspecting queue depth", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

// --- helpers ---

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func writeError(c *gin.Context, err error) {
	payload := apperr.ToPayload(err)
	c.JSON(apperr.CodeOf(err).HTTPStatus(), payload)
}

// WaitForShutdown blocks until /internal/exit is hit or ctx is done.
func WaitForShutdown(ctx context.Context, s *Server) error {
	select {
	case <-s.ShutdownRequested():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
