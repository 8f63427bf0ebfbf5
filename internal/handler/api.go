package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"active-tagger/internal/apperr"
	"active-tagger/internal/project"
)

const (
	// UserHeader names the annotator of a request. The user query parameter
	// is accepted as well.
	UserHeader = "X-User"

	projectKey = "project"
	userKey    = "user"
)

// Handler handles HTTP requests
type Handler struct {
	server *project.Server
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(server *project.Server, logger *zap.Logger) *Handler {
	return &Handler{
		server: server,
		logger: logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.Use(h.identify)
	{
		api.GET("/projects", h.ListProjects)
		api.POST("/projects", h.CreateProject)
		api.DELETE("/projects/:project", h.DeleteProject)
	}

	// Suggestions wait on remote providers and lock the project on their own
	remote := api.Group("/projects/:project")
	{
		remote.POST("/elements/:element_id/suggest", h.Suggest)
		remote.GET("/generations", h.Generations)
	}

	p := api.Group("/projects/:project")
	p.Use(h.withProject)
	{
		p.GET("", h.GetProject)
		p.GET("/state", h.State)
		p.GET("/stats", h.Stats)

		// Schemes and labels
		p.GET("/schemes", h.ListSchemes)
		p.POST("/schemes", h.AddScheme)
		p.PUT("/schemes/:scheme", h.UpdateScheme)
		p.DELETE("/schemes/:scheme", h.DeleteScheme)
		p.POST("/schemes/:scheme/rename", h.RenameScheme)
		p.POST("/schemes/:scheme/labels", h.AddLabel)
		p.DELETE("/schemes/:scheme/labels/:label", h.DeleteLabel)
		p.POST("/schemes/:scheme/labels/:label/rename", h.RenameLabel)
		p.GET("/schemes/:scheme/orphans", h.Orphans)

		// Annotation
		p.POST("/tags", h.PushTag)
		p.DELETE("/tags", h.DeleteTag)
		p.GET("/table", h.GetTable)
		p.POST("/table", h.PushTable)
		p.POST("/next", h.Next)
		p.GET("/elements/:element_id", h.GetElement)

		// Features and projections
		p.GET("/features", h.ListFeatures)
		p.POST("/features/regex", h.AddRegex)
		p.POST("/features/compute/:name", h.RequestFeature)
		p.DELETE("/features/:name", h.DeleteFeature)
		p.POST("/projections", h.RequestProjection)
		p.GET("/projections/current", h.CurrentProjection)

		// Models
		p.GET("/simplemodels", h.ListSimpleModels)
		p.POST("/simplemodels", h.TrainSimpleModel)
		p.DELETE("/simplemodels/:scheme", h.DeleteSimpleModel)
		p.GET("/bertmodels", h.ListBertModels)
		p.POST("/bertmodels", h.TrainBertModel)
		p.POST("/bertmodels/stop", h.StopBertModel)
		p.GET("/bertmodels/:name", h.GetBertModel)
		p.DELETE("/bertmodels/:name", h.DeleteBertModel)
		p.POST("/bertmodels/:name/predict", h.PredictBertModel)
		p.POST("/bertmodels/:name/rename", h.RenameBertModel)
		p.GET("/bertmodels/:name/predictions", h.BertPredictions)

		// Export
		p.GET("/export/data", h.ExportData)
		p.GET("/export/features", h.ExportFeatures)
		p.GET("/export/bert/:name", h.ExportBert)
	}

	// Health check
	r.GET("/health", h.HealthCheck)
}

// identify reads the annotator of the request
func (h *Handler) identify(c *gin.Context) {
	user := c.GetHeader(UserHeader)
	if user == "" {
		user = c.Query("user")
	}
	c.Set(userKey, user)
	c.Next()
}

// withProject loads the project, absorbs its finished jobs and holds its
// lock for the rest of the request
func (h *Handler) withProject(c *gin.Context) {
	p, err := h.server.Project(c.Param("project"))
	if err != nil {
		h.fail(c, err)
		return
	}
	p.Lock()
	defer p.Unlock()
	p.Reconcile()

	c.Set(projectKey, p)
	c.Next()
}

func current(c *gin.Context) *project.Project {
	return c.MustGet(projectKey).(*project.Project)
}

// user returns the annotator or fails the request when it is required and
// missing
func (h *Handler) user(c *gin.Context) (string, bool) {
	user := c.GetString(userKey)
	if user == "" {
		h.fail(c, apperr.InvalidInput.New("missing user: set the %s header or the user query parameter", UserHeader))
		return "", false
	}
	return user, true
}

// statusOf maps error classes to HTTP statuses
func statusOf(err error) int {
	switch {
	case apperr.NotFound.Has(err), apperr.Exhausted.Has(err):
		return http.StatusNotFound
	case apperr.Conflict.Has(err):
		return http.StatusConflict
	case apperr.InvalidInput.Has(err):
		return http.StatusUnprocessableEntity
	case apperr.Unavailable.Has(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "kind": apperr.KindOf(err)})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":     err.Error(),
		"kind":      apperr.KindOf(err),
		"retryable": apperr.Retryable(err),
	})
}

func (h *Handler) bind(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		h.fail(c, apperr.InvalidInput.Wrap(err))
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.InvalidInput.New("invalid %s %q", key, s)
	}
	return v, nil
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListProjects returns the registered projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.server.Projects()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projects": projects,
		"total":    len(projects),
	})
}

// CreateProject ingests the uploaded CSV file. The multipart form carries the
// file and a params field with the JSON encoded project parameters.
func (h *Handler) CreateProject(c *gin.Context) {
	var params project.CreateParams
	if err := binding.JSON.BindBody([]byte(c.PostForm("params")), &params); err != nil {
		h.fail(c, apperr.InvalidInput.Wrap(err))
		return
	}
	if params.User == "" {
		params.User = c.GetString(userKey)
	}

	header, err := c.FormFile("file")
	if err != nil {
		h.fail(c, apperr.InvalidInput.New("missing csv file: %v", err))
		return
	}
	file, err := header.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer file.Close()

	p, err := h.server.CreateProject(params, file)
	if err != nil {
		h.fail(c, err)
		return
	}
	p.Lock()
	defer p.Unlock()
	c.JSON(http.StatusCreated, p.State(params.User))
}

// DeleteProject removes a project with its data and jobs
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.server.DeleteProject(c.Param("project")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// GetProject returns the registry entry of a project
func (h *Handler) GetProject(c *gin.Context) {
	info, err := h.server.ProjectInfo(current(c).Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	var params json.RawMessage
	if info.Params != "" {
		params = json.RawMessage(info.Params)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":       info.Name,
		"created_by": info.CreatedBy,
		"created_at": info.CreatedAt,
		"params":     params,
	})
}

// State returns the project snapshot clients poll for
func (h *Handler) State(c *gin.Context) {
	c.JSON(http.StatusOK, current(c).State(c.GetString(userKey)))
}

// Stats returns the annotation statistics of a scheme
func (h *Handler) Stats(c *gin.Context) {
	stats, err := current(c).Stats(c.Query("scheme"), c.GetString(userKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type suggestRequest struct {
	Scheme string `json:"scheme" binding:"required"`
}

// Suggest asks the LLM providers for a label. The suggestion is recorded but
// not applied.
func (h *Handler) Suggest(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	var req suggestRequest
	if !h.bind(c, &req) {
		return
	}
	g, err := h.server.Suggest(c.Request.Context(), c.Param("project"), c.Param("element_id"), req.Scheme, user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// Generations lists the recorded suggestions of a project
func (h *Handler) Generations(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		h.fail(c, err)
		return
	}
	generations, err := h.server.Generations(c.Param("project"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generations": generations,
		"total":       len(generations),
	})
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "active-tagger",
		"loaded":  h.server.Loaded(),
	})
}
