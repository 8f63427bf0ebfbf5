package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"active-tagger/internal/apperr"
	"active-tagger/internal/jobs"
	"active-tagger/internal/project"
	"active-tagger/internal/repository"
)

const testCSV = `id,text,label
a,the match ended in a draw,sport
b,parliament votes today,news
c,the striker scored twice,
d,elections are coming,
`

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	fsys, err := mem.NewFS()
	require.NoError(t, err)
	db, err := repository.Open("sqlite", filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := jobs.NewPool(2, logger)
	t.Cleanup(pool.Close)

	store := project.Repositories{
		ProjectRepository:    repository.NewProjectRepository(db, logger),
		AnnotationRepository: repository.NewAnnotationRepository(db, logger),
	}
	server := project.NewServer(fsys, pool, store, nil, project.Options{Seed: 1, SimpleDefaultKind: "logistic"}, logger)
	t.Cleanup(server.Close)

	r := gin.New()
	NewHandler(server, logger).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createProject(t *testing.T, r *gin.Engine, name string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("params", `{"project_name":"`+name+`","col_id":"id","col_text":"text","col_label":"label"}`))
	fw, err := mw.CreateFormFile("file", "data.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(testCSV))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestProjectLifecycle(t *testing.T) {
	r := newRouter(t)

	w := createProject(t, r, "news")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(4), decode(t, w)["elements"])

	w = createProject(t, r, "news")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decode(t, w)["kind"])

	w = do(t, r, http.MethodGet, "/api/v1/projects", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = do(t, r, http.MethodGet, "/api/v1/projects/news", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode(t, w)["created_by"])

	w = do(t, r, http.MethodDelete, "/api/v1/projects/news", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/projects/news/state", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])
}

func TestAnnotationFlow(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusCreated, createProject(t, r, "news").Code)

	next := map[string]any{"scheme": "default", "selection": "deterministic", "sample": "untagged"}
	w := do(t, r, http.MethodPost, "/api/v1/projects/news/next", "bob", next)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "c", decode(t, w)["element_id"])

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/tags", "", map[string]any{
		"element_id": "c", "scheme": "default", "label": "sport",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/tags", "bob", map[string]any{
		"element_id": "c", "scheme": "default", "label": "weather",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	for _, id := range []string{"c", "d"} {
		w = do(t, r, http.MethodPost, "/api/v1/projects/news/tags", "bob", map[string]any{
			"element_id": id, "scheme": "default", "label": "sport", "selection": "deterministic",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/next", "bob", next)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "exhausted", decode(t, w)["kind"])

	w = do(t, r, http.MethodGet, "/api/v1/projects/news/table?scheme=default&mode=tagged", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decode(t, w)["total"])

	w = do(t, r, http.MethodGet, "/api/v1/projects/news/stats?scheme=default", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["tagged_by_user"])

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/schemes", "bob", map[string]any{"name": "default", "labels": []string{"x"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/projects/news/export/data?scheme=default&format=csv", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=data_default.csv", w.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "element_id,text,label,user,time\n"))

	w = do(t, r, http.MethodGet, "/api/v1/projects/news/export/data?scheme=default&format=xlsx", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestModelRoutes(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusCreated, createProject(t, r, "news").Code)

	w := do(t, r, http.MethodPost, "/api/v1/projects/news/features/regex", "bob", map[string]any{"name": "score", "value": "scor"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/features/compute/sbert", "bob", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/simplemodels", "bob", map[string]any{
		"scheme": "default", "features": []string{"missing"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/bertmodels/stop", "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/projects/news/projections/current", "bob", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, decode(t, w)["retryable"])

	w = do(t, r, http.MethodPost, "/api/v1/projects/news/elements/a/suggest", "bob", map[string]any{"scheme": "default"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusOf(t *testing.T) {
	for _, tt := range []struct {
		err    error
		status int
	}{
		{apperr.Newf(&apperr.NotFound, apperr.ErrUnknownModel, "model %q", "m"), http.StatusNotFound},
		{apperr.Newf(&apperr.Exhausted, apperr.ErrExhausted, "scheme %q", "s"), http.StatusNotFound},
		{apperr.Newf(&apperr.Conflict, apperr.ErrUserBusy, "user %q", "u"), http.StatusConflict},
		{apperr.Newf(&apperr.InvalidInput, apperr.ErrNoFeature, "feature %q", "f"), http.StatusUnprocessableEntity},
		{apperr.Newf(&apperr.Unavailable, apperr.ErrNotTrained, "model %q", "m"), http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	} {
		assert.Equal(t, tt.status, statusOf(tt.err), tt.err.Error())
	}
}
