package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"traffic-eye/internal/auth"
	"traffic-eye/internal/db"
	"traffic-eye/internal/domain/traffic"
	"traffic-eye/internal/http/middleware"
	"traffic-eye/internal/model"
	"traffic-eye/internal/queue"
	"traffic-eye/internal/repository"
	"traffic-eye/internal/service"
)

type apiFixture struct {
	router *gin.Engine
	repo   *repository.ViolationRepository
	emailQ *queue.Queue
	parser *auth.Parser
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	repo := repository.NewViolationRepository(database)
	cloudQ := queue.New(database, queue.Options{Table: queue.CloudTable, MaxAttempts: 1})
	emailQ := queue.New(database, queue.Options{Table: queue.EmailTable, DoneStatus: queue.StatusSent, MaxAttempts: 1})
	svc := service.NewViolationService(repo, cloudQ, emailQ, zerolog.Nop())

	parser := auth.NewParser("s3cret")
	handler := NewHandler(svc, zerolog.Nop())
	router := NewRouter(handler, middleware.Auth(parser), "test", database, zerolog.Nop())

	return &apiFixture{router: router, repo: repo, emailQ: emailQ, parser: parser}
}

func (f *apiFixture) addViolation(t *testing.T, id string, status traffic.Status) {
	t.Helper()
	row := repository.NewViolationRow(id, &traffic.ViolationCandidate{
		Type:       traffic.RedLightJump,
		Confidence: 0.97,
		Timestamp:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, "")
	row.Status = string(status)
	require.NoError(t, f.repo.CreateViolation(context.Background(), row))
}

func (f *apiFixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health/ready", "").Code)
}

func TestListAndGetViolations(t *testing.T) {
	f := newAPIFixture(t)
	f.addViolation(t, "v1", traffic.StatusVerified)
	f.addViolation(t, "v2", traffic.StatusDiscarded)

	w := f.do(t, http.MethodGet, "/api/v1/violations?status=verified", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []repository.Violation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "v1", list.Data[0].ID)

	w = f.do(t, http.MethodGet, "/api/v1/violations?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/violations/v2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Data service.ViolationDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, "v2", detail.Data.Violation.ID)
	assert.True(t, detail.Data.Intact)

	w = f.do(t, http.MethodGet, "/api/v1/violations/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportViolations(t *testing.T) {
	f := newAPIFixture(t)
	f.addViolation(t, "v1", traffic.StatusVerified)

	w := f.do(t, http.MethodGet, "/api/v1/violations/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "violations_")

	book, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("Violations")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addViolation(t, "v1", traffic.StatusVerified)
	_, err := f.emailQ.Enqueue(context.Background(), "v1")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v1/queues/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data map[string]map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Data[queue.EmailTable][queue.StatusPending])
	assert.Equal(t, int64(1), body.Data["violations"]["verified"])
}

func TestRequeueRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.addViolation(t, "v1", traffic.StatusVerified)

	id, err := f.emailQ.Enqueue(ctx, "v1")
	require.NoError(t, err)
	_, err = f.emailQ.Lease(ctx, 1)
	require.NoError(t, err)
	_, err = f.emailQ.Fail(ctx, id, errors.New("smtp down"))
	require.NoError(t, err)

	path := "/api/v1/queues/email/jobs/" + strconv.FormatInt(id, 10) + "/requeue"

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, path, "").Code)

	viewer, err := f.parser.Issue(uuid.New(), model.UserRoleOperatorViewer, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path, viewer).Code)

	admin, err := f.parser.Issue(uuid.New(), model.UserRoleOperatorAdmin, time.Hour)
	require.NoError(t, err)
	w := f.do(t, http.MethodPost, path, admin)
	require.Equal(t, http.StatusOK, w.Code)

	job, err := f.emailQ.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, admin).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/queues/email/jobs/abc/requeue", admin).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/queues/cloud/jobs/42/requeue", admin).Code)
}
