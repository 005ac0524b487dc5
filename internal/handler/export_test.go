package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/toolhub/export-engine/internal/auth"
	"github.com/toolhub/export-engine/internal/export"
	"github.com/toolhub/export-engine/internal/middleware"
	"github.com/toolhub/export-engine/internal/model"
	"github.com/toolhub/export-engine/internal/registry"
	"github.com/toolhub/export-engine/internal/runner"
	"github.com/toolhub/export-engine/internal/service"
	"github.com/toolhub/export-engine/internal/storage"
	"github.com/toolhub/export-engine/internal/store"
	"github.com/toolhub/export-engine/pkg/response"
)

const testSecret = "test-secret"

// fakeEnqueuer records enqueued jobs instead of a Redis round trip. Tests
// that need a finished job drive the runner directly.
type fakeEnqueuer struct {
	enqueued []string
	fail     bool
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.fail {
		return nil, fmt.Errorf("queue unavailable")
	}
	var p service.ExportTaskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return nil, err
	}
	f.enqueued = append(f.enqueued, p.JobID)
	return &asynq.TaskInfo{ID: p.JobID, Queue: service.QueueExport}, nil
}

// gatewayStorage lets a test swap the backend the download handler sees.
type gatewayStorage struct {
	storage.Storage
}

type testEnv struct {
	app      *fiber.App
	store    *store.Store
	storage  *storage.Local
	gateway  *gatewayStorage
	registry registry.Registry
	enqueuer *fakeEnqueuer
	runner   *runner.Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	local, err := storage.NewLocal(filepath.Join(dir, "packages"))
	if err != nil {
		t.Fatalf("failed to init storage: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	reg := registry.NewGormRegistry(st.DB())
	enq := &fakeEnqueuer{}
	svc := service.NewExportService(st, reg, enq, export.StepNames(), 7, log)
	gateway := &gatewayStorage{Storage: local}
	h := NewExportHandler(svc, gateway, validator.New())
	authMW := middleware.NewAuthMiddleware(testSecret)

	app := fiber.New()
	api := app.Group("/api/export", authMW.Authenticate())
	api.Post("/:toolId/start", h.Start)
	api.Get("/jobs", h.List)
	api.Get("/jobs/:jobId", h.Status)
	api.Post("/jobs/:jobId/cancel", h.Cancel)
	api.Delete("/jobs/:jobId", h.Delete)
	api.Get("/jobs/:jobId/download", h.Download)

	return &testEnv{
		app:      app,
		store:    st,
		storage:  local,
		gateway:  gateway,
		registry: reg,
		enqueuer: enq,
		runner:   runner.New(st, local, nil, log),
	}
}

func (e *testEnv) seedTool(t *testing.T, ownerID string, public bool) *model.Tool {
	t.Helper()
	tool := &model.Tool{
		ID:         uuid.New().String(),
		Name:       "Order Form",
		Slug:       "order-form-" + uuid.New().String()[:8],
		Type:       "form",
		OwnerID:    ownerID,
		IsPublic:   public,
		Definition: datatypes.JSON(`{"fields":[]}`),
	}
	if err := e.store.DB().Create(tool).Error; err != nil {
		t.Fatalf("failed to seed tool: %v", err)
	}
	return tool
}

// runEnqueued executes every queued job to completion through the real
// pipeline, emptying the queue.
func (e *testEnv) runEnqueued(t *testing.T) {
	t.Helper()
	for _, jobID := range e.enqueuer.enqueued {
		defs := export.BuildPipeline(e.registry, e.storage)
		if err := e.runner.Run(context.Background(), jobID, defs); err != nil {
			t.Fatalf("failed to run job %s: %v", jobID, err)
		}
	}
	e.enqueuer.enqueued = nil
}

func bearer(t *testing.T, userID string, role model.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return "Bearer " + token
}

func (e *testEnv) request(t *testing.T, method, path, authHeader string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) *model.ExportJob {
	t.Helper()
	defer resp.Body.Close()
	var job model.ExportJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("failed to decode job payload: %v", err)
	}
	return &job
}

func decodeError(t *testing.T, resp *http.Response) response.ErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var envelope response.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	return envelope.Error
}

func TestStart_AcceptedThenConflict(t *testing.T) {
	env := newTestEnv(t)
	tool := env.seedTool(t, "alice", false)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	job := decodeJob(t, resp)
	if job.Status != model.JobStatusPending || job.TargetID != tool.ID {
		t.Errorf("unexpected job: %+v", job)
	}
	if len(env.enqueuer.enqueued) != 1 || env.enqueuer.enqueued[0] != job.ID {
		t.Errorf("job not enqueued: %v", env.enqueuer.enqueued)
	}

	// A second start for the same tool while the first is active conflicts.
	resp = env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if detail := decodeError(t, resp); detail.Code != response.CodeConflict {
		t.Errorf("expected CONFLICT, got %s", detail.Code)
	}

	// Once the job finishes, a new export may start.
	env.runEnqueued(t)
	resp = env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202 after completion, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStart_UnknownAndInaccessibleTool(t *testing.T) {
	env := newTestEnv(t)
	private := env.seedTool(t, "bob", false)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+uuid.New().String()+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown tool, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A private tool of another user is indistinguishable from a missing one.
	resp = env.request(t, "POST", "/api/export/"+private.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for inaccessible tool, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStart_PublicToolOfOtherUser(t *testing.T) {
	env := newTestEnv(t)
	public := env.seedTool(t, "bob", true)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+public.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202 for public tool, got %d", resp.StatusCode)
	}
	job := decodeJob(t, resp)
	if job.OwnerID != "alice" {
		t.Errorf("job must belong to the caller, got %s", job.OwnerID)
	}
}

func TestStart_EnqueueFailureFailsJob(t *testing.T) {
	env := newTestEnv(t)
	tool := env.seedTool(t, "alice", false)
	env.enqueuer.fail = true
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The orphaned row must be failed, not left active blocking future starts.
	env.enqueuer.fail = false
	resp = env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202 after queue recovery, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRequests_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/export/jobs", "/api/export/jobs/some-id"} {
		resp := env.request(t, "GET", path, "", nil)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("GET %s: expected 401, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestStatus_VisibilityScoping(t *testing.T) {
	env := newTestEnv(t)
	tool := env.seedTool(t, "alice", false)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	job := decodeJob(t, resp)

	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID, alice, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("owner must see the job, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Another user's job reads as missing, not forbidden.
	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID, bearer(t, "bob", model.RoleUser), nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for foreign job, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID, bearer(t, "root", model.RoleAdmin), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("admin must see any job, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancel_PendingAndFinished(t *testing.T) {
	env := newTestEnv(t)
	tool := env.seedTool(t, "alice", false)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	job := decodeJob(t, resp)

	resp = env.request(t, "POST", "/api/export/jobs/"+job.ID+"/cancel", alice, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	cancelled := decodeJob(t, resp)
	if cancelled.Status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// Cancelling a finished job is an invalid state transition.
	resp = env.request(t, "POST", "/api/export/jobs/"+job.ID+"/cancel", alice, nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if detail := decodeError(t, resp); detail.Code != response.CodeInvalidState {
		t.Errorf("expected INVALID_STATE, got %s", detail.Code)
	}
}

func TestDelete_AdminOnly(t *testing.T) {
	env := newTestEnv(t)
	tool := env.seedTool(t, "alice", false)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	job := decodeJob(t, resp)

	resp = env.request(t, "DELETE", "/api/export/jobs/"+job.ID, alice, nil)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, "DELETE", "/api/export/jobs/"+job.ID, bearer(t, "root", model.RoleAdmin), nil)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID, alice, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("deleted job must read as missing, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestList_ScopingAndPagination(t *testing.T) {
	env := newTestEnv(t)
	alice := bearer(t, "alice", model.RoleUser)

	var aliceJobs, bobJobs int
	for i := 0; i < 3; i++ {
		tool := env.seedTool(t, "alice", false)
		resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
		resp.Body.Close()
		aliceJobs++
	}
	bob := bearer(t, "bob", model.RoleUser)
	for i := 0; i < 2; i++ {
		tool := env.seedTool(t, "bob", false)
		resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", bob, nil)
		resp.Body.Close()
		bobJobs++
	}

	decodeList := func(resp *http.Response) *model.JobListResponse {
		defer resp.Body.Close()
		var list model.JobListResponse
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			t.Fatalf("failed to decode listing: %v", err)
		}
		return &list
	}

	resp := env.request(t, "GET", "/api/export/jobs", alice, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list := decodeList(resp)
	if int(list.Total) != aliceJobs || len(list.Jobs) != aliceJobs {
		t.Fatalf("alice must see exactly her %d jobs, got total=%d len=%d", aliceJobs, list.Total, len(list.Jobs))
	}
	for _, j := range list.Jobs {
		if j.OwnerID != "alice" {
			t.Errorf("foreign job leaked into listing: %s", j.OwnerID)
		}
	}

	list = decodeList(env.request(t, "GET", "/api/export/jobs", bearer(t, "root", model.RoleAdmin), nil))
	if int(list.Total) != aliceJobs+bobJobs {
		t.Fatalf("admin must see all jobs, got %d", list.Total)
	}

	list = decodeList(env.request(t, "GET", "/api/export/jobs?limit=2&offset=2", alice, nil))
	if list.Total != 3 || len(list.Jobs) != 1 || list.Page != 2 || list.TotalPages != 2 {
		t.Errorf("unexpected pagination: total=%d len=%d page=%d pages=%d",
			list.Total, len(list.Jobs), list.Page, list.TotalPages)
	}

	// An offset past the end is a valid empty page.
	list = decodeList(env.request(t, "GET", "/api/export/jobs?limit=20&offset=40", alice, nil))
	if len(list.Jobs) != 0 || list.Total != 3 {
		t.Errorf("expected empty page with stable total, got len=%d total=%d", len(list.Jobs), list.Total)
	}
}

func TestList_InvalidSortRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "GET", "/api/export/jobs?sortBy=owner_id", alice, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if detail := decodeError(t, resp); detail.Code != response.CodeValidationError {
		t.Errorf("expected VALIDATION_ERROR, got %s", detail.Code)
	}

	resp = env.request(t, "GET", "/api/export/jobs?from=yesterday", alice, nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// completedJob starts and runs one export to completion, returning the job.
func completedJob(t *testing.T, env *testEnv, authHeader string, toolOwner string) *model.ExportJob {
	t.Helper()
	tool := env.seedTool(t, toolOwner, false)
	resp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", authHeader, nil)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("start failed with %d", resp.StatusCode)
	}
	job := decodeJob(t, resp)
	env.runEnqueued(t)

	got, err := env.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("failed to reload job: %v", err)
	}
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("job did not complete: %s (%v)", got.Status, got.ErrorMessage)
	}
	return got
}

func TestDownload_FullAndRanged(t *testing.T) {
	env := newTestEnv(t)
	alice := bearer(t, "alice", model.RoleUser)
	job := completedJob(t, env, alice, "alice")
	size := *job.PackageSizeBytes

	resp := env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("unexpected content type %q", ct)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Error("missing Accept-Ranges header")
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if int64(len(body)) != size {
		t.Fatalf("expected %d bytes, got %d", size, len(body))
	}
	// Zip local file header magic.
	if string(body[:4]) != "PK\x03\x04" {
		t.Error("payload is not a zip archive")
	}

	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice,
		map[string]string{"Range": "bytes=0-3"})
	if resp.StatusCode != fiber.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	wantCR := fmt.Sprintf("bytes 0-3/%d", size)
	if cr := resp.Header.Get("Content-Range"); cr != wantCR {
		t.Errorf("Content-Range %q, want %q", cr, wantCR)
	}
	part, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(part) != string(body[:4]) {
		t.Errorf("ranged bytes %q do not match the full payload", part)
	}

	// Resume from an offset to the end.
	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice,
		map[string]string{"Range": fmt.Sprintf("bytes=%d-", size/2)})
	if resp.StatusCode != fiber.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	tail, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(tail) != string(body[size/2:]) {
		t.Error("resumed bytes do not match the full payload")
	}

	got, _ := env.store.Get(context.Background(), job.ID)
	if got.DownloadCount != 3 {
		t.Errorf("expected 3 recorded downloads, got %d", got.DownloadCount)
	}
	if got.LastDownloadedAt == nil {
		t.Error("last download timestamp not recorded")
	}
}

func TestDownload_UnsatisfiableRange(t *testing.T) {
	env := newTestEnv(t)
	alice := bearer(t, "alice", model.RoleUser)
	job := completedJob(t, env, alice, "alice")

	resp := env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice,
		map[string]string{"Range": "bytes=999999-"})
	if resp.StatusCode != fiber.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", resp.StatusCode)
	}
	wantCR := fmt.Sprintf("bytes */%d", *job.PackageSizeBytes)
	if cr := resp.Header.Get("Content-Range"); cr != wantCR {
		t.Errorf("Content-Range %q, want %q", cr, wantCR)
	}
	resp.Body.Close()

	got, _ := env.store.Get(context.Background(), job.ID)
	if got.DownloadCount != 0 {
		t.Errorf("rejected range must not count as a download, got %d", got.DownloadCount)
	}
}

func TestDownload_MissingAndUnfinished(t *testing.T) {
	env := newTestEnv(t)
	tool := env.seedTool(t, "alice", false)
	alice := bearer(t, "alice", model.RoleUser)

	resp := env.request(t, "GET", "/api/export/jobs/"+uuid.New().String()+"/download", alice, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// A pending job has no package yet.
	startResp := env.request(t, "POST", "/api/export/"+tool.ID+"/start", alice, nil)
	job := decodeJob(t, startResp)
	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice, nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unfinished job, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// vanishOnOpen passes the size check but reports the object gone on open,
// like a sweep landing between the two calls.
type vanishOnOpen struct {
	storage.Storage
}

func (vanishOnOpen) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return nil, storage.ErrNotExist
}

func TestDownload_BytesReclaimedMidRequest(t *testing.T) {
	env := newTestEnv(t)
	alice := bearer(t, "alice", model.RoleUser)
	job := completedJob(t, env, alice, "alice")

	env.gateway.Storage = vanishOnOpen{Storage: env.storage}

	resp := env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice, nil)
	if resp.StatusCode != fiber.StatusGone {
		t.Fatalf("expected 410, got %d", resp.StatusCode)
	}
	if detail := decodeError(t, resp); detail.Code != response.CodeGone {
		t.Errorf("expected GONE, got %s", detail.Code)
	}

	got, _ := env.store.Get(context.Background(), job.ID)
	if got.DownloadCount != 0 {
		t.Errorf("failed open must not count as a download, got %d", got.DownloadCount)
	}
}

func TestDownload_ExpiredPackageIsGone(t *testing.T) {
	env := newTestEnv(t)
	alice := bearer(t, "alice", model.RoleUser)
	job := completedJob(t, env, alice, "alice")

	// Expire the package while its bytes still exist.
	past := time.Now().Add(-time.Hour)
	if err := env.store.DB().Model(&model.ExportJob{}).
		Where("job_id = ?", job.ID).
		Update("package_expires_at", past).Error; err != nil {
		t.Fatalf("failed to expire package: %v", err)
	}

	resp := env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice, nil)
	if resp.StatusCode != fiber.StatusGone {
		t.Fatalf("expected 410 before the sweep, got %d", resp.StatusCode)
	}
	if detail := decodeError(t, resp); detail.Code != response.CodeGone {
		t.Errorf("expected GONE, got %s", detail.Code)
	}

	// After the sweep reclaims the bytes the answer stays 410, not 404.
	if err := env.storage.Delete(context.Background(), *job.PackagePath); err != nil {
		t.Fatalf("failed to reclaim bytes: %v", err)
	}
	if err := env.store.ClearPackage(context.Background(), job.ID); err != nil {
		t.Fatalf("failed to clear package: %v", err)
	}
	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID+"/download", alice, nil)
	if resp.StatusCode != fiber.StatusGone {
		t.Fatalf("expected 410 after the sweep, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The job record itself remains readable.
	resp = env.request(t, "GET", "/api/export/jobs/"+job.ID, alice, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("job metadata must survive expiry, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
