package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jupark12/go-extract-queue/gateway"
	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/models"
	"github.com/jupark12/go-extract-queue/progress"
	"github.com/jupark12/go-extract-queue/store"
)

const testSecret = "test-secret"

// stubRunner moves jobs the way the dispatcher commits them, without running
// any work.
type stubRunner struct {
	store store.Store

	mu       sync.Mutex
	startErr error
	retryErr error
	starts   []string
}

func (r *stubRunner) Start(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.starts = append(r.starts, jobID)
	startErr := r.startErr
	r.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	_, err := r.store.Update(ctx, jobID, models.BeginDownload())
	return err
}

func (r *stubRunner) Retry(ctx context.Context, jobID string) (*models.ExtractionJob, error) {
	r.mu.Lock()
	retryErr := r.retryErr
	r.mu.Unlock()
	if retryErr != nil {
		return nil, retryErr
	}
	return r.store.Update(ctx, jobID, models.Requeue())
}

func (r *stubRunner) failStart(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

func (r *stubRunner) failRetry(err error) {
	r.mu.Lock()
	r.retryErr = err
	r.mu.Unlock()
}

func (r *stubRunner) Running() int { return 0 }

func (r *stubRunner) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

type unavailableStore struct {
	store.Store
}

func (unavailableStore) Get(context.Context, string) (*models.ExtractionJob, error) {
	return nil, fmt.Errorf("%w: connection refused", models.ErrStoreUnavailable)
}

type testServer struct {
	srv     *Server
	http    *httptest.Server
	store   *store.MemoryStore
	runner  *stubRunner
	gateway *gateway.Gateway
	auth    *Authenticator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.NewMemoryStore()
	require.NoError(t, err)
	return newTestServerWithStore(t, st, st)
}

func newTestServerWithStore(t *testing.T, mem *store.MemoryStore, st store.Store) *testServer {
	t.Helper()

	log := logger.NewNop()
	bus := progress.NewMemoryBus()
	runner := &stubRunner{store: mem}
	gw := gateway.New(st, nil, log)
	auth := NewAuthenticator(testSecret, "root")

	srv := NewServer(Dependencies{
		Store:     st,
		Runner:    runner,
		Publisher: progress.NewPublisher(bus, time.Hour, log),
		Status:    progress.NewStatusReader(bus, st, log),
		Gateway:   gw,
		Auth:      auth,
		Logger:    log,
	}, Options{Addr: ":0", MaxClipDuration: 10 * time.Minute})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts, store: mem, runner: runner, gateway: gw, auth: auth}
}

func (ts *testServer) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := ts.auth.Issue(owner, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, owner string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, owner))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) seed(t *testing.T, owner string) *models.ExtractionJob {
	t.Helper()
	job, err := models.NewExtractionJob("", owner, "file:///media/in.mp4", 10*time.Second, 40*time.Second, 0, time.Now())
	require.NoError(t, err)
	_, err = ts.store.Create(context.Background(), job)
	require.NoError(t, err)
	return job
}

func (ts *testServer) complete(t *testing.T, id, artifact string) {
	t.Helper()
	ctx := context.Background()
	for _, tr := range []models.Transition{models.BeginDownload(), models.BeginProcessing(25), models.Complete(artifact)} {
		_, err := ts.store.Update(ctx, id, tr)
		require.NoError(t, err)
	}
}

func TestServer_RequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodOptions, "/jobs", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestServer_CreateJob(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/jobs", "alice", createJobRequest{
		SourceReference: "https://example.com/watch?v=abc",
		StartTime:       "00:01:30",
		EndTime:         "02:00",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	job := decode[jobResponse](t, resp)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, "00:01:30", job.StartTime)
	assert.Equal(t, "00:02:00", job.EndTime)
	assert.Empty(t, ts.runner.started(), "jobs are not started unless asked")

	stored, err := ts.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, stored.RangeStart)

	status := ts.do(t, http.MethodGet, "/jobs/"+job.ID+"/status", "alice", nil)
	require.Equal(t, http.StatusOK, status.StatusCode)
	u := decode[models.ProgressUpdate](t, status)
	assert.Equal(t, models.StatusPending, u.Status)
}

func TestServer_CreateJobRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  createJobRequest
	}{
		{"malformed start", createJobRequest{SourceReference: "x", StartTime: "1:2:3:4", EndTime: "00:10"}},
		{"end before start", createJobRequest{SourceReference: "x", StartTime: "00:10", EndTime: "00:05"}},
		{"clip too long", createJobRequest{SourceReference: "x", StartTime: "00:00", EndTime: "00:30:00"}},
		{"missing source", createJobRequest{StartTime: "00:00", EndTime: "00:10"}},
		{"notes too long", createJobRequest{SourceReference: "x", StartTime: "00:00", EndTime: "00:10", Notes: strings.Repeat("n", maxNotesLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/jobs", "alice", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	jobs, err := ts.store.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestServer_CreateJobAutoStart(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/jobs", "alice", createJobRequest{
		SourceReference: "file:///media/in.mp4",
		StartTime:       "00:00",
		EndTime:         "00:10",
		AutoStart:       true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	job := decode[jobResponse](t, resp)
	assert.Equal(t, models.StatusDownloading, job.Status)
	assert.Empty(t, job.StartRejection)

	ts.runner.failStart(models.ErrAdmissionDenied)
	resp = ts.do(t, http.MethodPost, "/jobs", "alice", createJobRequest{
		SourceReference: "file:///media/in.mp4",
		StartTime:       "00:00",
		EndTime:         "00:10",
		AutoStart:       true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	denied := decode[jobResponse](t, resp)
	assert.Equal(t, models.StatusPending, denied.Status)
	assert.Equal(t, models.ReasonOverCapacity, denied.StartRejection)
}

func TestServer_JobsAreScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	aliceJob := ts.seed(t, "alice")
	ts.seed(t, "bob")

	resp := ts.do(t, http.MethodGet, "/jobs/"+aliceJob.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other owners' jobs look missing")

	resp = ts.do(t, http.MethodGet, "/jobs/"+aliceJob.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, aliceJob.ID, decode[jobResponse](t, resp).ID)

	resp = ts.do(t, http.MethodGet, "/jobs/"+aliceJob.ID, "root", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "admin sees every job")

	resp = ts.do(t, http.MethodGet, "/jobs", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]jobResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].OwnerID)

	resp = ts.do(t, http.MethodGet, "/jobs", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]jobResponse](t, resp), 2)

	resp = ts.do(t, http.MethodGet, "/jobs?owner=bob", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	filtered := decode[[]jobResponse](t, resp)
	require.Len(t, filtered, 1)
	assert.Equal(t, "bob", filtered[0].OwnerID)

	resp = ts.do(t, http.MethodGet, "/jobs?owner=bob", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, j := range decode[[]jobResponse](t, resp) {
		assert.Equal(t, "alice", j.OwnerID, "owner filter is ignored for non-admins")
	}
}

func TestServer_ListJobsFilters(t *testing.T) {
	ts := newTestServer(t)
	done := ts.seed(t, "alice")
	ts.complete(t, done.ID, "/tmp/out.mp4")
	ts.seed(t, "alice")
	ts.seed(t, "alice")

	resp := ts.do(t, http.MethodGet, "/jobs?status=completed", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]jobResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, done.ID, list[0].ID)

	resp = ts.do(t, http.MethodGet, "/jobs?limit=2", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]jobResponse](t, resp), 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/jobs?status=bogus", "alice", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/jobs?limit=-1", "alice", nil).StatusCode)
}

func TestServer_StartJob(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		wantStatus int
		wantReason string
	}{
		{"accepted", nil, http.StatusAccepted, ""},
		{"over capacity", models.ErrAdmissionDenied, http.StatusTooManyRequests, models.ReasonOverCapacity},
		{"not startable", models.ErrInvalidState, http.StatusConflict, models.ReasonInvalidState},
		{"store down", fmt.Errorf("%w: timeout", models.ErrStoreUnavailable), http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.runner.failStart(tt.startErr)
			job := ts.seed(t, "alice")

			resp := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/start", "alice", nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusAccepted {
				assert.Equal(t, tt.wantReason, decode[errorResponse](t, resp).Reason)
			}
		})
	}
}

func TestServer_StartJobOfOtherOwner(t *testing.T) {
	ts := newTestServer(t)
	job := ts.seed(t, "alice")

	resp := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/start", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, ts.runner.started())

	resp = ts.do(t, http.MethodPost, "/jobs/missing/start", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_NotesSurviveRetry(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/jobs", "alice", createJobRequest{
		SourceReference: "https://example.com/watch?v=abc",
		StartTime:       "00:10",
		EndTime:         "00:20",
		Notes:           "intro for the conference reel",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[jobResponse](t, resp)
	assert.Equal(t, "intro for the conference reel", created.Notes)

	ctx := context.Background()
	_, err := ts.store.Update(ctx, created.ID, models.BeginDownload())
	require.NoError(t, err)
	_, err = ts.store.Update(ctx, created.ID, models.Fail(models.StatusDownloading, "download failed"))
	require.NoError(t, err)

	resp = ts.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retried := decode[jobResponse](t, resp)
	assert.Equal(t, "intro for the conference reel", retried.Notes)

	resp = ts.do(t, http.MethodGet, "/jobs/"+created.ID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "intro for the conference reel", decode[jobResponse](t, resp).Notes)
}

func TestServer_RetryJob(t *testing.T) {
	ts := newTestServer(t)
	job := ts.seed(t, "alice")
	ctx := context.Background()
	_, err := ts.store.Update(ctx, job.ID, models.BeginDownload())
	require.NoError(t, err)
	_, err = ts.store.Update(ctx, job.ID, models.Fail(models.StatusDownloading, "download failed"))
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/retry", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retried := decode[jobResponse](t, resp)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.ErrorDetail)

	ts.runner.failRetry(models.ErrInvalidState)
	resp = ts.do(t, http.MethodPost, "/jobs/"+job.ID+"/retry", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_DeleteJob(t *testing.T) {
	ts := newTestServer(t)

	artifact := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("clip"), 0o644))
	done := ts.seed(t, "alice")
	ts.complete(t, done.ID, artifact)

	running := ts.seed(t, "alice")
	_, err := ts.store.Update(context.Background(), running.ID, models.BeginDownload())
	require.NoError(t, err)

	resp := ts.do(t, http.MethodDelete, "/jobs/"+running.ID, "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/jobs/"+done.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.FileExists(t, artifact)

	resp = ts.do(t, http.MethodDelete, "/jobs/"+done.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NoFileExists(t, artifact)

	_, err = ts.store.Get(context.Background(), done.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestServer_StoreUnavailable(t *testing.T) {
	mem, err := store.NewMemoryStore()
	require.NoError(t, err)
	ts := newTestServerWithStore(t, mem, unavailableStore{Store: mem})

	resp := ts.do(t, http.MethodGet, "/jobs/any", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["running"])
}

func TestServer_WebSocketDeliversOwnUpdates(t *testing.T) {
	ts := newTestServer(t)
	updates := make(chan models.ProgressUpdate)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ts.gateway.Run(ctx, updates)

	mine := ts.seed(t, "alice")
	theirs := ts.seed(t, "bob")

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?token=" + ts.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return ts.gateway.Connected() == 1 }, 2*time.Second, 5*time.Millisecond)

	updates <- models.ProgressUpdate{JobID: theirs.ID, Status: models.StatusDownloading}
	updates <- models.ProgressUpdate{JobID: mine.ID, Status: models.StatusDownloading}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var u models.ProgressUpdate
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, mine.ID, u.JobID)
}

func TestServer_WebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
