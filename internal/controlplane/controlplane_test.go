package controlplane

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/history"
	"github.com/openmined/dirsync/internal/logging"
)

const testToken = "secret"

type fakeController struct {
	mu       sync.Mutex
	passes   int
	stopped  bool
	interval time.Duration
	polling  bool
}

func (f *fakeController) StartPass() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return dirsync.ErrSessionStopped
	}
	f.passes++
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeController) SetInterval(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.polling {
		return dirsync.ErrIntervalUnsupported
	}
	if err := dirsync.ValidateInterval(d); err != nil {
		return err
	}
	f.interval = d
	return nil
}

func (f *fakeController) Status() dirsync.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dirsync.SessionStatus{
		Mode:     "poll",
		Source:   "/src",
		Dest:     "/dst",
		State:    dirsync.StateIdle,
		Running:  !f.stopped,
		Passes:   f.passes,
		Interval: f.interval.String(),
	}
}

type fakeLogs []string

func (f fakeLogs) Lines(limit int) []string {
	if limit > len(f) {
		limit = len(f)
	}
	return f[len(f)-limit:]
}

type fakeHistory struct {
	records  []history.PassRecord
	failures map[string][]history.FailureRecord
	err      error
}

func (f *fakeHistory) Recent(limit int) ([]history.PassRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

func (f *fakeHistory) Failures(passID string) ([]history.FailureRecord, error) {
	return f.failures[passID], nil
}

func newTestRouter(ctl Controller, logs LogSource, hist HistorySource) http.Handler {
	gin.SetMode(gin.TestMode)
	return SetupRoutes(&RouteConfig{Token: testToken, RateLimit: 1000}, ctl, logs, hist)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes_RequireToken(t *testing.T) {
	r := newTestRouter(&fakeController{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeUnauthorized)

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/status?token="+testToken, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_IndexIsPublic(t *testing.T) {
	r := newTestRouter(&fakeController{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "version")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestRoutes_NotFound(t *testing.T) {
	r := newTestRouter(&fakeController{}, nil, nil)
	w := do(t, r, http.MethodGet, "/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StatusAndPass(t *testing.T) {
	ctl := &fakeController{polling: true, interval: 30 * time.Second}
	r := newTestRouter(ctl, nil, nil)

	w := do(t, r, http.MethodPost, "/v1/pass", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, r, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status dirsync.SessionStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 1, status.Passes)
	assert.Equal(t, "poll", status.Mode)
	assert.Equal(t, "30s", status.Interval)
	assert.True(t, status.Running)
}

func TestHandler_SetInterval(t *testing.T) {
	ctl := &fakeController{polling: true}
	r := newTestRouter(ctl, nil, nil)

	w := do(t, r, http.MethodPut, "/v1/interval", `{"interval":"10s"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"interval":"10s"`)
	assert.Equal(t, 10*time.Second, ctl.interval)

	w = do(t, r, http.MethodPut, "/v1/interval", `{"interval":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/v1/interval", `{"interval":"100ms"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/v1/interval", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_SetInterval_WatchSessionUnsupported(t *testing.T) {
	r := newTestRouter(&fakeController{}, nil, nil)

	w := do(t, r, http.MethodPut, "/v1/interval", `{"interval":"10s"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeNotSupported)
}

func TestHandler_StopThenPass(t *testing.T) {
	ctl := &fakeController{}
	r := newTestRouter(ctl, nil, nil)

	w := do(t, r, http.MethodPost, "/v1/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctl.stopped)

	w = do(t, r, http.MethodPost, "/v1/pass", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeSessionStopped)
}

func TestHandler_Logs(t *testing.T) {
	logs := fakeLogs{"a", "b", "c"}
	r := newTestRouter(&fakeController{}, logs, nil)

	w := do(t, r, http.MethodGet, "/v1/logs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp LogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"b", "c"}, resp.Lines)

	w = do(t, r, http.MethodGet, "/v1/logs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_History(t *testing.T) {
	hist := &fakeHistory{
		records: []history.PassRecord{{ID: "p2", State: "Completed"}, {ID: "p1", State: "Failed"}},
		failures: map[string][]history.FailureRecord{
			"p1": {{PassID: "p1", Path: "a.txt", Kind: "Modified", Error: "boom"}},
		},
	}
	r := newTestRouter(&fakeController{}, nil, hist)

	w := do(t, r, http.MethodGet, "/v1/history?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var records []history.PassRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "p2", records[0].ID)

	w = do(t, r, http.MethodGet, "/v1/history/p1/failures", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "boom")

	hist.err = errors.New("db gone")
	w = do(t, r, http.MethodGet, "/v1/history", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_HistoryDisabled(t *testing.T) {
	r := newTestRouter(&fakeController{}, nil, nil)
	w := do(t, r, http.MethodGet, "/v1/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), ErrCodeHistoryDisabled)
}

func TestRoutes_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := SetupRoutes(&RouteConfig{Token: testToken, RateLimit: 2}, &fakeController{}, nil, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, r, http.MethodGet, "/v1/status", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_StartStop(t *testing.T) {
	_, err := NewServer(&Config{Addr: "127.0.0.1:0"}, &fakeController{}, nil, nil)
	assert.Error(t, err)

	srv, err := NewServer(&Config{Addr: "127.0.0.1:0", Token: testToken}, &fakeController{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/v1/status", srv.Addr()), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, <-errCh)
}

func TestHandler_StreamLogs(t *testing.T) {
	sink := logging.NewMemorySink(10)
	srv := httptest.NewServer(newTestRouter(&fakeController{}, sink, nil))
	defer srv.Close()

	// headers only go out with the first event, and the subscription starts
	// with the request, so keep writing until a line lands
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sink.Write([]byte("2026-01-01T00:00:00Z - copied path=a.txt\n"))
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/logs/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(resp.Body)
	found := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data:") {
			assert.Contains(t, scanner.Text(), "copied path=a.txt")
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestServer_StopEndsLogStream(t *testing.T) {
	sink := logging.NewMemorySink(10)
	srv, err := NewServer(&Config{Addr: "127.0.0.1:0", Token: testToken}, &fakeController{}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sink.Write([]byte("2026-01-01T00:00:00Z - scanning\n"))
			}
		}
	}()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/v1/logs/stream", srv.Addr()), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// an open stream must not hold shutdown until its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	started := time.Now()
	require.NoError(t, srv.Stop(ctx))
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.NoError(t, <-errCh)
}

func TestHandler_StreamLogs_Unavailable(t *testing.T) {
	r := newTestRouter(&fakeController{}, fakeLogs{"a"}, nil)
	w := do(t, r, http.MethodGet, "/v1/logs/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
