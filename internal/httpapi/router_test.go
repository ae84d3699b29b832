package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paulgrammer/d3d/internal/executor"
	"github.com/paulgrammer/d3d/internal/jobs"
)

type funcRunner func(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error)

func (f funcRunner) Run(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
	return f(ctx, req, obs)
}

func newTestServer(t *testing.T, r executor.Runner) (*httptest.Server, *jobs.Manager) {
	t.Helper()
	streamer := jobs.NewEventStreamer()
	m, err := jobs.NewManager(context.Background(), r, jobs.NewCacheStore(time.Minute), jobs.WithStreamer(streamer))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	srv := httptest.NewServer(NewRouter(m, streamer))
	t.Cleanup(func() {
		m.Shutdown()
		srv.Close()
	})
	return srv, m
}

func TestRouter_SubmitAndGet(t *testing.T) {
	var gotSize string
	srv, m := newTestServer(t, funcRunner(func(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
		gotSize = req.Size
		return &executor.Result{JobID: req.JobID, Files: []string{"x_D3D.png"}}, nil
	}))

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"prompt":"a fox","size":"enormous"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var created struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.JobID != 1 {
		t.Fatalf("decode: %v %+v", err, created)
	}
	m.Drain()

	if gotSize != "enormous" {
		t.Fatalf("size should pass through unvalidated, got %q", gotSize)
	}

	resp2, err := http.Get(srv.URL + "/jobs/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	var job jobs.Job
	if err := json.NewDecoder(resp2.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != jobs.JobStatusCompleted || job.Count != 1 || len(job.Files) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRouter_Errors(t *testing.T) {
	srv, m := newTestServer(t, funcRunner(func(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
		return &executor.Result{}, nil
	}))

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/jobs/abc", "", http.StatusBadRequest},
		{http.MethodGet, "/jobs/99", "", http.StatusNotFound},
		{http.MethodPost, "/jobs", "{", http.StatusBadRequest},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, srv.URL+tt.path, bytes.NewBufferString(tt.body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}

	m.Cancel()
	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"prompt":"late"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit after cancel = %d", resp.StatusCode)
	}
}

func TestRouter_EventsStream(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newTestServer(t, funcRunner(func(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
		<-release
		obs.Observe(executor.Event{JobID: req.JobID, Kind: executor.EventWritten, Location: "output/1_D3D.png"})
		return &executor.Result{JobID: req.JobID, Files: []string{"output/1_D3D.png"}}, nil
	}))

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"prompt":"p","count":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/jobs/1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// the server subscribes right after the upgrade completes
	time.Sleep(100 * time.Millisecond)
	close(release)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "unit" || msg["kind"] != string(executor.EventWritten) {
		t.Fatalf("unexpected first event %v", msg)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "job_finished" {
		t.Fatalf("unexpected second event %v", msg)
	}
}

func TestRouter_SubmitCount(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing count means one", `{"prompt":"p"}`, 1},
		{"explicit zero is kept", `{"prompt":"p","count":0}`, 0},
		{"explicit count", `{"prompt":"p","count":3}`, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counts := make(chan int, 1)
			srv, m := newTestServer(t, funcRunner(func(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
				counts <- req.Count
				if req.Count < 1 {
					return nil, executor.ErrInvalidRequest
				}
				return &executor.Result{JobID: req.JobID}, nil
			}))

			resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("status %d", resp.StatusCode)
			}
			m.Drain()

			if got := <-counts; got != tt.want {
				t.Fatalf("runner got count %d, want %d", got, tt.want)
			}
			job, _ := m.Get(1)
			if tt.want == 0 && job.Status != jobs.JobStatusFailed {
				t.Fatalf("zero count should fail the job, got %s", job.Status)
			}
		})
	}
}

func TestRouter_SubscribeAfterJobFinishedClosesStream(t *testing.T) {
	streamer := jobs.NewEventStreamer()
	m, err := jobs.NewManager(context.Background(), funcRunner(func(ctx context.Context, req executor.Request, obs executor.Observer) (*executor.Result, error) {
		return &executor.Result{JobID: req.JobID}, nil
	}), jobs.NewCacheStore(time.Minute), jobs.WithStreamer(streamer))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	id, err := m.Submit(jobs.CreateJobRequest{Prompt: "p", Count: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m.Drain()

	// the job finished after the handler's status check but before the
	// subscription: subscribe has to close the stream itself
	r := &router{manager: m, streamer: streamer}
	subscribed := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		subscribed <- r.subscribe(id, conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close frame, got %v", err)
	}
	if <-subscribed {
		t.Fatal("subscribe should report a finished job")
	}
}
