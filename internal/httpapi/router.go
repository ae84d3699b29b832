// Package httpapi serves an optional status and submission endpoint next to the
// interactive prompt.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulgrammer/d3d/internal/jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type router struct {
	manager  *jobs.Manager
	streamer *jobs.EventStreamer
}

func NewRouter(manager *jobs.Manager, streamer *jobs.EventStreamer) http.Handler {
	r := &router{manager: manager, streamer: streamer}
	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", r.handleHealth)
	m.HandleFunc("GET /jobs", r.handleListJobs)
	m.HandleFunc("POST /jobs", r.handleCreateJob)
	m.HandleFunc("GET /jobs/{id}", r.handleJob)
	m.HandleFunc("GET /jobs/{id}/events", r.handleJobEvents)
	m.Handle("GET /metrics", promhttp.Handler())
	return logging(m)
}

// createJobBody tells a missing count apart from an explicit zero.
type createJobBody struct {
	Prompt string `json:"prompt"`
	Count  *int   `json:"count"`
	Size   string `json:"size"`
}

// handleCreateJob accepts programmatic submissions. A missing count means one
// image; any given count, zero included, is left for the job to validate. The
// size token is passed through as given; the image client renders anything it
// does not recognize as square.
func (r *router) handleCreateJob(w http.ResponseWriter, req *http.Request) {
	var body createJobBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	count := 1
	if body.Count != nil {
		count = *body.Count
	}

	id, err := r.manager.Submit(jobs.CreateJobRequest{
		Prompt: body.Prompt,
		Count:  count,
		Size:   body.Size,
	})
	if errors.Is(err, jobs.ErrStopped) {
		respondWithError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": jobs.JobStatusRunning})
}

func (r *router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, r.manager.List())
}

func (r *router) handleJob(w http.ResponseWriter, req *http.Request) {
	id, ok := jobID(w, req)
	if !ok {
		return
	}
	job, found := r.manager.Get(id)
	if !found {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	if r.manager.Stopped() {
		status = "stopping"
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"jobs":   r.manager.Counts(),
	})
}

// handleJobEvents streams unit progress of a running job over a websocket.
func (r *router) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	id, ok := jobID(w, req)
	if !ok {
		return
	}
	job, found := r.manager.Get(id)
	if !found {
		respondWithError(w, http.StatusNotFound, "not found")
		return
	}
	if job.Status.Terminal() {
		respondWithJSON(w, http.StatusGone, job)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	if !r.subscribe(id, conn) {
		return
	}
	defer r.streamer.Unsubscribe(id, conn)

	// reads only detect the client going away or the stream being closed
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}

// subscribe registers conn for the job's events. A job that finished between
// the status check and the subscription already closed its stream, so conn is
// closed here instead and subscribe reports false.
func (r *router) subscribe(id int64, conn *websocket.Conn) bool {
	r.streamer.Subscribe(id, conn)
	if job, found := r.manager.Get(id); found && !job.Status.Terminal() {
		return true
	}
	r.streamer.CloseSubscriber(id, conn)
	return false
}

func jobID(w http.ResponseWriter, req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}
