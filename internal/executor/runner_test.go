package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paulgrammer/d3d/internal/dalle"
)

type stubResponse struct {
	img *dalle.GeneratedImage
	err error
}

type stubService struct {
	mu             sync.Mutex
	noCredentials  bool
	queue          []stubResponse
	prompts        []string
	sizes          []string
	fetchErr       map[string]error
	fetches        int
	onGenerate     func(ctx context.Context, call int)
	generateCalled int
}

func (s *stubService) Generate(ctx context.Context, prompt, size, quality string) (*dalle.GeneratedImage, error) {
	s.mu.Lock()
	call := s.generateCalled
	s.generateCalled++
	s.prompts = append(s.prompts, prompt)
	s.sizes = append(s.sizes, size)
	var next stubResponse
	if len(s.queue) > 0 {
		next = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		next = stubResponse{img: &dalle.GeneratedImage{RevisedPrompt: "revised " + prompt, URL: fmt.Sprintf("u%d", call)}}
	}
	hook := s.onGenerate
	s.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}
	if next.err != nil {
		return nil, next.err
	}
	img := *next.img
	img.OriginalPrompt = prompt
	return &img, nil
}

func (s *stubService) Fetch(ctx context.Context, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if err := s.fetchErr[url]; err != nil {
		return nil, err
	}
	return []byte("img:" + url), nil
}

func (s *stubService) HasCredentials() bool { return !s.noCredentials }

type written struct {
	original, revised string
	data              string
}

type stubWriter struct {
	mu    sync.Mutex
	files []written
	fail  map[string]bool
}

func (w *stubWriter) Write(ctx context.Context, original, revised string, data []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[string(data)] {
		return "", errors.New("disk full")
	}
	w.files = append(w.files, written{original, revised, string(data)})
	return fmt.Sprintf("output/%d_D3D.png", len(w.files)), nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func serviceErr() error {
	return &dalle.ServiceError{Op: "generate", StatusCode: 500, Body: "boom"}
}

func TestRunner_TwoUnitsComplete(t *testing.T) {
	svc := &stubService{queue: []stubResponse{
		{img: &dalle.GeneratedImage{RevisedPrompt: "R1", URL: "U1"}},
		{img: &dalle.GeneratedImage{RevisedPrompt: "R2", URL: "U2"}},
	}}
	w := &stubWriter{}
	r := NewRunner(svc, w, WithMaxImages(4))

	res, err := r.Run(context.Background(), Request{JobID: 1, Prompt: "a cat", Count: 2, Size: "s"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stopped || len(res.Files) != 2 || res.Generated != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if w.files[0] != (written{"a cat", "R1", "img:U1"}) || w.files[1] != (written{"a cat", "R2", "img:U2"}) {
		t.Fatalf("unexpected writes: %+v", w.files)
	}
	if svc.sizes[0] != "s" {
		t.Fatalf("size token should be passed through, got %q", svc.sizes[0])
	}
}

func TestRunner_FirstFailureDiagnosedOnce(t *testing.T) {
	svc := &stubService{queue: []stubResponse{
		{err: serviceErr()},
		{img: &dalle.GeneratedImage{RevisedPrompt: "R2", URL: "U2"}},
		{img: &dalle.GeneratedImage{RevisedPrompt: "R3", URL: "U3"}},
	}}
	w := &stubWriter{}
	rec := &recorder{}
	r := NewRunner(svc, w, WithMaxImages(3))

	res, err := r.Run(context.Background(), Request{JobID: 2, Prompt: "p", Count: 3}, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Files) != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := rec.count(EventUnableToGetImage); got != 1 {
		t.Fatalf("expected one unable-to-get-image diagnostic, got %d", got)
	}
}

func TestRunner_WriteEventsKeepUnitNumber(t *testing.T) {
	svc := &stubService{
		queue: []stubResponse{
			{img: &dalle.GeneratedImage{RevisedPrompt: "R1", URL: "U1"}},
			{err: serviceErr()},
			{img: &dalle.GeneratedImage{RevisedPrompt: "R3", URL: "U3"}},
		},
		fetchErr: map[string]error{"U3": errors.New("gone")},
	}
	rec := &recorder{}
	r := NewRunner(svc, &stubWriter{}, WithMaxImages(3))

	if _, err := r.Run(context.Background(), Request{JobID: 5, Prompt: "p", Count: 3}, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[EventKind][]int{
		EventGenerated:      {0, 2},
		EventGenerateFailed: {1},
		EventWritten:        {0},
		EventFetchFailed:    {2},
	}
	got := map[EventKind][]int{}
	for _, e := range rec.events {
		got[e.Kind] = append(got[e.Kind], e.Unit)
	}
	for kind, units := range want {
		if fmt.Sprint(got[kind]) != fmt.Sprint(units) {
			t.Errorf("%s units = %v, want %v", kind, got[kind], units)
		}
	}
}

func TestRunner_LaterFailuresAreNotDiagnosed(t *testing.T) {
	svc := &stubService{queue: []stubResponse{
		{img: &dalle.GeneratedImage{RevisedPrompt: "R1", URL: "U1"}},
		{err: serviceErr()},
		{err: serviceErr()},
	}}
	rec := &recorder{}
	r := NewRunner(svc, &stubWriter{}, WithMaxImages(3))

	if _, err := r.Run(context.Background(), Request{JobID: 3, Prompt: "p", Count: 3}, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.count(EventUnableToGetImage); got != 0 {
		t.Fatalf("expected no diagnostic, got %d", got)
	}
	if got := rec.count(EventGenerateFailed); got != 2 {
		t.Fatalf("expected 2 generate failures, got %d", got)
	}
}

func TestRunner_AllGenerateFail(t *testing.T) {
	svc := &stubService{queue: []stubResponse{{err: serviceErr()}, {err: serviceErr()}}}
	w := &stubWriter{}
	r := NewRunner(svc, w, WithMaxImages(2))

	_, err := r.Run(context.Background(), Request{JobID: 4, Prompt: "p", Count: 2}, nil)
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
	if svc.fetches != 0 || len(w.files) != 0 {
		t.Fatalf("no fetch or write expected")
	}
}

func TestRunner_ValidationRejectsBeforeNetwork(t *testing.T) {
	tests := []struct {
		name string
		svc  *stubService
		req  Request
		want error
	}{
		{"over max", &stubService{}, Request{Prompt: "p", Count: 5}, ErrInvalidRequest},
		{"zero", &stubService{}, Request{Prompt: "p", Count: 0}, ErrInvalidRequest},
		{"empty prompt", &stubService{}, Request{Count: 1}, ErrInvalidRequest},
		{"no key", &stubService{noCredentials: true}, Request{Prompt: "p", Count: 1}, ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(tt.svc, &stubWriter{}, WithMaxImages(4))
			_, err := r.Run(context.Background(), tt.req, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if tt.svc.generateCalled != 0 {
				t.Fatalf("generate must not be called, got %d calls", tt.svc.generateCalled)
			}
		})
	}
}

func TestRunner_FetchAndWriteFailuresSkipUnit(t *testing.T) {
	svc := &stubService{
		queue: []stubResponse{
			{img: &dalle.GeneratedImage{RevisedPrompt: "R1", URL: "U1"}},
			{img: &dalle.GeneratedImage{RevisedPrompt: "R2", URL: "U2"}},
			{img: &dalle.GeneratedImage{RevisedPrompt: "R3", URL: "U3"}},
		},
		fetchErr: map[string]error{"U1": &dalle.ServiceError{Op: "fetch", StatusCode: 404}},
	}
	w := &stubWriter{fail: map[string]bool{"img:U2": true}}
	rec := &recorder{}
	r := NewRunner(svc, w, WithMaxImages(3))

	res, err := r.Run(context.Background(), Request{JobID: 5, Prompt: "p", Count: 3}, rec)
	if err != nil {
		t.Fatalf("partial success must not be an error: %v", err)
	}
	if len(res.Files) != 1 || res.Stopped {
		t.Fatalf("unexpected result %+v", res)
	}
	if rec.count(EventFetchFailed) != 1 || rec.count(EventWriteFailed) != 1 || rec.count(EventWritten) != 1 {
		t.Fatalf("unexpected events %+v", rec.events)
	}
}

func TestRunner_UseRevisedChainsPrompt(t *testing.T) {
	svc := &stubService{}
	r := NewRunner(svc, &stubWriter{}, WithMaxImages(3), WithUseRevised(true))
	if _, err := r.Run(context.Background(), Request{JobID: 6, Prompt: "p", Count: 3}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"p", "revised p", "revised revised p"}
	for i, p := range want {
		if svc.prompts[i] != p {
			t.Fatalf("prompt %d = %q, want %q", i, svc.prompts[i], p)
		}
	}
}

func TestRunner_WithoutRevisedReusesPrompt(t *testing.T) {
	svc := &stubService{}
	r := NewRunner(svc, &stubWriter{}, WithMaxImages(2))
	if _, err := r.Run(context.Background(), Request{JobID: 7, Prompt: "p", Count: 2}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.prompts[0] != "p" || svc.prompts[1] != "p" {
		t.Fatalf("prompts should not chain: %v", svc.prompts)
	}
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	svc := &stubService{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewRunner(svc, &stubWriter{}, WithMaxImages(2)).Run(ctx, Request{JobID: 8, Prompt: "p", Count: 2}, nil)
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if !res.Stopped || svc.generateCalled != 0 {
		t.Fatalf("expected stopped with no calls, got %+v calls=%d", res, svc.generateCalled)
	}
}

func TestRunner_CancelDuringFirstUnitLetsCallFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inFlightErr error
	svc := &stubService{onGenerate: func(callCtx context.Context, call int) {
		if call == 0 {
			cancel()
			inFlightErr = callCtx.Err()
		}
	}}
	w := &stubWriter{}

	res, err := NewRunner(svc, w, WithMaxImages(3)).Run(ctx, Request{JobID: 9, Prompt: "p", Count: 3}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Stopped {
		t.Fatalf("expected stopped result")
	}
	if inFlightErr != nil {
		t.Fatalf("in-flight call saw cancellation: %v", inFlightErr)
	}
	if svc.generateCalled != 1 || len(w.files) != 0 {
		t.Fatalf("no further units expected: calls=%d writes=%d", svc.generateCalled, len(w.files))
	}
}

func TestRunner_UnitIntervalPacesGenerateCalls(t *testing.T) {
	svc := &stubService{}
	r := NewRunner(svc, &stubWriter{}, WithMaxImages(3), WithUnitInterval(30*time.Millisecond))

	start := time.Now()
	if _, err := r.Run(context.Background(), Request{JobID: 10, Prompt: "p", Count: 3}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected paced calls, finished in %s", elapsed)
	}
}
