// Package executor runs a single image generation job: it validates the
// request, generates each unit in order, then downloads and stores every
// generated unit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/paulgrammer/d3d/internal/dalle"
)

var (
	// ErrInvalidRequest is returned before any network call when the request
	// fails entry validation.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrMissingCredentials is returned when no API key is configured.
	ErrMissingCredentials = errors.New("api key is missing")
	// ErrNoImages is returned when every generate call of a job failed.
	ErrNoImages = errors.New("unable to get any image")
)

// ImageService is the remote generation API.
type ImageService interface {
	Generate(ctx context.Context, prompt, size, quality string) (*dalle.GeneratedImage, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
	HasCredentials() bool
}

// ImageWriter persists one downloaded image with its prompts.
type ImageWriter interface {
	Write(ctx context.Context, originalPrompt, revisedPrompt string, data []byte) (string, error)
}

// Request describes one job.
type Request struct {
	JobID  int64  `json:"job_id"`
	Prompt string `json:"prompt" validate:"required"`
	Count  int    `json:"count"`
	Size   string `json:"size"`
}

// Result summarizes a finished job. Stopped is set when cancellation cut the
// job short; it is not an error.
type Result struct {
	JobID     int64
	Requested int
	Generated int
	Failed    int
	Files     []string
	Stopped   bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

type Runner interface {
	Run(ctx context.Context, req Request, obs Observer) (*Result, error)
}

// Config controls job execution.
type Config struct {
	MaxImages int
	Quality   string
	// UseRevised feeds each unit's revised prompt into the next unit.
	UseRevised bool
	// UnitInterval spaces generate calls within one job. Zero disables pacing.
	UnitInterval time.Duration
}

type RunnerOption func(*runner)

func WithMaxImages(n int) RunnerOption {
	return func(r *runner) { r.config.MaxImages = n }
}

func WithQuality(q string) RunnerOption {
	return func(r *runner) { r.config.Quality = q }
}

func WithUseRevised(v bool) RunnerOption {
	return func(r *runner) { r.config.UseRevised = v }
}

func WithUnitInterval(d time.Duration) RunnerOption {
	return func(r *runner) { r.config.UnitInterval = d }
}

func NewRunner(service ImageService, writer ImageWriter, opts ...RunnerOption) Runner {
	r := &runner{
		service:  service,
		writer:   writer,
		validate: validator.New(),
		config: Config{
			MaxImages: 1,
			Quality:   "standard",
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runner struct {
	service  ImageService
	writer   ImageWriter
	validate *validator.Validate
	config   Config
}

// Run executes req. Cancellation of ctx is only observed between units: calls
// already in flight run to completion on a context detached from ctx.
func (r *runner) Run(ctx context.Context, req Request, obs Observer) (*Result, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	if err := r.validateInput(req); err != nil {
		return nil, err
	}

	result := &Result{
		JobID:     req.JobID,
		Requested: req.Count,
		StartTime: time.Now(),
	}
	log := slog.With("job_id", req.JobID)
	calls := context.WithoutCancel(ctx)

	var limiter *rate.Limiter
	if r.config.UnitInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(r.config.UnitInterval), 1)
	}

	prompt := req.Prompt
	generated := make([]generatedUnit, 0, req.Count)
	for unit := 0; unit < req.Count; unit++ {
		if ctx.Err() != nil {
			return r.stop(result, obs, unit), nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return r.stop(result, obs, unit), nil
			}
		}

		img, err := r.service.Generate(calls, prompt, req.Size, r.config.Quality)
		if err != nil {
			result.Failed++
			if unit == 0 {
				obs.Observe(Event{JobID: req.JobID, Kind: EventUnableToGetImage, Unit: unit, Err: err})
			}
			obs.Observe(Event{JobID: req.JobID, Kind: EventGenerateFailed, Unit: unit, Err: err})
			log.Warn("generate failed, skipping unit", "unit", unit+1, "error", err)
			continue
		}

		generated = append(generated, generatedUnit{unit: unit, img: img})
		result.Generated++
		obs.Observe(Event{JobID: req.JobID, Kind: EventGenerated, Unit: unit, Message: img.RevisedPrompt})
		log.Debug("unit generated", "unit", unit+1, "revised_prompt", img.RevisedPrompt)

		if r.config.UseRevised && img.RevisedPrompt != "" {
			prompt = img.RevisedPrompt
		}
	}

	if len(generated) == 0 {
		r.finish(result)
		return result, fmt.Errorf("job %d: %w", req.JobID, ErrNoImages)
	}

	for _, g := range generated {
		unit, img := g.unit, g.img
		if ctx.Err() != nil {
			return r.stop(result, obs, unit), nil
		}

		data, err := r.service.Fetch(calls, img.URL)
		if err != nil {
			obs.Observe(Event{JobID: req.JobID, Kind: EventFetchFailed, Unit: unit, Err: err})
			log.Warn("unable to get image url", "unit", unit+1, "error", err)
			continue
		}

		location, err := r.writer.Write(calls, img.OriginalPrompt, img.RevisedPrompt, data)
		if err != nil {
			obs.Observe(Event{JobID: req.JobID, Kind: EventWriteFailed, Unit: unit, Err: err})
			log.Warn("unable to save image", "unit", unit+1, "error", err)
			continue
		}

		result.Files = append(result.Files, location)
		obs.Observe(Event{JobID: req.JobID, Kind: EventWritten, Unit: unit, Location: location})
	}

	r.finish(result)
	r.logExecutionResult(result)
	return result, nil
}

// generatedUnit keeps the unit number so that fetch and write events name the
// same unit as the generate event did.
type generatedUnit struct {
	unit int
	img  *dalle.GeneratedImage
}

func (r *runner) validateInput(req Request) error {
	if !r.service.HasCredentials() {
		return fmt.Errorf("job %d: %w", req.JobID, ErrMissingCredentials)
	}
	if err := r.validate.Struct(req); err != nil {
		return fmt.Errorf("job %d: %w: %v", req.JobID, ErrInvalidRequest, err)
	}
	if err := r.validate.Var(req.Count, fmt.Sprintf("min=1,max=%d", r.config.MaxImages)); err != nil {
		return fmt.Errorf("job %d: %w: count %d must be between 1 and %d", req.JobID, ErrInvalidRequest, req.Count, r.config.MaxImages)
	}
	return nil
}

func (r *runner) stop(result *Result, obs Observer, unit int) *Result {
	result.Stopped = true
	r.finish(result)
	obs.Observe(Event{JobID: result.JobID, Kind: EventStopped, Unit: unit})
	r.logExecutionResult(result)
	return result
}

func (r *runner) finish(result *Result) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
}

func (r *runner) logExecutionResult(result *Result) {
	level := slog.LevelInfo
	if result.Stopped {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "job execution finished",
		"job_id", result.JobID,
		"requested", result.Requested,
		"generated", result.Generated,
		"generate_failures", result.Failed,
		"written", len(result.Files),
		"stopped", result.Stopped,
		"duration", result.Duration.String(),
	)
}
