// Package console runs the interactive prompt that collects jobs from the
// operator.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/paulgrammer/d3d/internal/imagesize"
	"github.com/paulgrammer/d3d/internal/jobs"
)

const (
	promptText = "Enter the prompt for the image generation (or type /q, quit, exit to stop): "
	countText  = "Enter the number of images to generate: "
	sizeText   = "Enter the size of the images (s for standard, l for landscape, p for portrait): "
)

var quitWords = map[string]bool{"/q": true, "quit": true, "exit": true, "q": true}

// errStop ends the loop without submitting the job being collected.
var errStop = errors.New("input loop stopped")

// Scheduler is the part of jobs.Manager the loop drives.
type Scheduler interface {
	Submit(req jobs.CreateJobRequest) (int64, error)
	Cancel()
	Done() <-chan struct{}
}

type Option func(*Loop)

// WithIdleTimeout ends the loop when no line arrives within d of a read
// starting. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(l *Loop) { l.idle = d }
}

func WithMaxImages(n int) Option {
	return func(l *Loop) { l.maxImages = n }
}

type Loop struct {
	lines     <-chan string
	out       io.Writer
	sched     Scheduler
	idle      time.Duration
	maxImages int
	timer     *time.Timer
}

// New starts reading in on its own goroutine. The reader goroutine stays
// blocked on in after Run returns if in never reaches EOF.
func New(in io.Reader, out io.Writer, sched Scheduler, opts ...Option) *Loop {
	l := &Loop{
		out:       out,
		sched:     sched,
		maxImages: 1,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lines = readLines(in)
	return l
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// Run collects prompt, count and size until the operator quits, the idle
// timer fires or the scheduler is cancelled elsewhere. Every exit path leaves
// the scheduler cancelled.
func (l *Loop) Run() {
	if l.idle > 0 {
		l.timer = time.NewTimer(l.idle)
		l.timer.Stop()
		defer l.timer.Stop()
	}
	for {
		req, err := l.collect()
		if err != nil {
			l.sched.Cancel()
			return
		}
		id, err := l.sched.Submit(req)
		if err != nil {
			slog.Warn("job not submitted", "error", err)
			l.sched.Cancel()
			return
		}
		fmt.Fprintf(l.out, "Job %d is now running.\n", id)
	}
}

func (l *Loop) collect() (jobs.CreateJobRequest, error) {
	var req jobs.CreateJobRequest

	for {
		line, err := l.read(promptText)
		if err != nil {
			return req, err
		}
		prompt := strings.TrimSpace(line)
		if quitWords[strings.ToLower(prompt)] {
			fmt.Fprintln(l.out, "Exiting...")
			return req, errStop
		}
		if prompt != "" {
			req.Prompt = prompt
			break
		}
	}

	for {
		line, err := l.read(countText)
		if err != nil {
			return req, err
		}
		count, ok := parseCount(line, l.maxImages)
		if ok {
			req.Count = count
			break
		}
		fmt.Fprintf(l.out, "Please enter a whole number between 0 and %d.\n", l.maxImages)
	}

	for {
		line, err := l.read(sizeText)
		if err != nil {
			return req, err
		}
		size := strings.TrimSpace(line)
		if size == "" {
			size = imagesize.Default
		}
		if _, ok := imagesize.Lookup(size); ok {
			req.Size = size
			break
		}
		fmt.Fprintln(l.out, "Unknown size. Use s, l or p.")
	}
	return req, nil
}

// parseCount accepts a blank line as 1. Zero passes here and is rejected by
// the job itself.
func parseCount(line string, max int) (int, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 1, true
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 || n > max {
		return 0, false
	}
	return n, true
}

func (l *Loop) read(label string) (string, error) {
	select {
	case <-l.sched.Done():
		return "", errStop
	default:
	}

	fmt.Fprint(l.out, label)
	var timeout <-chan time.Time
	if l.timer != nil {
		l.timer.Reset(l.idle)
		defer l.timer.Stop()
		timeout = l.timer.C
	}

	select {
	case line, ok := <-l.lines:
		if !ok {
			fmt.Fprintln(l.out)
			return "", errStop
		}
		return line, nil
	case <-timeout:
		fmt.Fprintf(l.out, "\nNo input for %s. Exiting...\n", l.idle)
		slog.Info("idle timeout reached", "timeout", l.idle)
		return "", errStop
	case <-l.sched.Done():
		fmt.Fprintln(l.out)
		return "", errStop
	}
}
