// Package imagewriter turns downloaded image bytes into PNG files that carry
// the prompts they were generated from.
package imagewriter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/paulgrammer/d3d/internal/storage"
)

const (
	FileSuffix = "_D3D.png"

	KeyOriginalPrompt = "Original Prompt"
	KeyRevisedPrompt  = "Revised Prompt"
)

// WriteError wraps a decode, encode or persistence failure for one image.
type WriteError struct {
	Stage string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("imagewriter: %s: %v", e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type Option func(*Writer)

// WithClock replaces time.Now for filename generation.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithRandom replaces the four digit suffix source. fn must return a value in
// [1000, 4000).
func WithRandom(fn func() int) Option {
	return func(w *Writer) { w.random = fn }
}

// Writer is safe for concurrent use when its Store is.
type Writer struct {
	store  storage.Store
	now    func() time.Time
	random func() int
}

func New(store storage.Store, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		now:    time.Now,
		random: func() int { return 1000 + rand.IntN(3000) },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Filename builds {epochSeconds}{4 random digits}_D3D.png. Two writes in the
// same second collide with probability 1/3000; that is accepted.
func (w *Writer) Filename() string {
	return fmt.Sprintf("%d%d%s", w.now().Unix(), w.random(), FileSuffix)
}

// Write decodes data, re-encodes it as PNG with both prompts embedded and
// stores it. It returns the stored location.
func (w *Writer) Write(ctx context.Context, originalPrompt, revisedPrompt string, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &WriteError{Stage: "decode", Err: err}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", &WriteError{Stage: "encode", Err: err}
	}

	out, err := embedText(buf.Bytes(), []TextEntry{
		{Keyword: KeyOriginalPrompt, Text: originalPrompt},
		{Keyword: KeyRevisedPrompt, Text: revisedPrompt},
	})
	if err != nil {
		return "", &WriteError{Stage: "encode", Err: err}
	}

	location, err := w.store.Write(ctx, w.Filename(), out)
	if err != nil {
		return "", &WriteError{Stage: "write", Err: err}
	}
	return location, nil
}

// Prompts extracts the original and revised prompt from a file written by
// Writer.
func Prompts(data []byte) (original, revised string, err error) {
	entries, err := ReadText(data)
	if err != nil {
		return "", "", err
	}
	for _, e := range entries {
		switch e.Keyword {
		case KeyOriginalPrompt:
			original = e.Text
		case KeyRevisedPrompt:
			revised = e.Text
		}
	}
	return original, revised, nil
}

// HasSuffix reports whether name looks like a file this package produced.
func HasSuffix(name string) bool {
	return strings.HasSuffix(name, FileSuffix)
}
