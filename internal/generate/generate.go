package generate

import (
	"context"
	"errors"
)

// Config carries the generation parameters attached to a job. It travels
// inside every chunk so workers do not have to re-read the job row to know
// how to call the backend.
type Config struct {
	Model       string  `json:"model" yaml:"model"`
	Prompt      string  `json:"prompt,omitempty" yaml:"prompt"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
}

// Generator is the external content-generation backend. Implementations are
// expected to tag returned errors as transient or permanent via Error; any
// untagged error is treated as transient by callers.
type Generator interface {
	Generate(ctx context.Context, payload string, cfg Config) (string, error)
}

// ErrorKind classifies a generation failure for retry decisions.
type ErrorKind int

const (
	// KindTransient covers network errors, 5xx responses and rate limits.
	KindTransient ErrorKind = iota
	// KindPermanent covers failures retrying cannot fix: invalid
	// credentials, exhausted quota, billing problems.
	KindPermanent
)

// Error wraps a backend failure with its retry classification.
type Error struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return "generate: " + e.Code + ": " + e.Err.Error()
	}
	return "generate: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable generation error.
func Transient(code string, err error) error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// Permanent wraps err as a non-retryable generation error.
func Permanent(code string, err error) error {
	return &Error{Kind: KindPermanent, Code: code, Err: err}
}

// IsPermanent reports whether err is tagged as permanent. Untagged errors
// count as transient.
func IsPermanent(err error) bool {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind == KindPermanent
	}
	return false
}
