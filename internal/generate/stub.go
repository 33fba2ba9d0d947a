package generate

import (
	"context"
	"fmt"
	"time"
)

// Stub is a deterministic local backend for development and tests. It never
// fails and produces a canned completion derived from the payload.
type Stub struct {
	// Delay simulates backend latency per call. Zero means no delay.
	Delay time.Duration
}

func (s *Stub) Generate(ctx context.Context, payload string, cfg Config) (string, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", Transient("canceled", ctx.Err())
		}
	}
	return fmt.Sprintf("[stub completion] %s", payload), nil
}
