package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

// Oracle sends an evaluation request to a scoring service and returns its raw
// reply text. Implementations never retry and never substitute a score.
type Oracle interface {
	Evaluate(ctx context.Context, req model.EvaluationRequest) (string, error)
}

// Pinger is implemented by oracles that can check their endpoint at startup.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OracleError reports a failed round-trip to the scoring service.
type OracleError struct {
	Op         string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *OracleError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oracle %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("oracle %s: %v", e.Op, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because a deadline expired.
func (e *OracleError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// IsOracleError reports whether err is or wraps an OracleError.
func IsOracleError(err error) bool {
	var oe *OracleError
	return errors.As(err, &oe)
}

// Backend names accepted by New.
const (
	BackendGenerate = "generate"
	BackendOpenAI   = "openai"
)

// Config selects and configures an oracle backend.
type Config struct {
	Backend string
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// New creates the oracle for cfg.Backend.
func New(cfg Config) (Oracle, error) {
	if cfg.URL == "" {
		return nil, errors.New("oracle URL is required")
	}
	switch strings.ToLower(cfg.Backend) {
	case "", BackendGenerate:
		return NewGenerateClient(cfg.URL, cfg.Timeout), nil
	case BackendOpenAI:
		return NewOpenAIClient(cfg.URL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown oracle backend %q", cfg.Backend)
	}
}
