package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/logging"
	"github.com/Sternrassler/graph-batch-client/pkg/request"
	"github.com/rs/zerolog"
)

// Bounds on the construction parameters. The service caps a batch at 20
// sub-requests; more than 20 concurrent sends starve local connections.
const (
	MaxConcurrency = 20
	MaxBatchSize   = batch.MaxSize
)

// Sender sends one HTTP request with retries. *client.Sender implements it.
type Sender interface {
	Send(ctx context.Context, req *http.Request, initialDelay time.Duration) (*http.Response, error)
}

// Config holds the dispatcher configuration.
type Config struct {
	// BaseURL is the service root; every request must live under it.
	BaseURL string

	// Concurrency bounds in-flight batch sends (1-20).
	Concurrency int

	// BatchSize bounds sub-requests per batch (1-20).
	BatchSize int

	// IdleFlush is how long the consumer waits for intake before sending a
	// partial batch.
	IdleFlush time.Duration

	// Sender performs batch requests.
	Sender Sender

	// Logger overrides the component logger.
	Logger *zerolog.Logger

	// Sink receives the dispatcher's log lines when Logger is nil.
	Sink logging.LineWriter
}

// DefaultConfig returns the default configuration for sender.
func DefaultConfig(sender Sender) Config {
	return Config{
		BaseURL:     request.DefaultBaseURL,
		Concurrency: 16,
		BatchSize:   MaxBatchSize,
		IdleFlush:   2 * time.Second,
		Sender:      sender,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Sender == nil {
		return fmt.Errorf("sender is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return fmt.Errorf("concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.Concurrency)
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d (got %d)", MaxBatchSize, c.BatchSize)
	}
	if c.IdleFlush <= 0 {
		return fmt.Errorf("idle flush must be positive (got %s)", c.IdleFlush)
	}
	return nil
}
