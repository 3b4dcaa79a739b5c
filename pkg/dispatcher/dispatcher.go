// Package dispatcher batches individual Graph requests, sends the batches
// concurrently under a bounded budget and routes every sub-response back to
// the callback that submitted it.
//
// A Dispatcher is single-use: any unrecoverable batch failure cancels it for
// good, and callers create a new one for the next burst of work.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/batch"
	"github.com/Sternrassler/graph-batch-client/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrBatchFailed wraps every dispatcher-fatal batch failure.
	ErrBatchFailed = errors.New("batch failed")

	// ErrDisposed is the cancellation cause after Dispose.
	ErrDisposed = errors.New("dispatcher disposed")
)

// Dispatcher owns the intake and retry queues and the consumer loop.
type Dispatcher struct {
	id     string
	cfg    Config
	codec  *batch.Codec
	logger zerolog.Logger
	sink   *logging.SinkWriter

	nextID  atomic.Int64
	intake  *queue
	retries *queue

	ctx    context.Context
	cancel context.CancelCauseFunc

	completions chan error
	sends       sync.WaitGroup
	done        chan struct{}
	disposeOnce sync.Once
}

// New validates cfg and starts the consumer loop.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	id := uuid.NewString()
	var sink *logging.SinkWriter
	logger := log.With().Str("component", "dispatcher").Logger()
	switch {
	case cfg.Logger != nil:
		logger = *cfg.Logger
	case cfg.Sink != nil:
		sink = logging.NewSinkWriter(cfg.Sink)
		logger = zerolog.New(sink).
			With().Timestamp().Str("component", "dispatcher").Logger()
	}
	logger = logger.With().Str("dispatcher_id", id).Logger()

	ctx, cancel := context.WithCancelCause(context.Background())

	d := &Dispatcher{
		id:          id,
		cfg:         cfg,
		codec:       batch.NewCodec(cfg.BaseURL, &logger),
		logger:      logger,
		sink:        sink,
		intake:      newQueue("intake"),
		retries:     newQueue("retry"),
		ctx:         ctx,
		cancel:      cancel,
		completions: make(chan error, cfg.Concurrency),
		done:        make(chan struct{}),
	}

	logger.Info().
		Int("concurrency", cfg.Concurrency).
		Int("batch_size", cfg.BatchSize).
		Dur("idle_flush", cfg.IdleFlush).
		Msg("Dispatcher started")

	go d.run()
	return d, nil
}

// ID returns the instance id used in logs.
func (d *Dispatcher) ID() string { return d.id }

// BaseURL returns the service root requests must live under.
func (d *Dispatcher) BaseURL() string { return d.codec.BaseURL() }

// Enqueue queues req; cb receives its response exactly once unless the
// dispatcher is cancelled first. It never blocks. After intake has closed it
// is a no-op.
func (d *Dispatcher) Enqueue(req *http.Request, cb batch.Callback) {
	if d.ctx.Err() != nil {
		enqueuedTotal.WithLabelValues("dropped").Inc()
		return
	}
	it := batch.NewItem(d.nextID.Add(1), req, cb)
	if !d.intake.push(it) {
		enqueuedTotal.WithLabelValues("dropped").Inc()
		d.logger.Debug().
			Str("url", req.URL.Redacted()).
			Msg("Intake closed, request dropped")
		return
	}
	enqueuedTotal.WithLabelValues("accepted").Inc()
}

// Context is cancelled when the dispatcher stops. Its cause is the fatal
// error, or ErrDisposed.
func (d *Dispatcher) Context() context.Context { return d.ctx }

// OnCancel registers fn to run once the dispatcher is cancelled. The
// returned func unregisters it.
func (d *Dispatcher) OnCancel(fn func()) (stop func() bool) {
	return context.AfterFunc(d.ctx, fn)
}

// Err returns the fatal error that stopped the dispatcher, if any.
func (d *Dispatcher) Err() error {
	cause := context.Cause(d.ctx)
	if cause == nil || errors.Is(cause, ErrDisposed) {
		return nil
	}
	return cause
}

// Done is closed when the consumer loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Dispose stops intake, cancels everything in flight and waits for the
// consumer loop and all sends to unwind. Cancellation failures are
// swallowed. It is safe to call more than once.
func (d *Dispatcher) Dispose() {
	d.disposeOnce.Do(func() {
		d.intake.close()
		d.cancel(ErrDisposed)
		<-d.done
		d.sends.Wait()
		d.logger.Info().Msg("Dispatcher disposed")
	})
}

// Shutdown stops intake and waits until queued, retried and in-flight work
// has finished, then disposes. Requests that handlers try to enqueue after
// intake closed are dropped, so call it once result streams are consumed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.intake.close()

	var err error
	select {
	case <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	fatal := d.Err()
	d.Dispose()
	if err != nil {
		return err
	}
	return fatal
}

type takeResult int

const (
	taken takeResult = iota
	woken
	idle
)

// run is the consumer loop.
func (d *Dispatcher) run() {
	defer close(d.done)
	defer func() {
		if d.sink != nil {
			d.sink.Flush()
		}
	}()

	pending := make([]*batch.Item, 0, d.cfg.BatchSize)
	running := 0

	for !d.intake.completed() || len(pending) > 0 || running > 0 || d.retries.len() > 0 {
		if d.ctx.Err() != nil {
			d.logger.Debug().Int("in_flight", running).Msg("Consumer loop cancelled")
			return
		}

		force := false
		if it, ok := d.retries.tryPop(); ok {
			pending = append(pending, it)
		} else {
			it, res := d.takeIntake()
			switch res {
			case taken:
				pending = append(pending, it)
			case woken:
				continue
			case idle:
				force = true
			}
		}

		if len(pending) < d.cfg.BatchSize && !force {
			continue
		}

		if len(pending) == 0 {
			if err := d.reclaim(&running, false); err != nil {
				d.fail(err)
				return
			}
			// Intake is closed and nothing is queued: wait for a send to
			// finish instead of spinning.
			if d.intake.completed() && running > 0 && d.retries.len() == 0 {
				if err := d.awaitCompletion(&running); err != nil {
					d.fail(err)
					return
				}
			}
			continue
		}

		if err := d.reclaim(&running, running >= d.cfg.Concurrency); err != nil {
			d.fail(err)
			return
		}
		if d.ctx.Err() != nil {
			return
		}

		d.launch(pending)
		running++
		pending = make([]*batch.Item, 0, d.cfg.BatchSize)
	}

	d.logger.Debug().Msg("Consumer loop finished")
}

func (d *Dispatcher) takeIntake() (*batch.Item, takeResult) {
	if it, ok := d.intake.tryPop(); ok {
		return it, taken
	}
	if d.intake.isClosed() {
		return nil, idle
	}

	timer := time.NewTimer(d.cfg.IdleFlush)
	defer timer.Stop()

	for {
		select {
		case <-d.intake.notify:
			if it, ok := d.intake.tryPop(); ok {
				return it, taken
			}
			if d.intake.isClosed() {
				return nil, idle
			}
		case <-d.retries.notify:
			return nil, woken
		case <-timer.C:
			return nil, idle
		case <-d.ctx.Done():
			return nil, woken
		}
	}
}

// reclaim removes finished sends without blocking. With block set and the
// pool full, it waits for one send to finish. The first send error is
// returned.
func (d *Dispatcher) reclaim(running *int, block bool) error {
	for *running > 0 {
		select {
		case err := <-d.completions:
			*running--
			if err != nil {
				return err
			}
			continue
		default:
		}
		break
	}

	if block && *running >= d.cfg.Concurrency {
		select {
		case err := <-d.completions:
			*running--
			return err
		case <-d.ctx.Done():
			return nil
		}
	}
	return nil
}

// awaitCompletion blocks until a send finishes or a retry is queued.
func (d *Dispatcher) awaitCompletion(running *int) error {
	select {
	case err := <-d.completions:
		*running--
		return err
	case <-d.retries.notify:
		return nil
	case <-d.ctx.Done():
		return nil
	}
}

func (d *Dispatcher) launch(items []*batch.Item) {
	d.sends.Add(1)
	inFlightBatches.Inc()
	go func() {
		defer d.sends.Done()
		defer inFlightBatches.Dec()

		err := d.sendBatch(items)
		if err != nil {
			d.fail(err)
		}
		d.completions <- err
	}()
}

func (d *Dispatcher) sendBatch(items []*batch.Item) error {
	start := time.Now()

	req, delay, err := d.codec.Encode(d.ctx, items)
	if err != nil {
		batchesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}
	batchSize.Observe(float64(len(items)))

	if delay > 0 {
		batchDelaySeconds.Observe(delay.Seconds())
		d.logger.Info().
			Dur("delay", delay).
			Int("intake_queued", d.intake.len()).
			Int("retry_queued", d.retries.len()).
			Msg("Delaying batch")
	}

	resp, err := d.cfg.Sender.Send(d.ctx, req, delay)
	if err != nil {
		if d.ctx.Err() != nil {
			batchesTotal.WithLabelValues("cancelled").Inc()
			return nil
		}
		batchesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: send: %w", ErrBatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		batchesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: status %d: %s", ErrBatchFailed, resp.StatusCode, bytes.TrimSpace(body))
	}

	retries, err := d.codec.Decode(d.ctx, resp, batch.Index(items))
	if err != nil {
		if d.ctx.Err() != nil {
			batchesTotal.WithLabelValues("cancelled").Inc()
			return nil
		}
		batchesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %w", ErrBatchFailed, err)
	}

	for _, it := range retries {
		d.retries.push(it)
	}
	requeuedTotal.Add(float64(len(retries)))
	batchesTotal.WithLabelValues("ok").Inc()

	d.logger.Debug().
		Int("size", len(items)).
		Int("requeued", len(retries)).
		Dur("duration", time.Since(start)).
		Msg("Batch completed")
	return nil
}

func (d *Dispatcher) fail(err error) {
	if d.ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("Dispatcher failed, cancelling all requests")
	}
	d.cancel(err)
}
