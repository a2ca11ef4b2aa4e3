// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// =============================================================================
// DISPATCHER
// =============================================================================

var (
	// ErrQueueFull is returned by Enqueue when the queue has no free slot.
	ErrQueueFull = errors.New("mail queue is full")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("mail dispatcher stopped")
)

const (
	DefaultQueueSize   = 32
	DefaultSendTimeout = 30 * time.Second
)

type job struct {
	id   string
	to   string
	code string
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Queued  int
	Sent    int64
	Failed  int64
	Dropped int64
}

// Dispatcher delivers codes on a single background worker. Deliveries are
// paced by a token-bucket limiter.
type Dispatcher struct {
	sender  Sender
	limiter *rate.Limiter
	timeout time.Duration
	logf    func(format string, args ...any)

	queue chan job

	// qmu guards closing queue against concurrent sends.
	qmu     sync.RWMutex
	mu      sync.Mutex
	started bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	onResult func(id string, err error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRate sets deliveries per second and burst. A non-positive rate
// removes pacing.
func WithRate(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if burst < 1 {
			burst = 1
		}
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, burst)
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan job, n)
		}
	}
}

// WithSendTimeout bounds a single delivery.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithLogger sets the operational log function. nil silences it.
func WithLogger(logf func(format string, args ...any)) DispatcherOption {
	return func(d *Dispatcher) {
		if logf == nil {
			logf = func(string, ...any) {}
		}
		d.logf = logf
	}
}

// WithResultHook is called after every delivery attempt.
func WithResultHook(fn func(id string, err error)) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// NewDispatcher creates a stopped dispatcher around sender.
func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		timeout: DefaultSendTimeout,
		logf:    log.Printf,
		queue:   make(chan job, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker. It is a no-op when already started.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped.Load() {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop refuses new jobs, drains what is queued, and waits for the worker.
// Jobs still queued when ctx ends are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.qmu.Lock()
	if d.stopped.Swap(true) {
		d.qmu.Unlock()
		return nil
	}
	close(d.queue)
	d.qmu.Unlock()

	d.mu.Lock()
	started := d.started
	cancel := d.cancel
	d.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Enqueue hands a code to the worker without blocking.
func (d *Dispatcher) Enqueue(to, code string) error {
	d.qmu.RLock()
	defer d.qmu.RUnlock()

	if d.stopped.Load() {
		return ErrStopped
	}
	j := job{id: uuid.NewString(), to: to, code: code}

	select {
	case d.queue <- j:
		d.logf("MAIL_QUEUED | id=%s", j.id)
		return nil
	default:
		d.dropped.Add(1)
		d.logf("MAIL_DROPPED | id=%s reason=queue_full", j.id)
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(d.queue))
	}
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:  len(d.queue),
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for j := range d.queue {
		if err := d.limiter.Wait(ctx); err != nil {
			d.dropped.Add(1)
			d.logf("MAIL_DROPPED | id=%s reason=%v", j.id, err)
			d.report(j.id, err)
			continue
		}
		d.deliver(ctx, j)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	sendCtx := withJobID(ctx, j.id)
	var cancel context.CancelFunc
	if d.timeout > 0 {
		sendCtx, cancel = context.WithTimeout(sendCtx, d.timeout)
	} else {
		sendCtx, cancel = context.WithCancel(sendCtx)
	}
	defer cancel()

	start := time.Now()
	err := d.sender.Send(sendCtx, j.to, j.code)
	if err != nil {
		d.failed.Add(1)
		d.logf("MAIL_FAILED | id=%s error=%v", j.id, err)
	} else {
		d.sent.Add(1)
		d.logf("MAIL_SENT | id=%s (%v)", j.id, time.Since(start).Round(time.Millisecond))
	}
	d.report(j.id, err)
}

func (d *Dispatcher) report(id string, err error) {
	if d.onResult != nil {
		d.onResult(id, err)
	}
}

// =============================================================================
// JOB CONTEXT
// =============================================================================

type jobIDKey struct{}

func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// jobID returns the dispatcher job ID carried by ctx, or a fresh one for a
// direct Send.
func jobID(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return uuid.NewString()
}
