package cdr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultQueueSize = 1024
	DefaultWorkers   = 4
	writeTimeout     = 5 * time.Second
)

type WorkerOptions struct {
	QueueSize int
	Workers   int
	Logger    *slog.Logger

	// OnStored runs after a record is written for the first time.
	OnStored func(ctx context.Context, r Record)
	// OnFailed runs when a record could not be written.
	OnFailed func(r Record, err error)
}

// Worker persists CDRs off the request path through a bounded queue.
type Worker struct {
	repo  Repository
	opts  WorkerOptions
	log   *slog.Logger
	queue chan Record

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	clock   func() time.Time
}

func NewWorker(repo Repository, opts WorkerOptions) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		repo:  repo,
		opts:  opts,
		log:   opts.Logger.With("component", "cdr_worker"),
		queue: make(chan Record, opts.QueueSize),
		clock: time.Now,
	}
}

// Start launches the workers. They exit once Stop has drained the queue.
func (w *Worker) Start() {
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for r := range w.queue {
				w.store(r)
			}
		}()
	}
}

// Enqueue never blocks: a full queue is reported to the caller.
func (w *Worker) Enqueue(r Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = w.clock().UTC()
	}
	select {
	case w.queue <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) Depth() int { return len(w.queue) }

// Stop closes the queue and waits for in-flight records, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) store(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	inserted, err := w.repo.Create(ctx, r)
	if err != nil {
		w.log.Error("cdr persist failed", "tenant_id", r.TenantID, "call_id", r.CallID, "err", err)
		if w.opts.OnFailed != nil {
			w.opts.OnFailed(r, err)
		}
		return
	}
	if !inserted {
		w.log.Debug("duplicate cdr ignored", "tenant_id", r.TenantID, "call_id", r.CallID)
		return
	}
	if w.opts.OnStored != nil {
		w.opts.OnStored(ctx, r)
	}
}
