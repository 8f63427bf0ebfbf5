package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Kind classifies background jobs for logging and reporting
type Kind string

const (
	KindFeature     Kind = "feature"
	KindProjection  Kind = "projection"
	KindSimpleModel Kind = "simplemodel"
	KindBertTrain   Kind = "bert-train"
	KindBertPredict Kind = "bert-predict"
)

// Handle tracks one submitted job until its result is reconciled.
type Handle[T any] struct {
	ID          string
	Owner       string
	Kind        Kind
	SubmittedAt time.Time

	signal   Signal[T]
	cancel   context.CancelFunc
	finished chan struct{}
}

// Watch wraps a signal that is produced outside of any pool, such as an
// artifact left behind by a previous run of the process.
func Watch[T any](owner string, kind Kind, signal Signal[T]) *Handle[T] {
	return &Handle[T]{
		ID:          uuid.New().String(),
		Owner:       owner,
		Kind:        kind,
		SubmittedAt: time.Now(),
		signal:      signal,
	}
}

func (h *Handle[T]) Done() bool {
	return h.signal.Done()
}

func (h *Handle[T]) Take() (T, error) {
	return h.signal.Take()
}

// Signal exposes the underlying completion signal.
func (h *Handle[T]) Signal() Signal[T] {
	return h.signal
}

// Cancel asks the job to stop and waits until its worker has exited.
// Cancelling a finished or external job is a no-op.
func (h *Handle[T]) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
	if h.finished != nil {
		<-h.finished
	}
}

// Pool runs jobs on a bounded number of workers.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool creates a pool running at most workers jobs at a time
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Close cancels every job and waits for the workers to exit
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

// Submit runs fn on the pool and returns a handle resolved with its result.
// A panic in fn resolves the handle with an error.
func Submit[T any](p *Pool, owner string, kind Kind, fn func(ctx context.Context) (T, error)) *Handle[T] {
	future := NewFuture[T]()
	return start[T](p, owner, kind, future, func(ctx context.Context) {
		future.Resolve(run(ctx, fn))
	}, func(err error) {
		var zero T
		future.Resolve(zero, err)
	})
}

// SubmitArtifact runs fn on the pool and writes its output as the artifact
// watched by art, or a failure marker when fn fails. The returned handle
// completes through the artifact check, not through the worker.
func SubmitArtifact[T any](p *Pool, owner string, kind Kind, art *Artifact[T], fn func(ctx context.Context) ([]byte, error)) *Handle[T] {
	write := func(data []byte, err error) {
		if err == nil {
			err = WriteArtifact(art.FS, art.Path, data)
		}
		if err != nil {
			if werr := WriteFailure(art.FS, art.Path, err); werr != nil {
				p.logger.Error("Failed to record job failure",
					zap.String("owner", owner),
					zap.String("path", art.Path),
					zap.Error(werr))
			}
		}
	}
	return start[T](p, owner, kind, art, func(ctx context.Context) {
		write(run(ctx, fn))
	}, func(err error) {
		write(nil, err)
	})
}

func start[T any](p *Pool, owner string, kind Kind, signal Signal[T], body func(context.Context), abort func(error)) *Handle[T] {
	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle[T]{
		ID:          uuid.New().String(),
		Owner:       owner,
		Kind:        kind,
		SubmittedAt: time.Now(),
		signal:      signal,
		cancel:      cancel,
		finished:    make(chan struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(h.finished)
		defer cancel()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			abort(fmt.Errorf("job cancelled before start: %w", err))
			return
		}
		defer p.sem.Release(1)

		p.logger.Debug("Job started",
			zap.String("job_id", h.ID),
			zap.String("owner", owner),
			zap.String("kind", string(kind)))
		body(ctx)
		p.logger.Debug("Job finished",
			zap.String("job_id", h.ID),
			zap.String("owner", owner),
			zap.Duration("elapsed", time.Since(h.SubmittedAt)))
	}()
	return h
}

func run[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	value, err = fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return value, err
}
