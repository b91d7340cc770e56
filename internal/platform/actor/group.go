// Package actor serializes work per key. Each key gets one goroutine with an
// inbox; the goroutine is started on first use and reaped after it has been
// idle for the configured timeout. Work for different keys runs in parallel.
package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Do after Close has been called.
var ErrClosed = errors.New("actor: group closed")

const (
	DefaultIdleTimeout = 2 * time.Minute
	DefaultQueueSize   = 64
)

// Config tunes a Group.
type Config struct {
	IdleTimeout time.Duration
	QueueSize   int
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	done  chan error
	state *atomic.Int32
}

type mailbox struct {
	inbox   chan job
	pending int // jobs handed out but not yet finished; guarded by Group.mu
}

// Group owns the actors for a key space.
type Group[K comparable] struct {
	mu      sync.Mutex
	actors  map[K]*mailbox
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
	idle    time.Duration
	queue   int
	logger  zerolog.Logger
	onCount func(n int)
	onReap  func(key K)
}

// NewGroup creates an empty group.
func NewGroup[K comparable](cfg Config, logger zerolog.Logger) *Group[K] {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Group[K]{
		actors: make(map[K]*mailbox),
		quit:   make(chan struct{}),
		idle:   cfg.IdleTimeout,
		queue:  cfg.QueueSize,
		logger: logger.With().Str("component", "actor").Logger(),
	}
}

// OnCountChange registers a callback invoked (under the group lock) whenever
// the number of live actors changes. Used for the patient_actors gauge.
func (g *Group[K]) OnCountChange(fn func(n int)) {
	g.mu.Lock()
	g.onCount = fn
	g.mu.Unlock()
}

// OnReap registers a callback invoked (under the group lock) when the actor
// for key is reaped after being idle. Used to drop per-patient caches.
func (g *Group[K]) OnReap(fn func(key K)) {
	g.mu.Lock()
	g.onReap = fn
	g.mu.Unlock()
}

// Do runs fn inside the actor for key and waits for its result. Calls for the
// same key never overlap and run in submission order. If ctx ends before fn
// starts, fn is skipped and ctx.Err() is returned. Once fn has started, Do
// waits for it and returns its result even if ctx ends meanwhile, so the
// error a caller sees always matches what fn did.
func (g *Group[K]) Do(ctx context.Context, key K, fn func(ctx context.Context) error) error {
	mb, err := g.acquire(key)
	if err != nil {
		return err
	}

	j := job{ctx: ctx, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}
	select {
	case mb.inbox <- j:
	case <-ctx.Done():
		g.release(mb)
		return ctx.Err()
	case <-g.quit:
		g.release(mb)
		return ErrClosed
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
	case <-g.quit:
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ErrClosed
		}
	}
	// Started: the actor always reports the outcome.
	return <-j.done
}

// Len returns the number of live actors.
func (g *Group[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.actors)
}

// Close stops accepting work and waits for the actors to exit. Jobs still
// queued are abandoned and their callers receive ErrClosed.
func (g *Group[K]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.quit)
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Group[K]) acquire(key K) (*mailbox, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	mb, ok := g.actors[key]
	if !ok {
		mb = &mailbox{inbox: make(chan job, g.queue)}
		g.actors[key] = mb
		g.wg.Add(1)
		go g.run(key, mb)
		g.countChanged()
	}
	mb.pending++
	return mb, nil
}

func (g *Group[K]) release(mb *mailbox) {
	g.mu.Lock()
	mb.pending--
	g.mu.Unlock()
}

func (g *Group[K]) countChanged() {
	if g.onCount != nil {
		g.onCount(len(g.actors))
	}
}

func (g *Group[K]) run(key K, mb *mailbox) {
	defer g.wg.Done()

	timer := time.NewTimer(g.idle)
	defer timer.Stop()

	for {
		select {
		case <-g.quit:
			return

		case j := <-mb.inbox:
			j.done <- g.exec(j)
			g.release(mb)

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(g.idle)

		case <-timer.C:
			// Only a mailbox nobody holds a reference to may be removed;
			// pending is raised under the same lock before any send.
			g.mu.Lock()
			if mb.pending == 0 && !g.closed {
				delete(g.actors, key)
				if g.onReap != nil {
					g.onReap(key)
				}
				g.countChanged()
				g.mu.Unlock()
				return
			}
			g.mu.Unlock()
			timer.Reset(g.idle)
		}
	}
}

func (g *Group[K]) exec(j job) (err error) {
	if !j.state.CompareAndSwap(jobQueued, jobStarted) {
		return j.ctx.Err()
	}
	if ctxErr := j.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			g.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered in actor")
			err = fmt.Errorf("actor: panic: %v", r)
		}
	}()
	return j.fn(j.ctx)
}
