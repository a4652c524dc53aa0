package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/darkroom"
)

// Factory builds the instance for an entity key. It runs inside the
// entity's mailbox goroutine, so it may touch storage without locking;
// operations queued behind the first one wait until it returns.
type Factory[T any] func(ctx context.Context, key string) (T, error)

// call is one queued operation against an instance.
type call[T any] struct {
	ctx  context.Context
	fn   func(context.Context, T) error
	done chan error
}

// ref is the runtime handle for one entity: its mailbox and the count of
// callers currently holding the handle. pending is guarded by the pool
// mutex; eviction only happens when it is zero, so no caller is ever left
// with a dead mailbox.
type ref[T any] struct {
	key     string
	calls   chan *call[T]
	stop    chan struct{}
	pending int
}

// Pool addresses single-writer instances by entity key.
type Pool[T any] struct {
	factory   Factory[T]
	logger    *slog.Logger
	mailbox   int
	idleAfter time.Duration
	retire    func(T) bool

	mu     sync.Mutex
	refs   map[string]*ref[T]
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMailboxSize sets the per-entity operation queue depth.
func WithMailboxSize[T any](n int) Option[T] {
	return func(p *Pool[T]) {
		if n > 0 {
			p.mailbox = n
		}
	}
}

// WithIdleAfter enables idle eviction: an entity with no operations for d
// becomes a candidate for retirement. Zero disables eviction.
func WithIdleAfter[T any](d time.Duration) Option[T] {
	return func(p *Pool[T]) { p.idleAfter = d }
}

// WithRetire sets the predicate consulted before evicting an idle
// instance. Return false to keep the instance resident (e.g. a job whose
// state has not been flushed durably yet). If unset, idle instances are
// always retirable.
func WithRetire[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) { p.retire = fn }
}

// WithLogger sets the structured logger for the pool.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(p *Pool[T]) { p.logger = l }
}

// NewPool creates a pool that builds instances with the given factory.
func NewPool[T any](factory Factory[T], opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		factory: factory,
		logger:  slog.Default(),
		mailbox: 64,
		refs:    make(map[string]*ref[T]),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do runs fn against the instance for key, serialized with every other
// operation on that key. It blocks until fn returns or ctx is done. If ctx
// expires after fn was enqueued, fn may still run; its effect is not
// rolled back.
func (p *Pool[T]) Do(ctx context.Context, key string, fn func(context.Context, T) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return darkroom.ErrPoolClosed
	}
	r := p.refs[key]
	if r == nil {
		r = &ref[T]{
			key:   key,
			calls: make(chan *call[T], p.mailbox),
			stop:  make(chan struct{}),
		}
		p.refs[key] = r
		p.wg.Add(1)
		go p.run(r)
	}
	r.pending++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		r.pending--
		p.mu.Unlock()
	}()

	c := &call[T]{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case r.calls <- c:
	case <-r.stop:
		return darkroom.ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of resident instances.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs)
}

// Close stops all mailbox goroutines. Queued operations that have not run
// yet fail with ErrPoolClosed. Close waits for goroutines to exit or ctx
// to expire.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, r := range p.refs {
		close(r.stop)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the mailbox loop for one entity.
func (p *Pool[T]) run(r *ref[T]) {
	defer p.wg.Done()
	defer p.drain(r)

	var (
		inst  T
		ready bool
	)

	// A nil channel never fires, which disables eviction.
	var idleC <-chan time.Time
	var idle *time.Timer
	if p.idleAfter > 0 {
		idle = time.NewTimer(p.idleAfter)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case c := <-r.calls:
			if !ready {
				v, err := p.factory(c.ctx, r.key)
				if err != nil {
					// Bootstrap failed: answer this call and let the
					// next one retry the factory.
					c.done <- err
					continue
				}
				inst, ready = v, true
			}
			c.done <- c.fn(c.ctx, inst)
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.idleAfter)
			}

		case <-idleC:
			if ready && p.retire != nil && !p.retire(inst) {
				idle.Reset(p.idleAfter)
				continue
			}
			if p.tryEvict(r) {
				p.logger.Debug("actor evicted", slog.String("key", r.key))
				return
			}
			idle.Reset(p.idleAfter)

		case <-r.stop:
			return
		}
	}
}

// tryEvict removes r from the pool if no caller holds it and its mailbox
// is empty. Both checks happen under the pool mutex, so a caller that has
// already fetched the ref (pending > 0) blocks eviction.
func (p *Pool[T]) tryEvict(r *ref[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.pending > 0 || len(r.calls) > 0 {
		return false
	}
	delete(p.refs, r.key)
	return true
}

// drain answers every operation still reachable through r after the
// mailbox loop exits. It loops until no caller holds the ref, so a send
// that raced with shutdown still gets a reply instead of a stuck caller.
func (p *Pool[T]) drain(r *ref[T]) {
	for {
		select {
		case c := <-r.calls:
			c.done <- darkroom.ErrPoolClosed
			continue
		default:
		}
		p.mu.Lock()
		n := r.pending
		p.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
