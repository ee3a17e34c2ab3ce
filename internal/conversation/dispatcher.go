package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// Dispatcher defaults.
const (
	// DefaultQueueSize bounds the pending events of one user.
	DefaultQueueSize = 100
	// DefaultIdleTimeout is how long a user's worker waits for more events before exiting.
	DefaultIdleTimeout = 2 * time.Minute
)

var (
	// ErrDispatcherStopped is returned by Submit after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	// ErrQueueFull is returned when a user already has DefaultQueueSize events pending.
	ErrQueueFull = errors.New("user queue full")
)

// Handler processes one event. *Orchestrator implements it.
type Handler interface {
	HandleEvent(ctx context.Context, ev models.InboundEvent)
}

// Ensure Orchestrator implements Handler
var _ Handler = (*Orchestrator)(nil)

// DispatcherOpts holds configuration options for the Dispatcher.
type DispatcherOpts struct {
	QueueSize   int
	IdleTimeout time.Duration
	TurnTimeout time.Duration
}

// DispatcherOption defines a configuration option for the Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithQueueSize sets the per-user pending event limit.
func WithQueueSize(n int) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.QueueSize = n
	}
}

// WithIdleTimeout sets how long an idle worker lingers.
func WithIdleTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.IdleTimeout = d
	}
}

// WithTurnTimeout bounds each turn. Zero, the default, imposes no bound.
func WithTurnTimeout(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.TurnTimeout = d
	}
}

// Dispatcher runs one worker goroutine per active user, so turns of the same
// user execute one at a time and in arrival order while different users
// proceed concurrently. Workers exit after IdleTimeout without events.
type Dispatcher struct {
	handler     Handler
	queueSize   int
	idleTimeout time.Duration
	turnTimeout time.Duration

	mu      sync.Mutex
	queues  map[string]chan models.InboundEvent
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher feeding h.
func NewDispatcher(h Handler, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{QueueSize: DefaultQueueSize, IdleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Dispatcher{
		handler:     h,
		queueSize:   cfg.QueueSize,
		idleTimeout: cfg.IdleTimeout,
		turnTimeout: cfg.TurnTimeout,
		queues:      make(map[string]chan models.InboundEvent),
		done:        make(chan struct{}),
	}
}

// Submit enqueues ev on its sender's queue without blocking.
func (d *Dispatcher) Submit(ev models.InboundEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	q, ok := d.queues[ev.From]
	if !ok {
		q = make(chan models.InboundEvent, d.queueSize)
		d.queues[ev.From] = q
		d.wg.Add(1)
		go d.run(ev.From, q)
	}
	select {
	case q <- ev:
		return nil
	default:
		slog.Warn("Dispatcher.Submit: queue full, dropping event", "from", ev.From, "id", ev.MessageID)
		return ErrQueueFull
	}
}

// Active returns the number of users with a live worker.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Stop rejects new events, lets workers finish what is already queued and waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
	slog.Debug("Dispatcher.Stop: all workers finished")
}

func (d *Dispatcher) run(user string, q chan models.InboundEvent) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev := <-q:
			d.handle(ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)

		case <-idle.C:
			d.mu.Lock()
			if len(q) > 0 {
				d.mu.Unlock()
				idle.Reset(d.idleTimeout)
				continue
			}
			delete(d.queues, user)
			d.mu.Unlock()
			return

		case <-d.done:
			for {
				select {
				case ev := <-q:
					d.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(ev models.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.handle: handler panicked", "from", ev.From, "id", ev.MessageID, "panic", r)
		}
	}()
	ctx := context.Background()
	if d.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.turnTimeout)
		defer cancel()
	}
	d.handler.HandleEvent(ctx, ev)
}
