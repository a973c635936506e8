package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is a component that can be shut down
type Closer interface {
	Close() error
}

// Func performs cleanup within the shutdown deadline
type Func func(ctx context.Context) error

// Priorities for fluxq components, lower runs first
const (
	PriorityAdminServer = 10 // Stop answering admin requests
	PrioritySessions    = 20 // Cancel running sessions
	PriorityOutput      = 30 // Flush export writers
	PriorityEvents      = 40 // Close the event bus and MQTT sink
	PriorityDispatch    = 50 // Release HTTP connections
)

type step struct {
	name     string
	fn       Func
	priority int
}

// Coordinator runs registered cleanup steps in priority order, once
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	err          error
}

// New creates a coordinator whose Shutdown gives up after timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		timeout: timeout,
		logger:  logger.With().Str("component", "shutdown").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a Closer to run at priority
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterFunc(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterFunc adds a cleanup function to run at priority
func (c *Coordinator) RegisterFunc(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, fn: fn, priority: priority})

	c.logger.Debug().
		Str("name", name).
		Int("priority", priority).
		Msg("Registered shutdown step")
}

// Context is cancelled as soon as shutdown is triggered or started. Long
// running work (query sessions) should derive from it.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Trigger requests shutdown without running the steps. Safe to call repeatedly.
func (c *Coordinator) Trigger() {
	if c.ctx.Err() == nil {
		c.logger.Info().Msg("Shutdown triggered")
	}
	c.cancel()
}

// WaitForSignal blocks until SIGINT/SIGTERM, Trigger, or ctx is done
func (c *Coordinator) WaitForSignal(ctx context.Context) os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		c.cancel()
		return sig
	case <-c.ctx.Done():
		return syscall.SIGTERM
	case <-ctx.Done():
		return nil
	}
}

// Shutdown runs every step in priority order, at most once. Steps still
// pending when the timeout expires are skipped. The returned error joins
// every step failure.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].priority < steps[j].priority })

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		start := time.Now()

		var errs []error
		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("step", s.name).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}

			if err := s.fn(ctx); err != nil {
				c.logger.Error().
					Err(err).
					Str("step", s.name).
					Msg("Shutdown step failed")
				errs = append(errs, err)
				continue
			}
			c.logger.Debug().Str("step", s.name).Msg("Shutdown step complete")
		}

		c.err = errors.Join(errs...)
		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})
	return c.err
}
