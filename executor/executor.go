package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/liamcoop/sentinel/actions"
	"github.com/liamcoop/sentinel/internal/logger"
)

// ErrQueueFull is returned when the work queue cannot accept more actions
// before shutdown drains it.
var ErrQueueFull = errors.New("executor queue is full")

// errTimeout distinguishes the hard execution timeout from handler
// failures; both count toward the retry budget.
var errTimeout = errors.New("execution timed out")

// Config tunes the executor.
type Config struct {
	// Workers bounds concurrent executions. Zero means 10.
	Workers int
	// QueueSize bounds queued work; excess enqueues fail rather than
	// spawning unbounded tasks. Zero means 256.
	QueueSize int
	// Timeout is the hard per-execution deadline. Zero means 30s.
	Timeout time.Duration
	// RetryBaseDelay seeds exponential backoff. Zero means 100ms.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps backoff. Zero means 30s.
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

// OutcomeFunc is called once per action reaching a terminal execution
// state, with executed reporting success. Used for rule statistics
// feedback.
type OutcomeFunc func(ruleID string, executed bool)

// Executor runs approved actions through their typed handlers on a
// bounded worker pool. It owns the pending/confirmed -> executing ->
// executed|failed portion of the action state machine and always records
// result or error before transitioning.
type Executor struct {
	cfg       Config
	registry  *Registry
	store     actions.ActionStore
	onOutcome OutcomeFunc

	queue  chan *actions.Action
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an executor. onOutcome may be nil.
func New(cfg Config, registry *Registry, store actions.ActionStore, onOutcome OutcomeFunc) *Executor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		onOutcome: onOutcome,
		queue:     make(chan *actions.Action, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker pool.
func (e *Executor) Start() {
	e.once.Do(func() {
		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
	})
}

// Enqueue hands an action to the pool. The action must be in pending or
// confirmed status. Excess work queues up to the configured bound.
func (e *Executor) Enqueue(a *actions.Action) error {
	if a.Status != actions.StatusPending && a.Status != actions.StatusConfirmed {
		return fmt.Errorf("action %s is %s, not executable", a.ID, a.Status)
	}
	select {
	case e.queue <- a:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("executor is shut down")
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work, cancels in-flight executions, and waits
// for the workers to drain, up to ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case a := <-e.queue:
			e.run(a)
		case <-e.ctx.Done():
			return
		}
	}
}

// run drives one action to a terminal state. Failures retry with
// exponential backoff (base x 2^attempt plus jitter, capped) up to the
// action's retry budget; a timeout is a distinguished failure that also
// consumes budget.
func (e *Executor) run(a *actions.Action) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-e.ctx.Done():
			return
		}
	}

	handler, err := e.registry.Get(a.Type)
	if err != nil {
		e.fail(a, err)
		return
	}

	for {
		if err := a.Transition(actions.StatusExecuting); err != nil {
			logger.Error("illegal executor transition", "action_id", a.ID, "error", err)
			return
		}
		a.Attempts++
		if err := e.store.Update(a); err != nil {
			logger.Error("failed to persist executing status", "action_id", a.ID, "error", err)
		}

		result, execErr := e.execute(handler, a.Parameters)
		if execErr == nil {
			now := time.Now()
			a.Result = map[string]any(result)
			a.Error = ""
			a.ExecutedAt = &now
			if err := a.Transition(actions.StatusExecuted); err != nil {
				logger.Error("illegal executor transition", "action_id", a.ID, "error", err)
				return
			}
			if err := e.store.Update(a); err != nil {
				logger.Error("failed to persist executed status", "action_id", a.ID, "error", err)
			}
			logger.Info("action executed", "action_id", a.ID, "rule_id", a.RuleID, "type", a.Type, "attempts", a.Attempts)
			if e.onOutcome != nil {
				e.onOutcome(a.RuleID, true)
			}
			return
		}

		// Record the failure before any further transition.
		a.Error = execErr.Error()
		if err := a.Transition(actions.StatusFailed); err != nil {
			logger.Error("illegal executor transition", "action_id", a.ID, "error", err)
			return
		}
		if err := e.store.Update(a); err != nil {
			logger.Error("failed to persist failed status", "action_id", a.ID, "error", err)
		}

		if a.Attempts > a.RetryAttempts {
			logger.Warn("action failed terminally", "action_id", a.ID, "rule_id", a.RuleID, "attempts", a.Attempts, "error", execErr)
			if e.onOutcome != nil {
				e.onOutcome(a.RuleID, false)
			}
			return
		}

		logger.Warn("action failed, retrying", "action_id", a.ID, "attempt", a.Attempts, "error", execErr)
		select {
		case <-time.After(e.backoff(a.Attempts)):
		case <-e.ctx.Done():
			return
		}
	}
}

// execute invokes the handler under the hard timeout. The deadline is
// enforced even when the handler ignores cancellation: the result of a
// late return is discarded.
func (e *Executor) execute(h Handler, params map[string]any) (Result, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := h.Execute(ctx, params)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", errTimeout, e.cfg.Timeout)
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBaseDelay << uint(attempt-1)
	if d > e.cfg.RetryMaxDelay || d <= 0 {
		d = e.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(e.cfg.RetryBaseDelay) + 1))
	return d + jitter
}

// fail marks an action terminally failed without attempting execution
// (e.g. no handler registered).
func (e *Executor) fail(a *actions.Action, cause error) {
	a.Error = cause.Error()
	if err := a.Transition(actions.StatusExecuting); err == nil {
		a.Attempts++
		_ = a.Transition(actions.StatusFailed)
	}
	if err := e.store.Update(a); err != nil {
		logger.Error("failed to persist failure", "action_id", a.ID, "error", err)
	}
	logger.Error("action dispatch failed", "action_id", a.ID, "error", cause)
	if e.onOutcome != nil {
		e.onOutcome(a.RuleID, false)
	}
}
