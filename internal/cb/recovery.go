package cb

// This file implements connectivity-loss recovery for a single backend
// handle.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Phase is the state of a RecoveryController.
type Phase int32

const (
	// PhaseConnected is the initial state: the backend is usable.
	PhaseConnected Phase = iota
	// PhaseLost is entered on a connectivity failure.
	PhaseLost
	// PhaseRetrying waits for the retry timer between reconnect probes.
	PhaseRetrying
	// PhaseFailed is terminal for the episode: no probes are made until
	// the backend is re-added to its pool.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseLost:
		return "lost"
	case PhaseRetrying:
		return "retrying"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Callbacks receive the recovery transitions of a handle. Each is invoked
// at most once per transition, from the controller's goroutine, with the
// id of the handle. A nil callback is skipped.
//
// Callbacks run on the controller goroutine and must not remove their own
// backend from the pool synchronously: teardown waits for that goroutine.
// Start a goroutine for such reactions.
type Callbacks struct {
	OnLost      func(handleID string)
	OnRecovered func(handleID string)
	OnFailed    func(handleID string)
}

// RecoveryConfig carries the collaborators of a RecoveryController.
type RecoveryConfig struct {
	HandleID    string
	BackendType string

	// Probe is the lightweight reconnect attempt.
	Probe func(ctx context.Context) error
	// Reconnected is called on the controller goroutine right before the
	// controller returns to PhaseConnected.
	Reconnected func()

	Policy    ReconnectPolicy
	Callbacks Callbacks
	Clock     clockwork.Clock    // defaults to the real clock
	Logger    logrus.FieldLogger // defaults to the standard logger
	Metrics   *Metrics
}

// RecoveryController supervises the connectivity of one backend handle and
// drives the recovery protocol:
//
//	CONNECTED --loss--> LOST --interval set--> RETRYING --probe ok--> CONNECTED
//	                                               │
//	                                               ├─probe failed──> RETRYING (re-armed)
//	                                               └─deadline hit──> FAILED
//
// Every transition, probe and callback happens on a single goroutine owned
// by the controller, so callbacks are delivered in transition order and
// never concurrently. The timeout is measured from the loss, not reset by
// retries, so the total outage tolerance is bounded.
//
// Without a retry interval the controller stays LOST and each call routed
// through Admit makes one inline probe instead.
//
// Thread-safe: All methods are safe for concurrent access.
type RecoveryController struct {
	cfg RecoveryConfig
	log logrus.FieldLogger

	lostCh  chan error      // loss signals, at most one pending
	probeCh chan chan error // inline probe requests

	ctx    context.Context    // cancelled by Close
	cancel context.CancelFunc // cancels ctx
	wg     sync.WaitGroup     // tracks the controller goroutine

	mu       sync.Mutex // protects the fields below
	phase    Phase      // current phase
	armed    bool       // false once Close started; gates callbacks
	lostAt   time.Time  // start of the current episode
	attempts int        // probes made in the current episode
}

// NewRecoveryController creates a controller in PhaseConnected and starts
// its goroutine. Close must be called to release it.
func NewRecoveryController(cfg RecoveryConfig) *RecoveryController {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Probe == nil {
		cfg.Probe = func(context.Context) error { return nil }
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &RecoveryController{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{
			"backend": cfg.HandleID,
			"type":    cfg.BackendType,
		}),
		lostCh:  make(chan error, 1),
		probeCh: make(chan chan error),
		ctx:     ctx,
		cancel:  cancel,
		phase:   PhaseConnected,
		armed:   true,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Phase returns the current phase.
func (c *RecoveryController) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Attempts returns the number of probes made in the current or last
// episode.
func (c *RecoveryController) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ConnectionLost signals a connectivity failure. It never blocks. Signals
// received while an episode is already in progress are ignored.
func (c *RecoveryController) ConnectionLost(cause error) {
	select {
	case c.lostCh <- cause:
	default:
	}
}

// Admit decides whether an operation may be sent to the backend.
//
// Returns:
//   - nil in PhaseConnected
//   - nil after a successful inline probe in PhaseLost when no retry
//     interval is configured
//   - *ConnectionError wrapping ErrBackendUnavailable while recovering
//   - *ConnectionError wrapping ErrBackendFailed after giving up
func (c *RecoveryController) Admit(ctx context.Context) error {
	switch c.Phase() {
	case PhaseConnected:
		return nil
	case PhaseFailed:
		return &ConnectionError{Backend: c.cfg.BackendType, Err: ErrBackendFailed}
	case PhaseLost:
		if c.cfg.Policy.RetryInterval == 0 {
			return c.probeNow(ctx)
		}
	}
	return &ConnectionError{Backend: c.cfg.BackendType, Err: ErrBackendUnavailable}
}

// Close stops the controller. It cancels any pending retry, suppresses
// every further callback and returns once the controller goroutine has
// exited, so no callback runs after Close returns.
func (c *RecoveryController) Close() {
	c.mu.Lock()
	c.armed = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *RecoveryController) probeNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.probeCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrHandleClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrHandleClosed
	}
}

// run is the controller goroutine.
func (c *RecoveryController) run() {
	defer c.wg.Done()

	var timer clockwork.Timer
	var fire <-chan time.Time
	arm := func() {
		timer = c.cfg.Clock.NewTimer(c.cfg.Policy.RetryInterval)
		fire = timer.Chan()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case cause := <-c.lostCh:
			if !c.lose() {
				continue
			}
			c.log.WithError(cause).Warn("configuration backend connection lost")
			c.cfg.Metrics.transition(c.cfg.BackendType, "lost")
			c.deliver(c.cfg.Callbacks.OnLost)

			if c.cfg.Policy.RetryInterval > 0 && c.swap(PhaseLost, PhaseRetrying) {
				c.log.Infof("scheduling reconnect every %v", c.cfg.Policy.RetryInterval)
				arm()
			}

		case <-fire:
			timer, fire = nil, nil
			if c.Phase() != PhaseRetrying {
				continue
			}
			attempt := c.attempt()
			err := c.cfg.Probe(c.ctx)
			if c.ctx.Err() != nil {
				return
			}
			if err == nil {
				c.recover()
				continue
			}
			c.log.WithError(err).Debugf("reconnect attempt %d failed", attempt)
			if c.expired(attempt) {
				c.swap(PhaseRetrying, PhaseFailed)
				c.log.Errorf("giving up on configuration backend after %d attempts", attempt)
				c.cfg.Metrics.transition(c.cfg.BackendType, "failed")
				c.deliver(c.cfg.Callbacks.OnFailed)
				continue
			}
			arm()

		case reply := <-c.probeCh:
			switch c.Phase() {
			case PhaseConnected:
				reply <- nil
				continue
			case PhaseLost:
			default:
				reply <- &ConnectionError{Backend: c.cfg.BackendType, Err: ErrBackendUnavailable}
				continue
			}
			c.attempt()
			if err := c.cfg.Probe(c.ctx); err != nil {
				reply <- &ConnectionError{Backend: c.cfg.BackendType, Err: fmt.Errorf("%w: %v", ErrBackendUnavailable, err)}
				continue
			}
			c.recover()
			reply <- nil
		}
	}
}

// lose moves a connected controller to PhaseLost and starts an episode.
func (c *RecoveryController) lose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseConnected {
		return false
	}
	c.phase = PhaseLost
	c.lostAt = c.cfg.Clock.Now()
	c.attempts = 0
	return true
}

func (c *RecoveryController) swap(from, to Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != from {
		return false
	}
	c.phase = to
	return true
}

func (c *RecoveryController) attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

func (c *RecoveryController) expired(attempts int) bool {
	policy := c.cfg.Policy
	if policy.MaxRetries > 0 && attempts >= policy.MaxRetries {
		return true
	}
	c.mu.Lock()
	lostAt := c.lostAt
	c.mu.Unlock()
	return policy.Timeout > 0 && c.cfg.Clock.Since(lostAt) >= policy.Timeout
}

func (c *RecoveryController) recover() {
	if c.cfg.Reconnected != nil {
		c.cfg.Reconnected()
	}
	c.mu.Lock()
	c.phase = PhaseConnected
	attempts := c.attempts
	c.mu.Unlock()

	c.log.Infof("configuration backend connection recovered after %d attempts", attempts)
	c.cfg.Metrics.transition(c.cfg.BackendType, "recovered")
	c.deliver(c.cfg.Callbacks.OnRecovered)
}

// deliver invokes fn unless the controller is being torn down.
func (c *RecoveryController) deliver(fn func(handleID string)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	armed := c.armed
	c.mu.Unlock()
	if !armed {
		return
	}
	fn(c.cfg.HandleID)
}
