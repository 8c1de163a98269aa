package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy configures the phased retry protocol. The mechanism is fixed
// (bounded attempts, one cooldown, bounded attempts again, terminal failure);
// the counts and durations are policy.
type RetryPolicy struct {
	MaxAttempts   int           // attempts per phase, default 3
	BaseDelay     time.Duration // first inter-attempt backoff, doubled each attempt
	Cooldown      time.Duration // wait between the two phases
	CooldownSlice time.Duration // upper bound on one uninterruptible wait slice

	// OnCooldownProgress, when set, is invoked once per slice with the
	// remaining cooldown time.
	OnCooldownProgress func(remaining time.Duration)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 120 * time.Second
	}
	if p.CooldownSlice <= 0 || p.CooldownSlice > 10*time.Second {
		p.CooldownSlice = 10 * time.Second
	}
	return p
}

// executeWithRetry drives one call through the retry state machine:
//
//	Attempting(n) -> Success
//	Attempting(n) -> Attempting(n+1)        retryable failure, n < max
//	Attempting(max) -> CooldownWait         retryable failure, extended phase unused
//	CooldownWait -> Attempting(1)           extended phase begins
//	Attempting(n)[extended] -> RetryExhausted
//	any state -> UserInterrupted            on interrupt
//	any state -> Failure(kind)              on non-retryable classified error
func (c *Client) executeWithRetry(ctx context.Context, attempt func(context.Context) (*Completion, error)) (*Completion, error) {
	extendedUsed := false
	n := 1

	for {
		// The interrupt flag is checked before allocating the per-attempt
		// cancel function: an Abort issued between attempts must not be
		// swallowed by the next attempt's freshly installed cancel.
		if c.interrupted.Load() {
			return nil, errInterrupted()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		c.setCancel(cancel)
		result, err := attempt(attemptCtx)
		c.setCancel(nil)
		cancel()

		if err == nil {
			return result, nil
		}
		if c.interrupted.Load() {
			return nil, errInterrupted()
		}

		classified := Classify(err, 0)
		if !classified.Retryable() {
			return nil, classified
		}

		phase := "initial"
		if extendedUsed {
			phase = "extended"
		}
		c.logger.Warn("completion attempt failed",
			zap.Int("attempt", n),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.String("phase", phase),
			zap.String("kind", string(classified.Kind)),
			zap.Error(classified.Err))

		if n >= c.retry.MaxAttempts {
			if extendedUsed {
				return nil, retryExhausted(classified)
			}
			if err := c.cooldownWait(ctx); err != nil {
				return nil, err
			}
			extendedUsed = true
			n = 1
			continue
		}

		delay := c.retry.BaseDelay << (n - 1) // 1s, 2s, 4s, ...
		if err := c.interruptibleSleep(ctx, delay); err != nil {
			return nil, err
		}
		n++
	}
}

// cooldownWait sleeps out the inter-phase cooldown in bounded slices so an
// interrupt aborts the wait with at most one slice of latency.
func (c *Client) cooldownWait(ctx context.Context) error {
	remaining := c.retry.Cooldown
	c.logger.Info("entering retry cooldown", zap.Duration("cooldown", remaining))

	for remaining > 0 {
		if c.retry.OnCooldownProgress != nil {
			c.retry.OnCooldownProgress(remaining)
		}
		slice := c.retry.CooldownSlice
		if slice > remaining {
			slice = remaining
		}
		if err := c.interruptibleSleep(ctx, slice); err != nil {
			return err
		}
		remaining -= slice
	}
	return nil
}

func (c *Client) interruptibleSleep(ctx context.Context, d time.Duration) error {
	if c.interrupted.Load() {
		return errInterrupted()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	// Poll the interrupt flag while sleeping; Abort between attempts has no
	// context to cancel.
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return Classify(ctx.Err(), 0)
		case <-poll.C:
			if c.interrupted.Load() {
				return errInterrupted()
			}
		case <-timer.C:
			return nil
		}
	}
}

func (c *Client) setCancel(cancel context.CancelFunc) {
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
}
