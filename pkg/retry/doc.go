// Package retry runs an operation with exponential backoff.
//
// The gateway uses it for the NATS connection at startup:
//
//	cfg := retry.DefaultConfig()
//	cfg.Retryable = errors.IsTransient
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
//	}
//	err := retry.Do(ctx, cfg, func() error { return client.Connect(ctx) })
//
// Errors wrapped with NonRetryable, or rejected by Config.Retryable, end the
// loop immediately. Cancelling ctx stops both attempts and backoff sleeps.
package retry
