package flickrapi

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Every remote call runs through the same retry policy: up to five
// attempts, the wait seeded at one second and multiplied by eight after
// each failure. Terminal business errors are wrapped in
// retry.Unrecoverable by the operation itself and pass through
// untouched; anything that survives all five attempts is session-fatal
// to the caller.
const (
	maxAttempts   = 5
	baseDelay     = time.Second
	backoffFactor = 8
)

func (c *Client) do(ctx context.Context, method string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(maxAttempts),
		retry.Delay(baseDelay),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			d := baseDelay
			for i := uint(0); i < n; i++ {
				d *= backoffFactor
			}
			return d
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("flickr call failed, retrying",
				"method", method, "attempt", n+1, "error", err)
		}),
	)
}
