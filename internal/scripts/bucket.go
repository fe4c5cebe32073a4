package scripts

import (
	"context"
	"fmt"
)

// TryAcquire attempts to take one concurrency token from the counter at
// runningKey. The read and the increment commit together, so the counter
// never exceeds max at the moment an acquire succeeds. Returns false when the
// bucket is full; that is a precondition miss, not an error.
func (e *Engine) TryAcquire(ctx context.Context, runningKey string, max int) (bool, error) {
	n, err := tokenAcquireScript.Run(ctx, e.client, []string{runningKey}, max).Int()
	if err != nil {
		return false, fmt.Errorf("token_acquire on %s: %w", runningKey, err)
	}
	return n == 1, nil
}
