package util

import (
	"context"
)

// RetryUntilSuccess calls performAction until it returns nil or ctx is cancelled.
func RetryUntilSuccess(ctx context.Context, performAction func() error, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := performAction()
			if err == nil {
				return
			} else {
				onError(err)
			}
		}
	}
}
