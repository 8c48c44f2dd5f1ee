// Package lock serializes enforcement decisions for one subscription and
// privilege while leaving every other pair free to proceed.
package lock

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var ErrLockTimeout = errors.New("lock_timeout")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

type Locker interface {
	// Lock blocks until the key is held or ctx is done. A ctx deadline is
	// reported as ErrLockTimeout.
	Lock(ctx context.Context, key string) (Unlock, error)
	// Backend names the implementation for metrics and logs.
	Backend() string
}

// Key is the lock key of a subscription and privilege.
func Key(subscriptionID, privilegeID snowflake.ID) string {
	return fmt.Sprintf("telecare:privilege-lock:%s:%s", subscriptionID, privilegeID)
}

func waitError(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	return ctx.Err()
}
