package forge

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the two terminal API failure classes. Both abort the
// current polling cycle; retrying without operator action will not help.
var (
	ErrAuth      = errors.New("github: authentication failed")
	ErrForbidden = errors.New("github: access forbidden")
)

// RateLimitedError reports a 403 carrying a Retry-After header. Wait is the
// advertised backoff.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("github: rate limited, retry after %s", e.Wait)
}

// AsRateLimited unwraps err into a RateLimitedError if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
