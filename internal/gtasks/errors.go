package gtasks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"google.golang.org/api/googleapi"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// rateLimitReasons are the 403 reasons the API uses for quota errors.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify wraps err as transient or permanent. Missing tasks and lists
// additionally match types.ErrNotFound.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", op, err)

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
			return types.Permanent(fmt.Errorf("%w: %w", types.ErrNotFound, wrapped))
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return types.Transient(wrapped)
		case gerr.Code == http.StatusForbidden && rateLimited(gerr):
			return types.Transient(wrapped)
		}
		return types.Permanent(wrapped)
	}

	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Transient(wrapped)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return types.Transient(wrapped)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return types.Transient(wrapped)
	}
	return types.Permanent(wrapped)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}
