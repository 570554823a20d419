package providers

import (
	"context"
	"errors"
	"net"

	openai "github.com/openai/openai-go/v3"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub010/internal/fault"
)

// classifyOpenAIError maps an SDK error onto the pipeline's error taxonomy.
//
// Transient: timeouts, rate limits, and server-side errors - worth retrying
// with backoff. Permanent: auth and quota exhaustion - the whole slice should
// abort since every subsequent call would fail the same way. NotFound: the
// referenced remote object (batch handle, file) is gone.
func classifyOpenAIError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTransient, op+" timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Wrap(fault.KindTransient, op+" network timeout", err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		// Quota exhaustion arrives as 429 with a distinct code; treat it
		// as permanent since retrying cannot help within this invocation.
		if apiErr.Code == "insufficient_quota" {
			return fault.Wrap(fault.KindPermanent, op+" quota exhausted", err)
		}
		switch apiErr.StatusCode {
		case 401, 403:
			return fault.Wrap(fault.KindPermanent, op+" authentication failed", err)
		case 404:
			return fault.Wrap(fault.KindNotFound, op+" target not found", err)
		case 400, 422:
			return fault.Wrap(fault.KindValidation, op+" rejected by provider", err)
		case 408, 409, 429:
			return fault.Wrap(fault.KindTransient, op+" rate limited", err)
		default:
			if apiErr.StatusCode >= 500 {
				return fault.Wrap(fault.KindTransient, op+" provider server error", err)
			}
		}
		return fault.Wrap(fault.KindTransient, op+" provider error", err)
	}

	// Plain transport errors (connection refused, DNS) are transient.
	return fault.Wrap(fault.KindTransient, op+" request failed", err)
}
