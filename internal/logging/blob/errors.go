package blob

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/stocksage/logshipper/internal/logging"
)

var transientCodes = map[string]bool{
	"SlowDown":                 true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequestsException": true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
	"InternalError":            true,
	"ServiceUnavailable":       true,
}

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"TokenRefreshRequired":  true,
	"ExpiredToken":          true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"AllAccessDisabled":     true,
	"AccountProblem":        true,
	"QuotaExceeded":         true,
}

// classify wraps a raw storage error as transient or permanent so the
// scheduler can decide whether to retry. Unknown failures default to
// transient: they are almost always network-level.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case transientCodes[code]:
			return &logging.TransientError{Err: err}
		case permanentCodes[code]:
			return &logging.PermanentError{Err: err}
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == 429 || status >= 500 {
			return &logging.TransientError{Err: err}
		}
		if status >= 400 {
			return &logging.PermanentError{Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &logging.TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &logging.TransientError{Err: err}
	}

	return &logging.TransientError{Err: err}
}
