package retry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrConnection marks a failure to reach the remote store at all. It plays
// the role of the -1 status code of the transient set.
var ErrConnection = errors.New("trove: connection error")

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

var retryableStatus = map[int]bool{
	408: true, // request timeout
	429: true, // too many requests
	503: true, // service unavailable
	-1:  true, // connection error
}

// DynamoDB signals throttling with a 400 and one of these codes.
var throttlingCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"ThrottlingException":                    true,
}

type statusCoder interface {
	HTTPStatusCode() int
}

// IsRetryable is the default Classifier. Transient status codes, throttling,
// network errors and messages mentioning a timeout or the network are
// retryable; everything else, including context cancellation, is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConnection) {
		return true
	}

	var sc statusCoder
	if errors.As(err, &sc) && retryableStatus[sc.HTTPStatusCode()] {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "network")
}

// StatusError is an error carrying a transport status code.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "trove: remote status " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatusCode returns the carried status code.
func (e *StatusError) HTTPStatusCode() int { return e.Code }
