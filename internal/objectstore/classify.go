package objectstore

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/JonMunkholm/pqrsync/internal/core"
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
	"OperationAborted":         true,
}

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"NoSuchBucket":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"InvalidBucketName":     true,
	"NoSuchUpload":          true,
	"EntityTooLarge":        true,
	"InvalidArgument":       true,
}

// Classify separates retryable object store failures from permanent ones.
// Known S3 error codes decide first, then the HTTP status: 5xx and 429 are
// transient, other 4xx permanent. Network timeouts are transient.
func Classify(err error) core.ErrorClass {
	if err == nil {
		return ""
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case transientCodes[code]:
			return core.ClassTransient
		case permanentCodes[code]:
			return core.ClassPermanent
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status >= 500 || status == 429 {
			return core.ClassTransient
		}
		if status >= 400 {
			return core.ClassPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return core.ClassTransient
	}

	return core.ClassPermanent
}
