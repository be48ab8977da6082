package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
)

// StatusCoder is implemented by errors carrying an HTTP response status
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifyTransport classifies failures common to every HTTP client:
// timeouts, connection failures and error statuses are transient, 429 is
// rate limited, a canceled caller context and everything else is permanent.
func ClassifyTransport(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return Permanent
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch {
		case sc.HTTPStatus() == http.StatusTooManyRequests:
			return RateLimited
		case sc.HTTPStatus() >= 400:
			return Transient
		default:
			return Permanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Permanent
}
