package wikiapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wikiedu/wikitrack/internal/retry"
)

// HTTPError is a non-200 response from the wiki
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("wiki api %s returned status %d", e.URL, e.StatusCode)
}

// HTTPStatus implements retry.StatusCoder
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

// APIError is a structured error object in an otherwise successful response
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wiki api error %s: %s", e.Code, e.Info)
}

// transientCodes are API error codes that clear up on their own
var transientCodes = map[string]bool{
	"maxlag":      true,
	"ratelimited": true,
	"readonly":    true,
}

// Transient reports whether a retry can succeed
func (e *APIError) Transient() bool {
	return transientCodes[e.Code] || strings.HasPrefix(e.Code, "internal_api_error_")
}

// classify extends retry.ClassifyTransport with structured API errors
func classify(err error) retry.Class {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == "ratelimited" {
			return retry.RateLimited
		}
		if apiErr.Transient() {
			return retry.Transient
		}
		return retry.Permanent
	}
	return retry.ClassifyTransport(err)
}
