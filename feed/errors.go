package feed

import (
	"errors"
	"fmt"
)

// ErrFetchTimeout is returned when the configured fetch timeout elapses
// before the feed body has been read.
var ErrFetchTimeout = errors.New("feed fetch timed out")

// HTTPStatusError is returned when the feed server answers with a non-2xx status
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// ParseError is returned when the body is not a readable RSS or Atom document
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse feed %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ErrBodyTooLarge is returned when the response body exceeds the configured cap
var ErrBodyTooLarge = errors.New("feed body exceeds size limit")

// FetchError wraps transport failures, including timeouts, for a feed URL
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
