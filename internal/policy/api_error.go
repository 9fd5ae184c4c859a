package policy

import (
	"errors"
	"fmt"
)

// StatusCoder is the minimal surface of an API response or transport error
// that rate limiting and classification look at.
type StatusCoder interface {
	StatusCode() int
}

// Response is a successful call to an external API.
type Response struct {
	APISystem string
	Status    int
	Body      []byte
}

func (r *Response) StatusCode() int {
	if r == nil {
		return 0
	}
	return r.Status
}

// APIError is a failed call to an external API. Code is the exchange specific
// error code (for example Binance's -1021) and may be zero.
type APIError struct {
	APISystem string
	Status    int
	Code      int
	Message   string
	Body      []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s api error: status %d, code %d: %s", e.APISystem, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api error: status %d: %s", e.APISystem, e.Status, e.Message)
}

func (e *APIError) StatusCode() int {
	return e.Status
}

// StatusOf extracts the HTTP status of v, which is either a response or an error.
func StatusOf(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	if err, ok := v.(error); ok {
		var sc StatusCoder
		if errors.As(err, &sc) {
			return sc.StatusCode(), true
		}
		return 0, false
	}
	if sc, ok := v.(StatusCoder); ok {
		if r, isResp := sc.(*Response); isResp && r == nil {
			return 0, false
		}
		return sc.StatusCode(), true
	}
	return 0, false
}

// AsAPIError returns the *APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
