package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDataUnavailable signals that no usable market data could be obtained.
// The ladder treats it by skipping straight to a market order.
var ErrDataUnavailable = errors.New("no usable market data")

// DecodeError reports a broker response missing a required field.
type DecodeError struct {
	Entity string
	Field  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("broker %s response missing required field %q", e.Entity, e.Field)
}

// TransientError covers failures worth treating as "this attempt did not
// fill": network errors, timeouts, rate limits and 5xx responses. The
// gateway never retries these itself; retry policy lives in the ladder.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient broker error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a definitive broker rejection: insufficient funds,
// untradable symbol, market closed, malformed order.
type RejectedError struct {
	Status int
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("broker rejected request (http %d, code %d): %s", e.Status, e.Code, e.Reason)
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a definitive broker rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsNotFractionable reports whether err is a rejection for submitting a
// fractional quantity on a non-fractionable asset.
func IsNotFractionable(err error) bool {
	var re *RejectedError
	if !errors.As(err, &re) {
		return false
	}
	return strings.Contains(strings.ToLower(re.Reason), "fractionable")
}

// classifyResponse maps a non-2xx broker response into the error taxonomy.
func classifyResponse(status int, body []byte) error {
	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	reason := payload.Message
	if reason == "" {
		reason = strings.TrimSpace(string(body))
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return &TransientError{Err: fmt.Errorf("http %d: %s", status, reason)}
	}
	return &RejectedError{Status: status, Code: payload.Code, Reason: reason}
}
