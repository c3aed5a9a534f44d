package librelink

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAuthFailure indicates rejected credentials or an expired/invalid token.
var ErrAuthFailure = errors.New("librelink: authentication failed")

// ErrNoCurrentReading is returned by Latest when the connection shows no current
// measurement, e.g. between sensors.
var ErrNoCurrentReading = errors.New("librelink: no current reading")

// TransientError wraps network failures and 5xx/429 responses. Callers may retry the
// whole run; the client itself never retries.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("librelink %s: transient failure (http %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("librelink %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// statusUnauthenticated is the envelope status returned for bad credentials.
const statusUnauthenticated = 2

type envelope[T any] struct {
	Status int `json:"status"`
	Data   T   `json:"data"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e envelope[T]) errorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return fmt.Sprintf("status %d", e.Status)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginData struct {
	Redirect   bool   `json:"redirect"`
	Region     string `json:"region"`
	User       struct {
		ID string `json:"id"`
	} `json:"user"`
	AuthTicket struct {
		Token    string `json:"token"`
		Expires  int64  `json:"expires"`
		Duration int64  `json:"duration"`
	} `json:"authTicket"`
}

type connection struct {
	PatientID          string          `json:"patientId"`
	FirstName          string          `json:"firstName"`
	LastName           string          `json:"lastName"`
	GlucoseMeasurement json.RawMessage `json:"glucoseMeasurement"`
	GlucoseItem        json.RawMessage `json:"glucoseItem"`
}

// latestItem prefers glucoseItem, which the dashboard read, over glucoseMeasurement.
func (c connection) latestItem() json.RawMessage {
	if len(c.GlucoseItem) > 0 && string(c.GlucoseItem) != "null" {
		return c.GlucoseItem
	}
	return c.GlucoseMeasurement
}

type graphData struct {
	Connection connection        `json:"connection"`
	GraphData  []json.RawMessage `json:"graphData"`
}
