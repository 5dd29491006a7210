package dispatch

import (
	"bytes"
	"encoding/json"
)

// AttemptOutcome tags the result of one attempt. Transient and Refusal both
// consume an attempt and lead to a retry; Accepted ends the loop.
type AttemptOutcome int

const (
	// AttemptTransient is a transport failure: network error, timeout, non-2xx
	// status or malformed body.
	AttemptTransient AttemptOutcome = iota

	// AttemptRefusal is a well-formed response containing a refusal marker.
	AttemptRefusal

	// AttemptAccepted is a well-formed response with no refusal marker.
	AttemptAccepted
)

// String returns the label used in logs and metrics.
func (o AttemptOutcome) String() string {
	switch o {
	case AttemptTransient:
		return "transient"
	case AttemptRefusal:
		return "refusal"
	case AttemptAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// Attempt is the classified result of one request.
type Attempt struct {
	Outcome AttemptOutcome
	Body    json.RawMessage
	Marker  string
	Err     error
}

// Reason describes why a non-accepted attempt failed.
func (a Attempt) Reason() string {
	switch {
	case a.Err != nil:
		return a.Err.Error()
	case a.Marker != "":
		return "refusal marker " + a.Marker
	default:
		return a.Outcome.String()
	}
}

// Classifier flags response bodies that contain any refusal marker.
type Classifier struct {
	markers [][]byte
}

// NewClassifier builds a classifier; empty markers are ignored.
func NewClassifier(markers []string) *Classifier {
	c := &Classifier{}
	for _, m := range markers {
		if m == "" {
			continue
		}
		c.markers = append(c.markers, []byte(m))
	}
	return c
}

// Classify inspects the serialized response body.
func (c *Classifier) Classify(body []byte) Attempt {
	for _, m := range c.markers {
		if bytes.Contains(body, m) {
			return Attempt{Outcome: AttemptRefusal, Body: body, Marker: string(m)}
		}
	}
	return Attempt{Outcome: AttemptAccepted, Body: body}
}
