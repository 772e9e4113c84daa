package signal

import (
	"errors"
	"fmt"

	"oreocam/native/internal/domain"
)

// Relay protocol methods. Requests flow client to server; RESPONSE answers one
// request by id and SNAPSHOT carries the subscription id in ID. The id of a
// SUBSCRIBE request names the subscription, and UNSUBSCRIBE reuses it.
const (
	MethodMerge       = "MERGE"
	MethodAppend      = "APPEND"
	MethodDelete      = "DELETE"
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
	MethodResponse    = "RESPONSE"
	MethodSnapshot    = "SNAPSHOT"
)

// Frame is the JSON envelope exchanged with the relay.
type Frame struct {
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method"`
	Path     string          `json:"path,omitempty"`
	Fields   domain.Document `json:"fields,omitempty"`
	Field    string          `json:"field,omitempty"`
	Value    string          `json:"value,omitempty"`
	Exists   bool            `json:"exists,omitempty"`
	Data     domain.Document `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	NotFound bool            `json:"notFound,omitempty"`
}

// Response builds the reply to req carrying err, if any.
func Response(req Frame, err error) Frame {
	resp := Frame{ID: req.ID, Method: MethodResponse}
	if err != nil {
		resp.Error = err.Error()
		resp.NotFound = errors.Is(err, domain.ErrDocumentNotFound)
	}
	return resp
}

// Err turns a failed response back into the store error taxonomy.
func (f Frame) Err(method string) error {
	if f.Error == "" {
		return nil
	}
	category := domain.ErrStoreWrite
	if method == MethodSubscribe || method == MethodSnapshot {
		category = domain.ErrStoreReadUnavailable
	}
	if f.NotFound {
		return fmt.Errorf("%w: %w: relay: %s", category, domain.ErrDocumentNotFound, f.Error)
	}
	return fmt.Errorf("%w: relay: %s", category, f.Error)
}
