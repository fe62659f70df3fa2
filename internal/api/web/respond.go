// Package web holds the small response helpers shared by the HTTP handlers.
package web

import (
	"encoding/json"
	"net/http"
)

// Encoder defines behavior that can encode a data model and provide
// the content type for that encoding.
type Encoder interface {
	Encode() ([]byte, string, error)
}

// JSON encodes any value as application/json.
type JSON struct{ V any }

// Encode implements the Encoder interface.
func (j JSON) Encode() ([]byte, string, error) {
	data, err := json.Marshal(j.V)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// Error is the body returned for failed requests.
type Error struct {
	Message string `json:"error"`
}

// Encode implements the Encoder interface.
func (e Error) Encode() ([]byte, string, error) { return JSON{V: e}.Encode() }

// Respond writes data with the given status code. An encoding failure turns
// into a bare 500.
func Respond(w http.ResponseWriter, status int, data Encoder) error {
	body, contentType, err := data.Encode()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
