package web

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespond(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, Respond(rec, http.StatusNotFound, Error{Message: "task aggregate not found"}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"task aggregate not found"}`, rec.Body.String())
}

func TestRespondEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	err := Respond(rec, http.StatusOK, JSON{V: math.Inf(1)})

	assert.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
