package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusBadGateway, "upstream failed")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"upstream failed"}`, rec.Body.String())
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{"))

	var dst struct{ Text string }
	assert.False(t, DecodeJSON(rec, req, &dst))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	SendSSEEvent(rec, rec, "state_changed", map[string]string{"state": "connected"})
	SendSSEChunk(rec, rec, map[string]string{"content": "hi"})
	SendSSEComment(rec, rec, "ping")

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"event: state_changed\ndata: {\"state\":\"connected\"}\n\n"+
			"data: {\"content\":\"hi\"}\n\n"+
			": ping\n\n",
		rec.Body.String())
}

func TestValidateRequest(t *testing.T) {
	type payload struct {
		Question string `validate:"required,max=10"`
	}

	rec := httptest.NewRecorder()
	assert.False(t, ValidateRequest(rec, &payload{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"question failed required"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	assert.False(t, ValidateRequest(rec, &payload{Question: strings.Repeat("x", 11)}))
	assert.JSONEq(t, `{"error":"question failed max=10"}`, rec.Body.String())

	assert.True(t, ValidateRequest(httptest.NewRecorder(), &payload{Question: "ok"}))
}
