package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prev := apiAddr
	apiAddr = srv.URL + "/"
	t.Cleanup(func() { apiAddr = prev })
}

func TestAPIDoSendsAndDecodesJSON(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/personas/p1/call", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"response": "echo " + in["prompt"]})
	})

	var out struct {
		Response string `json:"response"`
	}
	require.NoError(t, apiPost("/personas/p1/call", map[string]string{"prompt": "hi"}, &out))
	assert.Equal(t, "echo hi", out.Response)
}

func TestAPIDoReturnsServerError(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"no available backend"}`))
	})

	err := apiGet("/personas/p1", nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "no available backend", apiErr.Message)
}

func TestAPIDoNoContent(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	var out map[string]any
	require.NoError(t, apiDo(apiClient, http.MethodDelete, "/backends/b1", nil, &out))
	assert.Nil(t, out)
}

func TestCheckHealthKeepsPayloadOnFailure(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false,"db":"error: closed","version":"x"}`))
	})

	health, err := CheckHealth()
	require.Error(t, err)
	require.NotNil(t, health)
	assert.False(t, health.OK)
	assert.Equal(t, "error: closed", health.DB)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abcdefgh", truncateID("abcdefgh-1234"))
}
