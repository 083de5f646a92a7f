// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type echoResponse struct {
	Response string `json:"response"`
}

func TestPostJSON_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req echoRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(echoResponse{Response: req.Model + ":" + req.Prompt})
	}))
	defer ts.Close()

	var out echoResponse
	err := PostJSON(context.Background(), ts.Client(), ts.URL, echoRequest{Model: "m", Prompt: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "m:hi", out.Response)
}

func TestPostJSON_StatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("  model loading \n"))
	}))
	defer ts.Close()

	err := PostJSON(context.Background(), ts.Client(), ts.URL, echoRequest{}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "model loading", se.Body)
	assert.Contains(t, err.Error(), "503")
}

func TestPostJSON_BadJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer ts.Close()

	var out echoResponse
	err := PostJSON(context.Background(), ts.Client(), ts.URL, echoRequest{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding response")
}

func TestPostJSON_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := PostJSON(ctx, ts.Client(), ts.URL, echoRequest{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
