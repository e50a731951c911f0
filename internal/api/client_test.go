// ABOUTME: Tests for the KOOK HTTP client against an httptest server
// ABOUTME: Covers auth header, envelope errors, HTTP status errors, and the circuit breaker

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/index", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("compress"))
		assert.Equal(t, "Bot tkn", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"code":0,"message":"ok","data":{"url":"wss://gw.example/gateway?compress=1&token=abc"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tkn")
	got, err := c.GatewayURL(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example/gateway?compress=1&token=abc", got)
}

func TestGatewayURL_EnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":401,"message":"你的用户凭证不正确","data":{}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "bad").GatewayURL(context.Background(), false)
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(401), apiErr.Code)
}

func TestGatewayURL_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").GatewayURL(context.Background(), false)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, http.MethodGet, se.Method)
}

func TestGatewayURL_EmptyURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"message":"","data":{"url":""}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").GatewayURL(context.Background(), false)
	assert.ErrorContains(t, err, "empty url")
}

func TestGatewayURL_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", WithBreaker(gobreaker.Settings{
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
	}))

	for i := 0; i < 2; i++ {
		_, err := c.GatewayURL(context.Background(), false)
		require.Error(t, err)
	}
	_, err := c.GatewayURL(context.Background(), false)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the server")
}

func TestCreateMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/message/create", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreateMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "C1", req.TargetID)
		assert.Equal(t, "pong", req.Content)
		assert.NotEmpty(t, req.Nonce, "a nonce is generated")

		_, _ = w.Write([]byte(`{"code":0,"message":"","data":{"msg_id":"m-9","msg_timestamp":1700000000000,"nonce":"` + req.Nonce + `"}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "t").CreateMessage(context.Background(), CreateMessageRequest{TargetID: "C1", Content: "pong"})
	require.NoError(t, err)
	assert.Equal(t, "m-9", res.MsgID)
	assert.NotEmpty(t, res.Nonce)
}
