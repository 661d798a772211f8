package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (failingLimiter) Close() error                                { return nil }

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/agent-runs", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	m, _ := newTestLimiter(0.25, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	denied := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusCreated) })
	h := Middleware(m, IPKeyFunc, m.RetryAfter(), denied, logger)(ok)

	assert.Equal(t, http.StatusCreated, serve(h, "10.0.0.1:5000").Code)

	rec := serve(h, "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusCreated, serve(h, "10.0.0.2:5000").Code, "other clients keep their own bucket")
}

func TestMiddlewareFailsOpenAndSkipsEmptyKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	denied := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	h := Middleware(failingLimiter{}, IPKeyFunc, time.Second, denied, logger)(ok)
	assert.Equal(t, http.StatusOK, serve(h, "10.0.0.1:1").Code)

	m, _ := newTestLimiter(0, 1)
	skip := Middleware(m, func(*http.Request) string { return "" }, time.Second, denied, logger)(ok)
	for range 3 {
		assert.Equal(t, http.StatusOK, serve(skip, "10.0.0.1:1").Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "ip:::1", IPKeyFunc(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "ip:unix", IPKeyFunc(req))
}
