package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedBackend returns a fixed reply or error per model.
type scriptedBackend struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []string
}

func (b *scriptedBackend) GenerateText(_ context.Context, model, _ string, _ float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, model)
	if err, ok := b.errs[model]; ok {
		return "", err
	}
	return b.replies[model], nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestClient(b Backend, cfg Config) (*Client, *sleepRecorder) {
	c := New(b, cfg, testLogger())
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c, rec
}

func TestCandidatesDedupes(t *testing.T) {
	got := Candidates(" primary ", []string{"a", "primary", "", "  ", "b", "a"})
	assert.Equal(t, []string{"primary", "a", "b"}, got)
	assert.Empty(t, Candidates("", nil))
}

func TestGenerateThirdCandidateSucceeds(t *testing.T) {
	b := &scriptedBackend{
		errs: map[string]error{
			"m1": &HTTPError{StatusCode: 500, Detail: "model crashed"},
			"m2": errors.New("dial tcp: connection refused"),
		},
		replies: map[string]string{"m3": "  ok  "},
	}
	c, rec := newTestClient(b, Config{
		PrimaryModel:   "m1",
		FallbackModels: []string{"m2", "m3"},
		Backoff:        800 * time.Millisecond,
	})

	res := c.Generate(context.Background(), "prompt", 0.2)

	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "m3", res.Model)
	assert.False(t, res.Fallback)
	assert.Equal(t, []time.Duration{800 * time.Millisecond, 800 * time.Millisecond}, rec.waits)
	assert.Equal(t, []string{"m1", "m2", "m3"}, b.calls)
	assert.Equal(t, []string{"m1: HTTP 500 model crashed", "m2: dial tcp: connection refused"}, res.Errors)
}

func TestGenerateFirstCandidateShortCircuits(t *testing.T) {
	b := &scriptedBackend{replies: map[string]string{"m1": "draft", "m2": "unused"}}
	c, rec := newTestClient(b, Config{PrimaryModel: "m1", FallbackModels: []string{"m2"}, Backoff: time.Second})

	res := c.Generate(context.Background(), "p", 0.2)
	assert.Equal(t, "draft", res.Text)
	assert.Equal(t, "m1", res.Model)
	assert.Empty(t, rec.waits)
	assert.Equal(t, []string{"m1"}, b.calls)
}

func TestGenerateAllFailReturnsFallback(t *testing.T) {
	errs := map[string]error{}
	var fallbacks []string
	for i := range 7 {
		m := fmt.Sprintf("m%d", i)
		errs[m] = fmt.Errorf("boom %d", i)
		if i > 0 {
			fallbacks = append(fallbacks, m)
		}
	}
	b := &scriptedBackend{errs: errs}
	c, rec := newTestClient(b, Config{PrimaryModel: "m0", FallbackModels: fallbacks, Backoff: 800 * time.Millisecond})

	res := c.Generate(context.Background(), "p", 0.2)

	assert.True(t, res.Fallback)
	assert.Empty(t, res.Model)
	assert.Len(t, res.Errors, 7)
	assert.Len(t, rec.waits, 6, "no wait after the last candidate")

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Text), &doc))
	assert.Equal(t, "Local fallback used because Ollama was unavailable.", doc["summary"])
	assert.Equal(t, "2026-03-01T12:00:00Z", doc["generated_at"])
	modelErrors, ok := doc["model_errors"].([]any)
	require.True(t, ok)
	assert.Len(t, modelErrors, 5)
	assert.Equal(t, "m0: boom 0", modelErrors[0])
	assert.Len(t, doc["next_steps"], 3)
}

func TestGenerateEmptyResponseIsFailure(t *testing.T) {
	b := &scriptedBackend{replies: map[string]string{"m1": " \n\t ", "m2": "fine"}}
	c, _ := newTestClient(b, Config{PrimaryModel: "m1", FallbackModels: []string{"m2"}})

	res := c.Generate(context.Background(), "p", 0.2)
	assert.Equal(t, "fine", res.Text)
	assert.Equal(t, []string{"m1: empty response"}, res.Errors)
}

func TestGenerateNoCandidates(t *testing.T) {
	c, _ := newTestClient(&scriptedBackend{}, Config{})
	res := c.Generate(context.Background(), "p", 0.2)
	assert.True(t, res.Fallback)

	var doc fallbackDocument
	require.NoError(t, json.Unmarshal([]byte(res.Text), &doc))
	assert.NotNil(t, doc.ModelErrors)
	assert.Empty(t, doc.ModelErrors)
}

func TestGenerateBudgetStopsRemainingCandidates(t *testing.T) {
	b := &scriptedBackend{errs: map[string]error{"m1": errors.New("down"), "m2": errors.New("down")}}
	c, _ := newTestClient(b, Config{PrimaryModel: "m1", FallbackModels: []string{"m2", "m3"}})
	c.sleep = func(context.Context, time.Duration) error { return context.DeadlineExceeded }

	res := c.Generate(context.Background(), "p", 0.2)
	assert.True(t, res.Fallback)
	assert.Equal(t, []string{"m1"}, b.calls)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[1], "m2: not attempted")
}

func TestAttemptDetailCollapsesAndTruncates(t *testing.T) {
	long := strings.Repeat("x ", 300)
	a := Attempt{Model: "m", Err: &HTTPError{StatusCode: 502, Detail: "bad\n\n   gateway  " + long}}
	d := a.Detail()
	assert.True(t, strings.HasPrefix(d, "m: HTTP 502 bad gateway x x"))
	assert.LessOrEqual(t, len(strings.TrimPrefix(d, "m: HTTP 502 ")), maxDetailLen)
	assert.NotContains(t, d, "\n")
}

func TestSleepCtxHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sleepCtx(ctx, time.Hour))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestOllamaBackendIntegration(t *testing.T) {
	var seen []ollamaGenerateRequest
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()

		switch req.Model {
		case "broken":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"model \"broken\" not found, try pulling it first"}`))
		case "plain":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("  overloaded\n"))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"response": "## Plan\n- step", "done": true})
		}
	}))
	defer srv.Close()

	c, rec := newTestClient(NewOllamaBackend(srv.URL+"/", 5*time.Second), Config{
		PrimaryModel:   "broken",
		FallbackModels: []string{"plain", "good"},
		AttemptTimeout: 5 * time.Second,
		Backoff:        time.Millisecond,
	})

	res := c.Generate(context.Background(), "You are KOBO growth.", 0.3)
	assert.Equal(t, "## Plan\n- step", res.Text)
	assert.Equal(t, "good", res.Model)
	assert.Len(t, rec.waits, 2)
	assert.Equal(t, []string{
		`broken: HTTP 404 model "broken" not found, try pulling it first`,
		"plain: HTTP 503 overloaded",
	}, res.Errors)

	require.Len(t, seen, 3)
	assert.False(t, seen[0].Stream)
	assert.Equal(t, 0.3, seen[2].Options.Temperature)
	assert.Equal(t, "You are KOBO growth.", seen[2].Prompt)
}

func TestOllamaBackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, _ := newTestClient(NewOllamaBackend(url, time.Second), Config{PrimaryModel: "m"})
	res := c.Generate(context.Background(), "p", 0.2)
	assert.True(t, res.Fallback)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "m: ollama: send request:"))
}
