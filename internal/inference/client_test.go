package inference

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/coordinator/internal/circuitbreaker"
)

func newTestBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(&circuitbreaker.Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.Requests >= 10 && c.FailureRatio() > 0.5 },
	})
}

func TestClassifier_SuccessOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/classify", r.URL.Path)
		assert.Equal(t, "cap-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("clip")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "clip-bytes", string(data))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"speciesCode":"robin","commonName":"American Robin","confidence":0.93}`))
	}))
	defer srv.Close()

	c := NewClassifier(ClientConfig{BaseURL: srv.URL}, circuitbreaker.NewManager())
	result, err := c.Classify(context.Background(), "cap-1", []byte("clip-bytes"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "robin", result.SpeciesCode)
	assert.InDelta(t, 0.93, result.Confidence, 0.001)
}

func TestClassifier_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"speciesCode":"jay"}`))
	}))
	defer srv.Close()

	cfg := ClientConfig{BaseURL: srv.URL, MaxRetries: 5}
	c := NewClassifier(cfg, circuitbreaker.NewManager())
	result, err := c.Classify(context.Background(), "cap-2", []byte("clip-bytes"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "jay", result.SpeciesCode)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestClassifier_BadUpstreamStatusIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClassifier(ClientConfig{BaseURL: srv.URL, MaxRetries: 3}, circuitbreaker.NewManager())
	_, err := c.Classify(context.Background(), "cap-3", []byte("clip-bytes"), "audio/wav")
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, OutcomeBadUpstream, callErr.Outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClassifier_OpenBreakerShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mgr := circuitbreaker.NewManager()
	// Force classifier breaker open ahead of time.
	br := mgr.Classifier()
	for i := 0; i < 10; i++ {
		_, _ = circuitbreaker.Execute(br, func() (int, error) { return 0, dummyErr })
	}
	require.Equal(t, circuitbreaker.StateOpen, br.State())

	c := NewClassifier(ClientConfig{BaseURL: srv.URL, MaxRetries: 0}, mgr)
	_, err := c.Classify(context.Background(), "cap-4", []byte("clip-bytes"), "audio/wav")
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, OutcomeUnavailable, callErr.Outcome)
}

var dummyErr = context.DeadlineExceeded
