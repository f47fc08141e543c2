package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSession struct {
	token      string
	refreshes  int
	refreshErr error
}

func (s *staticSession) Token(context.Context) (string, error) {
	return s.token, nil
}

func (s *staticSession) Refresh(context.Context) error {
	s.refreshes++
	return s.refreshErr
}

func newTestProducer(t *testing.T, handler http.HandlerFunc) *HTTPProducer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewHTTPProducer(HTTPProducerConfig{
		URLTemplate: srv.URL + "/products/{identity}",
		UserAgent:   "harvester-test/1.0",
	}, &staticSession{token: "tok-1"}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestHTTPProducerFetchOK(t *testing.T) {
	p := newTestProducer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products/P-1", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"product_id":"P-1","name":"mug"}`))
	})

	rec, err := p.Fetch(context.Background(), "P-1")
	require.NoError(t, err)
	id, ok := rec.Identity(nil)
	require.True(t, ok)
	require.Equal(t, "P-1", id)
}

func TestHTTPProducerStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindRetryable},
		{http.StatusBadGateway, KindRetryable},
		{http.StatusNotFound, KindFatal},
		{http.StatusGone, KindFatal},
	}
	for _, tc := range cases {
		p := newTestProducer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := p.Fetch(context.Background(), "P-1")
		require.Error(t, err)
		require.Equal(t, tc.kind, KindOf(err), "status %d", tc.status)
	}
}

func TestHTTPProducerMalformedBodyIsFatal(t *testing.T) {
	p := newTestProducer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"product_id": truncated`))
	})
	_, err := p.Fetch(context.Background(), "P-1")
	require.Equal(t, KindFatal, KindOf(err))
}

func TestHTTPProducerEmptyDocumentIsFatal(t *testing.T) {
	p := newTestProducer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := p.Fetch(context.Background(), "P-1")
	require.Equal(t, KindFatal, KindOf(err))
}

func TestNewHTTPProducerRequiresPlaceholder(t *testing.T) {
	_, err := NewHTTPProducer(HTTPProducerConfig{URLTemplate: "http://api.example.com/products"}, nil, zap.NewNop())
	require.Error(t, err)
}
