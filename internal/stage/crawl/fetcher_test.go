package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollyFetcherFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "listing-bot", r.UserAgent())
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>inventory</body></html>"))
	}))
	defer srv.Close()

	f := NewCollyFetcher(CollyConfig{UserAgent: "listing-bot", Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "inventory")
	require.False(t, resp.UsedHeadless)
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
}

func TestCollyFetcherFetchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewCollyFetcher(CollyConfig{Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCollyFetcherFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := NewCollyFetcher(CollyConfig{Timeout: 10 * time.Second})
	_, err := f.Fetch(ctx, FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
