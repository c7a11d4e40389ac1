package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><h1>" + r.Header.Get("X-Trace") + "</h1></html>"))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetSuccessAndRevisit(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	f := New(Config{Timeout: time.Second, Headers: http.Header{"X-Trace": {"yes"}}})

	for i := 0; i < 2; i++ {
		page, err := f.Get(context.Background(), srv.URL+"/ok")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, page.StatusCode)
		assert.Contains(t, string(page.Body), "<h1>yes</h1>")
	}
}

func TestGetClassifiesFailures(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	f := New(Config{Timeout: 100 * time.Millisecond})

	cases := map[string]catalog.Class{
		"/gone": catalog.ClassNotFound,
		"/busy": catalog.ClassTransientServer,
		"/slow": catalog.ClassTimeout,
	}
	for path, want := range cases {
		_, err := f.Get(context.Background(), srv.URL+path)
		require.Error(t, err, path)
		var fe *catalog.FetchError
		require.True(t, errors.As(err, &fe), path)
		assert.Equal(t, want, fe.Class, path)
	}
}

func TestGetCanceledContext(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	f := New(Config{Timeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx, srv.URL+"/slow")
	assert.Equal(t, catalog.ClassTimeout, catalog.ClassOf(err))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	var (
		result   fetcher.Page
		status   int
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &result, &status, &fetchErr)
	require.NotNil(t, hooks.onRequest)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onError(&colly.Response{StatusCode: http.StatusGone}, errors.New("boom"))
	assert.Equal(t, http.StatusGone, status)
	assert.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
