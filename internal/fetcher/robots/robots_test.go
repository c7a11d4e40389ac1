package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnforcer(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /checkout")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	e := New(Options{UserAgent: "catalog-test"})
	ctx := context.Background()
	assert.True(t, e.Allowed(ctx, srv.URL+"/p/kettle"))
	assert.False(t, e.Allowed(ctx, srv.URL+"/checkout/cart"))
	assert.True(t, e.Allowed(ctx, srv.URL))
	assert.Equal(t, int32(1), hits.Load(), "robots.txt is cached per host")
}

func TestEnforcerMissingRobotsAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	e := New(Options{})
	assert.True(t, e.Allowed(context.Background(), srv.URL+"/anything"))
	assert.False(t, e.Allowed(context.Background(), "not a url"))
}
