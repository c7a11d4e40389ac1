package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassForStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]Class{
		http.StatusOK:                  "",
		http.StatusMovedPermanently:    "",
		http.StatusNotFound:            ClassNotFound,
		http.StatusGone:                ClassNotFound,
		http.StatusRequestTimeout:      ClassTimeout,
		http.StatusGatewayTimeout:      ClassTimeout,
		http.StatusTooManyRequests:     ClassRateLimited,
		http.StatusBadGateway:          ClassTransientServer,
		http.StatusServiceUnavailable:  ClassTransientServer,
		http.StatusForbidden:           ClassClient,
		http.StatusUnprocessableEntity: ClassClient,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassForStatus(code), "status %d", code)
	}
}

func TestClassOf(t *testing.T) {
	t.Parallel()

	fetchErr := NewFetchError(ClassParse, "https://shop.test/p/1", 0, errors.New("no name"))
	assert.Equal(t, ClassParse, ClassOf(fmt.Errorf("scrape: %w", fetchErr)))
	assert.Equal(t, ClassTimeout, ClassOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, ClassTimeout, ClassOf(&net.DNSError{IsTimeout: true}))
	assert.Equal(t, ClassTransientServer, ClassOf(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.Equal(t, ClassUnknown, ClassOf(errors.New("boom")))
	assert.Equal(t, Class(""), ClassOf(nil))
}

func TestClassRetriable(t *testing.T) {
	t.Parallel()

	for _, c := range []Class{ClassTimeout, ClassTransientServer, ClassRateLimited} {
		assert.True(t, c.Retriable(), c)
	}
	for _, c := range []Class{ClassNotFound, ClassClient, ClassParse, ClassStorage, ClassUnknown} {
		assert.False(t, c.Retriable(), c)
	}
}

func TestFetchErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewFetchError(ClassNotFound, "https://shop.test/p/1", 404, errors.New("gone"))
	require.EqualError(t, err, "not_found fetching https://shop.test/p/1 (status 404): gone")
	require.ErrorIs(t, fmt.Errorf("outer: %w", err), err.Err)
}

func TestHashInputIgnoresBookkeeping(t *testing.T) {
	t.Parallel()

	a := ProductRecord{URL: "https://shop.test/p/1", Name: "Kettle", Price: "19.99", ShardKey: "kitchen"}
	b := a
	b.ShardKey = "other"
	b.ContentHash = "abc"

	inA, err := a.HashInput()
	require.NoError(t, err)
	inB, err := b.HashInput()
	require.NoError(t, err)
	assert.Equal(t, inA, inB)

	b.Price = "21.00"
	inB, err = b.HashInput()
	require.NoError(t, err)
	assert.NotEqual(t, inA, inB)
}
