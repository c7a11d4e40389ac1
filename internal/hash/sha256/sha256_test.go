package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

func TestHashRecordContent(t *testing.T) {
	t.Parallel()

	rec := catalog.ProductRecord{URL: "https://shop.test/p/1", Name: "Kettle", Price: "19.99"}
	in, err := rec.HashInput()
	require.NoError(t, err)
	first, err := New().Hash(in)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	// Bookkeeping fields do not move the digest.
	rec.ShardKey = "kitchen"
	in, err = rec.HashInput()
	require.NoError(t, err)
	second, err := New().Hash(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec.Price = "21.99"
	in, err = rec.HashInput()
	require.NoError(t, err)
	third, err := New().Hash(in)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}
