package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/classify"
)

func TestLoadExample(t *testing.T) {
	t.Parallel()

	p, err := Load(filepath.Join("testdata", "shop.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example.com/"}, p.StartURLs)
	assert.Equal(t, 3, p.Depth())
	assert.Equal(t, 500*time.Millisecond, p.RateLimitDelay)
	assert.Equal(t, DefaultFetchTimeout, p.FetchTimeout)
	assert.Equal(t, catalog.DefaultShardKey, p.Sharding.DefaultKey)
	assert.Equal(t, "shop.example.com", p.Host())

	c, err := p.Compile()
	require.NoError(t, err)
	require.Len(t, c.Levels, 2)
	assert.True(t, c.Levels[0].Evaluate("https://shop.example.com/c/kitchen").Accept)
	assert.False(t, c.Levels[1].Evaluate("https://shop.example.com/c/kitchen/clearance").Accept)
	assert.True(t, c.Products.Evaluate("https://shop.example.com/p/kettle-42").Accept)

	n := p.Normalizer()
	got, err := n.Normalize("HTTPS://Shop.Example.com/p/kettle-42/?utm_source=x&currency=USD")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/p/kettle-42?currency=USD", got)

	chain := p.Classifier(nil, nil, nil)
	require.Len(t, chain.Classifiers, 2)
	key, err := chain.Classify(context.Background(), classify.Candidate{
		URL:       "https://shop.example.com/p/kettle-42",
		SourceURL: "https://shop.example.com/c/kitchen/kettles",
	})
	require.NoError(t, err)
	assert.Equal(t, "kitchen", key)
}

func TestLoadRejectsUnknownAndInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown key":    "name: x\nbase_url: https://a.test/\nmax_depth: 3\n",
		"relative base":  "name: x\nbase_url: /shop\n",
		"missing name":   "base_url: https://a.test/\n",
		"bad pattern":    "name: x\nbase_url: https://a.test/\nproducts:\n  include: ['(']\n",
		"bad slash rule": "name: x\nbase_url: https://a.test/\nnormalize:\n  trailing_slash: keep\n",
		"tiny shards":    "name: x\nbase_url: https://a.test/\nmax_shard_chars: 10\n",
		"bad default":    "name: x\nbase_url: https://a.test/\nsharding:\n  default_key: Misc Items\n",
	}
	for name, body := range cases {
		path := filepath.Join(t.TempDir(), "p.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := Load(path)
		assert.Error(t, err, name)
	}
}

func TestLoadRateLimitDelay(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Duration{
		"":                       DefaultRateLimitDelay,
		"rate_limit_delay: 0s\n": 0,
		"rate_limit_delay: 2s\n": 2 * time.Second,
	}
	for extra, want := range cases {
		path := filepath.Join(t.TempDir(), "p.yaml")
		body := "name: x\nbase_url: https://a.test/\n" + extra
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		p, err := Load(path)
		require.NoError(t, err, extra)
		assert.Equal(t, want, p.RateLimitDelay, extra)
	}
}
