package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

type fakeCrumbs struct {
	trails map[string][][]string
	err    error
	calls  int
}

func (f *fakeCrumbs) FetchBreadcrumbs(_ context.Context, u string) ([][]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.trails[u], nil
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Kitchen & Dining":   "kitchen-dining",
		"  Café Crème  ":     "cafe-creme",
		"TVs_and-Monitors":   "tvs-and-monitors",
		"laptops_part2":      "laptops-part2",
		"---":                "",
		"Ünïcödé 4K Screens": "unicode-4k-screens",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestPathSegment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := Candidate{URL: "https://shop.test/c/Small%20Appliances/p/kettle", SourceURL: "https://shop.test/c/kitchen/kettles"}

	key, err := PathSegment{Index: 1}.Classify(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "small-appliances", key)

	key, err = PathSegment{Index: -1, FromSource: true}.Classify(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "kettles", key)

	key, err = PathSegment{After: "c"}.Classify(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "small-appliances", key)

	key, err = PathSegment{Index: 9}.Classify(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestDeepestTieBreak(t *testing.T) {
	t.Parallel()

	trails := [][]string{
		{"Home", "Kitchen", "Kettles"},
		{"Home", "Sale", "Clearance"},
		{"Home", "Shop"},
	}
	assert.Equal(t, "Kettles", Deepest(trails, nil))
	assert.Equal(t, "Clearance", Deepest([][]string{{"Home", "Shop"}, {"Acme", "Sale", "Clearance"}}, []string{"acme"}))
	assert.Empty(t, Deepest([][]string{{"Home"}}, nil))
}

func TestChainFallsBackInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	crumbs := &fakeCrumbs{trails: map[string][][]string{
		"https://shop.test/item/1": {{"Home", "Garden", "Hoses"}},
	}}
	var failed []string
	chain := Chain{
		Classifiers: []Classifier{
			PathSegment{After: "c"},
			&Breadcrumb{Fetcher: crumbs},
			Default{},
		},
		OnError: func(name string, _ error) { failed = append(failed, name) },
	}

	key, err := chain.Classify(ctx, Candidate{URL: "https://shop.test/c/tools/item/9"})
	require.NoError(t, err)
	assert.Equal(t, "tools", key)
	assert.Zero(t, crumbs.calls)

	key, err = chain.Classify(ctx, Candidate{URL: "https://shop.test/item/1"})
	require.NoError(t, err)
	assert.Equal(t, "hoses", key)

	key, err = chain.Classify(ctx, Candidate{URL: "https://shop.test/item/1"})
	require.NoError(t, err)
	assert.Equal(t, "hoses", key)
	assert.Equal(t, 1, crumbs.calls, "breadcrumbs are cached per url")

	key, err = chain.Classify(ctx, Candidate{URL: "https://shop.test/item/2"})
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultShardKey, key)

	crumbs.err = errors.New("timeout")
	key, err = chain.Classify(ctx, Candidate{URL: "https://shop.test/item/3"})
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultShardKey, key)
	assert.Equal(t, []string{"breadcrumb"}, failed)
}

func TestPathSegmentDecodesEverySegmentOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := Candidate{URL: "https://shop.test/c/Tools%2FHardware/Caf%C3%A9%20Bar/p/1"}

	for _, p := range []PathSegment{{After: "c"}, {Index: 1}} {
		key, err := p.Classify(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, "tools-hardware", key, "%+v", p)
	}

	key, err := PathSegment{After: "Tools/Hardware"}.Classify(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "cafe-bar", key)
}
