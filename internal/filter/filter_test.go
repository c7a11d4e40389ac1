package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	f, err := Compile(Rules{
		Include:            []string{`/products?/`},
		Exclude:            []string{`/gift-cards?/`},
		ExcludeKeywords:    []string{"Refurbished"},
		RequiredSegment:    "p",
		RequiredSuffix:     ".html",
		ExcludedExtensions: []string{"pdf", ".JPG"},
		MinSegments:        3,
	}, "shop.example.com")
	require.NoError(t, err)

	cases := []struct {
		url    string
		accept bool
		reason Reason
	}{
		{"https://shop.example.com/products/p/kettle.html", true, ""},
		{"https://www.shop.example.com/products/p/kettle.html", true, ""},
		{"/products/p/kettle.html", false, ReasonInvalidURL},
		{"https://other.example.com/products/p/kettle.html", false, ReasonForeignHost},
		{"https://shop.example.com/products/gift-card/p/x.html", false, ReasonExcludePattern},
		{"https://shop.example.com/products/refurbished/p/x.html", false, ReasonExcludeKeyword},
		{"https://shop.example.com/blog/p/kettle.html", false, ReasonNoIncludeMatch},
		{"https://shop.example.com/products/item/kettle.html", false, ReasonMissingSegment},
		{"https://shop.example.com/products/p/kettle", false, ReasonMissingSuffix},
		{"https://shop.example.com/products/p/manual.pdf", false, ReasonMissingSuffix},
		{"https://shop.example.com/products/p.html", false, ReasonMissingSegment},
	}
	for _, tc := range cases {
		d := f.Evaluate(tc.url)
		assert.Equal(t, tc.accept, d.Accept, tc.url)
		assert.Equal(t, tc.reason, d.Reason, tc.url)
	}
}

func TestEvaluateExtensionsAndDepth(t *testing.T) {
	t.Parallel()

	f, err := Compile(Rules{ExcludedExtensions: []string{"pdf"}, MinSegments: 2}, "")
	require.NoError(t, err)

	assert.Equal(t, ReasonExcludedExtension, f.Evaluate("https://a.test/docs/manual.PDF").Reason)
	assert.Equal(t, ReasonTooShallow, f.Evaluate("https://a.test/docs").Reason)
	assert.True(t, f.Evaluate("https://any.test/c/kitchen").Accept)
}

func TestCompileRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := Compile(Rules{Include: []string{"("}}, "")
	require.Error(t, err)
}
