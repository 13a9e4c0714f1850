package wechat_official

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/crosspost/pkg/util"
)

func TestTransformSingleArticle(t *testing.T) {
	tr := NewTransformer()

	articles, err := tr.Transform("Hello", "Line <one> & more.\nLine two.", nil)

	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Hello", articles[0].Title)
	assert.Equal(t, "Line <one> & more.", articles[0].Digest)
	assert.Contains(t, articles[0].Content, "Line &lt;one&gt; &amp; more.")
	assert.Equal(t, 2, strings.Count(articles[0].Content, "<p "))
}

func TestTransformLinksBecomeReferences(t *testing.T) {
	tr := NewTransformer()
	body := "See https://example.com/a and https://example.org/b, then https://example.com/a again."

	articles, err := tr.Transform("Links", body, nil)

	require.NoError(t, err)
	content := articles[0].Content
	assert.NotContains(t, content, "href")
	assert.Equal(t, 2, strings.Count(content, "<sup"+` style="`+refStyle+`">[1]</sup>`))
	assert.Contains(t, content, "References")
	assert.Contains(t, content, "<i>https://example.com/a</i>")
	assert.Contains(t, content, "<i>https://example.org/b</i>")
	assert.Equal(t, "See  and , then  again.", articles[0].Digest)
}

func TestTransformImagesLeadFirstArticle(t *testing.T) {
	tr := NewTransformer()

	articles, err := tr.Transform("Pics", "", []string{"https://mmbiz.example/1.png"})

	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.True(t, strings.HasPrefix(articles[0].Content, `<p style="`+paragraphStyle+`"><img src="https://mmbiz.example/1.png"`))
}

func TestTransformSplitsLongBody(t *testing.T) {
	tr := NewTransformer()
	sentence := strings.Repeat("word ", 199) + "end. "
	body := strings.Repeat(sentence, 50) // 50,000 runes

	articles, err := tr.Transform("Long read", body, nil)

	require.NoError(t, err)
	require.Greater(t, len(articles), 1)
	require.LessOrEqual(t, len(articles), maxArticles)
	for i, a := range articles {
		assert.LessOrEqual(t, util.RuneLen(a.Content), contentLimit)
		assert.True(t, strings.HasSuffix(a.Title, ")"), a.Title)
		assert.Contains(t, a.Title, "Long read (")
		assert.Equal(t, articles[0].Digest, a.Digest, "article %d", i)
	}
}

func TestTransformTitleTruncatedWithSuffix(t *testing.T) {
	tr := NewTransformer()
	title := strings.Repeat("t", 80)
	body := strings.Repeat(strings.Repeat("x ", 999)+"y. ", 15)

	articles, err := tr.Transform(title, body, nil)

	require.NoError(t, err)
	require.Greater(t, len(articles), 1)
	for _, a := range articles {
		assert.LessOrEqual(t, util.RuneLen(a.Title), titleLimit)
		assert.Contains(t, a.Title, " (")
	}
}

func TestTransformTooLong(t *testing.T) {
	tr := NewTransformer()
	body := strings.Repeat("word ", 40000) // 200,000 runes

	_, err := tr.Transform("Huge", body, nil)

	assert.Error(t, err)
}

func TestTransformValidation(t *testing.T) {
	tr := NewTransformer()

	_, err := tr.Transform("", "body", nil)
	assert.Error(t, err)

	_, err = tr.Transform("Title", "   ", nil)
	assert.Error(t, err)
}
