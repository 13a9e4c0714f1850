package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitText_ShortTextIsOneChunk(t *testing.T) {
	assert.Equal(t, []string{"hello world."}, SplitText("  hello world.  ", 4096))
	assert.Nil(t, SplitText("   ", 4096))
}

func TestSplitText_SentenceBoundaries(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. "
	body := strings.Repeat(sentence, 112) // ~5000 characters
	require.Greater(t, RuneLen(body), 4096)

	chunks := SplitText(body, 4096)
	require.Len(t, chunks, 2)

	for _, c := range chunks {
		assert.LessOrEqual(t, RuneLen(c), 4096)
		assert.True(t, strings.HasSuffix(c, "."), "chunk should end on a sentence: %q", c[len(c)-20:])
	}
	assert.Equal(t, strings.Join(strings.Fields(body), " "), strings.Join(strings.Fields(strings.Join(chunks, " ")), " "))
}

func TestSplitText_FallsBackToWords(t *testing.T) {
	body := strings.Repeat("word ", 30) // no sentence punctuation
	chunks := SplitText(body, 22)

	for _, c := range chunks {
		assert.LessOrEqual(t, RuneLen(c), 22)
		assert.False(t, strings.HasPrefix(c, "ord"), "must not cut inside a word")
	}
	assert.Equal(t, 30, len(strings.Fields(strings.Join(chunks, " "))))
}

func TestSplitText_HardCutWithoutSpaces(t *testing.T) {
	body := strings.Repeat("x", 25)
	chunks := SplitText(body, 10)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, chunks)
}

func TestSplitText_CJKPunctuation(t *testing.T) {
	body := strings.Repeat("今天天气很好。", 10)
	chunks := SplitText(body, 15)
	for _, c := range chunks {
		assert.LessOrEqual(t, RuneLen(c), 15)
		assert.True(t, strings.HasSuffix(c, "。"))
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", TruncateRunes("short", 10))
	assert.Equal(t, "abcd…", TruncateRunes("abcdefghij", 5))
	assert.Equal(t, "标题标…", TruncateRunes("标题标题标题", 4))
	assert.Equal(t, 5, RuneLen(TruncateRunes("abcdefghij", 5)))
}

func TestParseJSONObject(t *testing.T) {
	got, err := ParseJSONObject(`{"bot_token":"abc","chat_id":-100123,"silent":true,"none":null}`)
	require.NoError(t, err)
	assert.Equal(t, "abc", got["bot_token"])
	assert.Equal(t, "-100123", got["chat_id"])
	assert.Equal(t, "true", got["silent"])
	_, ok := got["none"]
	assert.False(t, ok)

	empty, err := ParseJSONObject("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseJSONObject("{broken")
	assert.Error(t, err)
}
