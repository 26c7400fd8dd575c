package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanContentStripsMarkup(t *testing.T) {
	assert.Equal(t, "hi bold friend", CleanContent("hi <b>bold</b> friend"))
	assert.Equal(t, "plain text", CleanContent("plain text"))
	assert.Equal(t, "", CleanContent(""))
}

func TestCleanContentNormalizesQuotes(t *testing.T) {
	assert.Equal(t, `she said "hello"`, CleanContent("she said “hello”"))
	assert.Equal(t, `it's fine`, CleanContent("it’s fine"))
	assert.Equal(t, `'low' and "low"`, CleanContent("‚low‘ and „low“"))
}

func TestCleanContentCombined(t *testing.T) {
	assert.Equal(t, `a "quote"`, CleanContent("<i>a “quote”</i>"))
}

func TestSanitizeDisplayNameStripsUnsafeChars(t *testing.T) {
	assert.Equal(t, "ab", SanitizeDisplayName(`a/\:*?"<>|b`))
	assert.Equal(t, "tabnewline", SanitizeDisplayName("tab\tnew\x00line\n"))
}

func TestSanitizeDisplayNameCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "Alice B Carol", SanitizeDisplayName("  Alice   B \t Carol  "))
}

func TestSanitizeDisplayNameTruncates(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'ä'
	}
	got := SanitizeDisplayName(string(long))
	assert.Len(t, []rune(got), 255)
}

func TestSanitizeDisplayNameKeepsUnicode(t *testing.T) {
	assert.Equal(t, "Зоя 李", SanitizeDisplayName("Зоя 李"))
}

func TestFallbackDisplayName(t *testing.T) {
	assert.Equal(t, "alice", fallbackDisplayName("8:alice"))
	assert.Equal(t, "abc@thread.skype", fallbackDisplayName("19:abc@thread.skype"))
	assert.Equal(t, "noprefix", fallbackDisplayName("noprefix"))
}

func TestParseTimestampLayouts(t *testing.T) {
	cases := []string{
		"2023-01-01T00:00:01Z",
		"2023-01-01T00:00:01.1234567Z", // Skype's seven-digit fractional form
		"2023-01-01T00:00:01.123Z",
		"2023-01-01T00:00:01+02:00",
		"2023-01-01T00:00:01",
	}
	for _, s := range cases {
		_, ok := parseTimestamp(s)
		assert.True(t, ok, "should parse %q", s)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not a time", "2023-13-45T99:99:99Z", "1672531200"} {
		_, ok := parseTimestamp(s)
		assert.False(t, ok, "should reject %q", s)
	}
}

func TestFormatTimestampUTC(t *testing.T) {
	ts, ok := parseTimestamp("2023-01-01T12:30:45+02:00")
	require.True(t, ok)
	assert.Equal(t, "2023-01-01 10:30:45", formatTimestamp(ts))
	assert.Equal(t, time.UTC, ts.UTC().Location())
}

func TestDisplayContentTextTypesPassThrough(t *testing.T) {
	for _, typ := range []string{"Text", "RichText", "RichText/HTML", "RichText/Link", ""} {
		assert.Equal(t, "original", displayContent(typ, "original"), "type %q", typ)
	}
}

func TestDisplayContentPlaceholders(t *testing.T) {
	assert.Equal(t, "***A call started/ended***", displayContent("Event/Call", "<partlist/>"))
	assert.Equal(t, "***Sent a photo***", displayContent("RichText/UriObject", "<URIObject/>"))
	assert.Equal(t, "***Sent a voice message***", displayContent("RichText/Media_AudioMsg", "x"))
}

func TestDisplayContentUnknownType(t *testing.T) {
	assert.Equal(t, "***Sent a Weird/Thing***", displayContent("Weird/Thing", "x"))
}
