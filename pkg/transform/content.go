package transform

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/chatvault/skypetl/pkg/etl"
)

// placeholders maps non-text message types to the human-readable stand-in
// that replaces their markup content.
var placeholders = map[string]string{
	"Event/Call":                      "***A call started/ended***",
	"Poll":                            "***Created a poll***",
	"RichText/Media_Album":            "***Sent an album of images***",
	"RichText/Media_AudioMsg":         "***Sent a voice message***",
	"RichText/Media_CallRecording":    "***Sent a call recording***",
	"RichText/Media_Card":             "***Sent a media card***",
	"RichText/Media_FlikMsg":          "***Sent a moji***",
	"RichText/Media_GenericFile":      "***Sent a file***",
	"RichText/Media_Video":            "***Sent a video message***",
	"RichText/UriObject":              "***Sent a photo***",
	"RichText/ScheduledCallInvite":    "***Scheduled a call***",
	"RichText/Location":               "***Sent a location***",
	"RichText/Contacts":               "***Sent a contact***",
	"ThreadActivity/AddMember":        "***Added a member to the conversation***",
	"ThreadActivity/DeleteMember":     "***Removed a member from the conversation***",
	"ThreadActivity/TopicUpdate":      "***Updated the conversation topic***",
	"ThreadActivity/PictureUpdate":    "***Updated the conversation picture***",
	"ThreadActivity/HistoryDisclosed": "***Made chat history visible***",
}

// textTypes are the message types whose content is the message itself and is
// never replaced by a placeholder.
var textTypes = map[string]bool{
	"Text":          true,
	"RichText":      true,
	"RichText/HTML": true,
	"RichText/Link": true,
	"":              true, // missing type: treat as text, dispatch falls to the default handler
}

// displayContent returns the content to present for a message: the raw
// content for text types, a placeholder for everything else.
func displayContent(messageType, content string) string {
	if textTypes[messageType] {
		return content
	}
	if p, ok := placeholders[messageType]; ok {
		return p
	}
	return "***Sent a " + messageType + "***"
}

// quoteReplacer folds typographic quotes into their ASCII equivalents.
var quoteReplacer = strings.NewReplacer(
	"“", `"`, // left double
	"”", `"`, // right double
	"„", `"`, // low double
	"‘", `'`, // left single
	"’", `'`, // right single
	"‚", `'`, // low single
)

// CleanContent strips markup from message content and normalizes curly
// quotes to ASCII.
func CleanContent(content string) string {
	if strings.Contains(content, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
			content = doc.Text()
		}
	}
	return strings.TrimSpace(quoteReplacer.Replace(content))
}

// unsafePathChars are stripped from display names so a name can double as a
// filesystem path segment.
const unsafePathChars = `/\:*?"<>|`

// maxDisplayNameLen bounds sanitized display names, in codepoints.
const maxDisplayNameLen = 255

// SanitizeDisplayName strips characters unsafe for filesystem paths and
// control characters, collapses whitespace runs, and truncates to 255
// codepoints.
func SanitizeDisplayName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(unsafePathChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	collapsed := strings.Join(strings.Fields(b.String()), " ")
	runes := []rune(collapsed)
	if len(runes) > maxDisplayNameLen {
		runes = runes[:maxDisplayNameLen]
	}
	return string(runes)
}

// fallbackDisplayName derives a name from a conversation or participant id:
// the text after the first colon ("8:alice" becomes "alice"). Ids without a
// colon pass through whole.
func fallbackDisplayName(id string) string {
	if _, rhs, found := strings.Cut(id, ":"); found {
		return rhs
	}
	return id
}

// parseTimestamp parses an export timestamp string. The bool reports whether
// any accepted layout matched.
func parseTimestamp(s string) (time.Time, bool) {
	return etl.ParseTimestamp(s)
}

// formatTimestamp renders a parsed timestamp in the pipeline's display form.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
