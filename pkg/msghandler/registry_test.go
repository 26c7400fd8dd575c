package msghandler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/skypetl/pkg/models"
)

func TestHandlerForExactMatch(t *testing.T) {
	r := NewRegistry()
	msg := &models.RawMessage{MessageType: "Poll", Content: "<pollquestion>Lunch?</pollquestion>"}
	data := r.HandlerFor(msg.MessageType).Extract(msg)
	require.NotNil(t, data)
	assert.Equal(t, models.KindPoll, data.Kind)
}

func TestHandlerForFamilyPrefix(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{
		"RichText/Media_Video",
		"RichText/Media_AudioMsg",
		"RichText/Media_Album",
		"RichText/Media_CallRecording",
	} {
		msg := &models.RawMessage{MessageType: typ}
		data := r.HandlerFor(typ).Extract(msg)
		assert.Equal(t, models.KindMedia, data.Kind, "type %s", typ)
	}
}

func TestHandlerForExactWinsOverPrefix(t *testing.T) {
	r := NewRegistry()
	// Media_GenericFile matches the RichText/Media_ prefix but has its own
	// exact registration as a file transfer
	msg := &models.RawMessage{MessageType: "RichText/Media_GenericFile"}
	data := r.HandlerFor(msg.MessageType).Extract(msg)
	assert.Equal(t, models.KindFileTransfer, data.Kind)
}

func TestHandlerForUnknownFallback(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{"", "Bogus/Type", "RichTextual"} {
		msg := &models.RawMessage{MessageType: typ}
		data := r.HandlerFor(typ).Extract(msg)
		require.Equal(t, models.KindUnknown, data.Kind, "type %q", typ)
		require.NotNil(t, data.Unknown)
		assert.Equal(t, typ, data.Unknown.RawType)
	}
}

func TestRegisterOverride(t *testing.T) {
	r := NewRegistry()
	r.Register("Text", HandlerFunc(func(msg *models.RawMessage) *models.StructuredData {
		return &models.StructuredData{Kind: models.KindSystem, System: &models.SystemData{Text: "overridden"}}
	}))
	data := r.HandlerFor("Text").Extract(&models.RawMessage{MessageType: "Text"})
	assert.Equal(t, models.KindSystem, data.Kind)
}

func TestConcurrentLookups(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := r.HandlerFor("RichText/Media_Video")
				require.NotNil(t, h)
			}
		}()
	}
	wg.Wait()
}
