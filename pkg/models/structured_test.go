package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredDataMarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		data StructuredData
		want string
	}{
		{
			name: "media payload leads with kind",
			data: StructuredData{Kind: KindMedia, Media: &MediaData{
				Filename: "photo.jpg",
				Filesize: 2048,
				URL:      "https://example.com/photo.jpg",
			}},
			want: `{"kind":"Media","filename":"photo.jpg","filesize":2048,"url":"https://example.com/photo.jpg"}`,
		},
		{
			name: "empty variant collapses to bare kind",
			data: StructuredData{Kind: KindEdited, Edited: &EditedData{}},
			want: `{"kind":"Edited"}`,
		},
		{
			name: "missing variant pointer still emits kind",
			data: StructuredData{Kind: KindDeleted},
			want: `{"kind":"Deleted"}`,
		},
		{
			name: "unknown carries raw type",
			data: StructuredData{Kind: KindUnknown, Unknown: &UnknownData{RawType: "RichText/Exotic"}},
			want: `{"kind":"Unknown","raw_type":"RichText/Exotic"}`,
		},
		{
			name: "poll preserves option order",
			data: StructuredData{Kind: KindPoll, Poll: &PollData{
				Question: "Lunch?",
				Options:  []PollOption{{Text: "Pizza"}, {Text: "Sushi", VoteCount: 3}},
			}},
			want: `{"kind":"Poll","question":"Lunch?","options":[{"text":"Pizza"},{"text":"Sushi","vote_count":3}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.data)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
			// kind must be the first field so readers can dispatch without
			// a full decode
			assert.Equal(t, `{"kind":"`, string(raw[:9]))
		})
	}
}

func TestStructuredDataRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data StructuredData
	}{
		{
			name: "location",
			data: StructuredData{Kind: KindLocation, Location: &LocationData{
				Latitude:  52.52,
				Longitude: 13.405,
				Address:   "Berlin",
				MapURL:    "https://maps.example.com/?q=52.52,13.405",
			}},
		},
		{
			name: "call with participants",
			data: StructuredData{Kind: KindCall, Call: &CallData{
				State:           "ended",
				DurationSeconds: 90,
				Participants:    []string{"8:alice", "8:bob"},
			}},
		},
		{
			name: "file transfer",
			data: StructuredData{Kind: KindFileTransfer, FileTransfer: &FileTransferData{
				Filename: "report.pdf",
				Filesize: 123456,
				Status:   "completed",
			}},
		},
		{
			name: "contact card",
			data: StructuredData{Kind: KindContactCard, ContactCard: &ContactCardData{
				Name:  "Alice Example",
				Phone: "+123456789",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.data)
			require.NoError(t, err)

			var got StructuredData
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, tt.data, got)
		})
	}
}

func TestStructuredDataUnmarshalUnrecognizedKind(t *testing.T) {
	var got StructuredData
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"Hologram","shape":"cube"}`), &got))
	assert.Equal(t, StructuredKind("Hologram"), got.Kind)

	// re-encoding keeps the discriminator even though the payload is gone
	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"Hologram"}`, string(raw))
}
