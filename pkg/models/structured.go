package models

import (
	"encoding/json"
	"fmt"
)

// StructuredKind identifies the variant carried by a StructuredData value.
type StructuredKind string

const (
	KindText          StructuredKind = "Text"
	KindHTML          StructuredKind = "HTML"
	KindLink          StructuredKind = "Link"
	KindMedia         StructuredKind = "Media"
	KindPoll          StructuredKind = "Poll"
	KindLocation      StructuredKind = "Location"
	KindCall          StructuredKind = "Call"
	KindScheduledCall StructuredKind = "ScheduledCall"
	KindSystem        StructuredKind = "System"
	KindContactCard   StructuredKind = "ContactCard"
	KindFileTransfer  StructuredKind = "FileTransfer"
	KindEdited        StructuredKind = "Edited"
	KindDeleted       StructuredKind = "Deleted"
	KindUnknown       StructuredKind = "Unknown"
)

// TextData is the payload for plain-text messages.
type TextData struct {
	Text string `json:"text"`
}

// HTMLData is the payload for rich-text messages; Text is the tag-stripped form.
type HTMLData struct {
	Text string `json:"text"`
}

// LinkData is the payload for messages whose content is a hyperlink.
type LinkData struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// MediaData is the payload for photo, video, audio, and file attachments.
type MediaData struct {
	Filename        string `json:"filename,omitempty"`
	Filesize        int64  `json:"filesize,omitempty"` // bytes
	Filetype        string `json:"filetype,omitempty"` // MIME type or URIObject type attribute
	URL             string `json:"url,omitempty"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"` // audio/video only
	Description     string `json:"description,omitempty"`
}

// PollData is the payload for poll messages.
type PollData struct {
	Question string       `json:"question"`
	Options  []PollOption `json:"options"` // preserves the poll's declared order
}

// PollOption is one answer of a poll.
type PollOption struct {
	Text      string `json:"text"`
	VoteCount int    `json:"vote_count,omitempty"`
}

// LocationData is the payload for shared-location messages.
type LocationData struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
	MapURL    string  `json:"map_url,omitempty"`
}

// CallData is the payload for call lifecycle events.
type CallData struct {
	State           string   `json:"state"` // started, ended, or missed
	DurationSeconds int64    `json:"duration_seconds,omitempty"`
	Participants    []string `json:"participants,omitempty"`
}

// ScheduledCallData is the payload for scheduled-call invitations.
type ScheduledCallData struct {
	Title     string `json:"title,omitempty"`
	StartTime string `json:"start_time,omitempty"` // raw string from the invite
}

// ContactCardData is the payload for shared contact cards.
type ContactCardData struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// FileTransferData is the payload for generic file transfers.
type FileTransferData struct {
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize,omitempty"` // bytes
	Status   string `json:"status,omitempty"`
}

// SystemData is the payload for thread activity such as members joining.
type SystemData struct {
	Text string `json:"text"`
}

// EditedData marks a message whose content carries the edit marker.
type EditedData struct{}

// DeletedData marks a message whose content was removed by the sender.
type DeletedData struct{}

// UnknownData is the payload for message types without a dedicated handler.
type UnknownData struct {
	RawType string `json:"raw_type"`
}

// StructuredData is the tagged union over per-type message payloads. Exactly
// one variant pointer is non-nil and matches Kind. The JSON form is a single
// flat object with the variant's fields plus a "kind" discriminator.
type StructuredData struct {
	Kind StructuredKind `json:"-"`

	Text          *TextData          `json:"-"`
	HTML          *HTMLData          `json:"-"`
	Link          *LinkData          `json:"-"`
	Media         *MediaData         `json:"-"`
	Poll          *PollData          `json:"-"`
	Location      *LocationData      `json:"-"`
	Call          *CallData          `json:"-"`
	ScheduledCall *ScheduledCallData `json:"-"`
	System        *SystemData        `json:"-"`
	ContactCard   *ContactCardData   `json:"-"`
	FileTransfer  *FileTransferData  `json:"-"`
	Edited        *EditedData        `json:"-"`
	Deleted       *DeletedData       `json:"-"`
	Unknown       *UnknownData       `json:"-"`
}

// variant returns the active payload pointer, or nil when no variant is set.
func (s *StructuredData) variant() any {
	switch s.Kind {
	case KindText:
		return s.Text
	case KindHTML:
		return s.HTML
	case KindLink:
		return s.Link
	case KindMedia:
		return s.Media
	case KindPoll:
		return s.Poll
	case KindLocation:
		return s.Location
	case KindCall:
		return s.Call
	case KindScheduledCall:
		return s.ScheduledCall
	case KindSystem:
		return s.System
	case KindContactCard:
		return s.ContactCard
	case KindFileTransfer:
		return s.FileTransfer
	case KindEdited:
		return s.Edited
	case KindDeleted:
		return s.Deleted
	case KindUnknown:
		return s.Unknown
	default:
		return nil
	}
}

// MarshalJSON flattens the active variant into one object with a leading
// "kind" field.
func (s StructuredData) MarshalJSON() ([]byte, error) {
	type kindOnly struct {
		Kind StructuredKind `json:"kind"`
	}
	raw, err := json.Marshal(s.variant())
	if err != nil {
		return nil, err
	}
	// "null" (no variant) and "{}" (empty variants like Edited) collapse
	// to the bare discriminator.
	if len(raw) <= 2 || raw[0] != '{' {
		return json.Marshal(kindOnly{Kind: s.Kind})
	}
	buf := make([]byte, 0, len(raw)+len(s.Kind)+12)
	buf = append(buf, `{"kind":"`...)
	buf = append(buf, s.Kind...)
	buf = append(buf, `",`...)
	buf = append(buf, raw[1:]...)
	return buf, nil
}

// UnmarshalJSON reads the "kind" discriminator and decodes the matching
// variant. Unrecognized kinds keep the Kind value with no variant set, so
// payloads written by a newer version survive a decode/encode round trip
// of their discriminator.
func (s *StructuredData) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind StructuredKind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("structured data: %w", err)
	}
	*s = StructuredData{Kind: probe.Kind}
	var v any
	switch probe.Kind {
	case KindText:
		s.Text = &TextData{}
		v = s.Text
	case KindHTML:
		s.HTML = &HTMLData{}
		v = s.HTML
	case KindLink:
		s.Link = &LinkData{}
		v = s.Link
	case KindMedia:
		s.Media = &MediaData{}
		v = s.Media
	case KindPoll:
		s.Poll = &PollData{}
		v = s.Poll
	case KindLocation:
		s.Location = &LocationData{}
		v = s.Location
	case KindCall:
		s.Call = &CallData{}
		v = s.Call
	case KindScheduledCall:
		s.ScheduledCall = &ScheduledCallData{}
		v = s.ScheduledCall
	case KindSystem:
		s.System = &SystemData{}
		v = s.System
	case KindContactCard:
		s.ContactCard = &ContactCardData{}
		v = s.ContactCard
	case KindFileTransfer:
		s.FileTransfer = &FileTransferData{}
		v = s.FileTransfer
	case KindEdited:
		s.Edited = &EditedData{}
		return nil
	case KindDeleted:
		s.Deleted = &DeletedData{}
		return nil
	case KindUnknown:
		s.Unknown = &UnknownData{}
		v = s.Unknown
	default:
		return nil
	}
	return json.Unmarshal(data, v)
}
