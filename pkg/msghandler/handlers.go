package msghandler

import (
	"regexp"
	"strings"

	"github.com/chatvault/skypetl/pkg/models"
)

// editMarkerRe matches the marker Skype embeds in edited message content.
var editMarkerRe = regexp.MustCompile(`<e_m.*>`)

// IsEditMarker reports whether content carries Skype's edit marker.
func IsEditMarker(content string) bool {
	return editMarkerRe.MatchString(content)
}

func extractText(msg *models.RawMessage) *models.StructuredData {
	return &models.StructuredData{
		Kind: models.KindText,
		Text: &models.TextData{Text: msg.Content},
	}
}

// extractRichText handles the plain RichText family: edited content, content
// that is a single hyperlink, and general HTML.
func extractRichText(msg *models.RawMessage) *models.StructuredData {
	if IsEditMarker(msg.Content) {
		return &models.StructuredData{
			Kind:   models.KindEdited,
			Edited: &models.EditedData{},
		}
	}

	doc := parseFragment(msg.Content)
	if doc != nil {
		anchors := doc.Find("a[href]")
		// a lone hyperlink with no other text is a link share
		if anchors.Length() == 1 {
			href, _ := anchors.Attr("href")
			title := strings.TrimSpace(anchors.Text())
			rest := strings.TrimSpace(doc.Text())
			if href != "" && (rest == "" || rest == title) {
				if title == href {
					title = ""
				}
				return &models.StructuredData{
					Kind: models.KindLink,
					Link: &models.LinkData{URL: href, Title: title},
				}
			}
		}
	}

	return &models.StructuredData{
		Kind: models.KindHTML,
		HTML: &models.HTMLData{Text: textContent(msg.Content)},
	}
}

// extractMedia parses the URIObject element carried by media attachments.
func extractMedia(msg *models.RawMessage) *models.StructuredData {
	media := &models.MediaData{}
	doc := parseFragment(msg.Content)
	if doc != nil {
		obj := doc.Find("uriobject").First()
		media.URL = attrString(obj, "uri")
		media.ThumbnailURL = attrString(obj, "url_thumbnail")
		media.Filetype = attrString(obj, "type")
		media.Width = int(attrInt(obj, "width"))
		media.Height = int(attrInt(obj, "height"))
		media.DurationSeconds = attrInt(obj, "duration")

		media.Filename = attrString(obj.Find("originalname").First(), "v")
		if media.Filename == "" {
			media.Filename = attrString(obj.Find("meta").First(), "originalname")
		}
		media.Filesize = attrInt(obj.Find("filesize").First(), "v")

		if desc := strings.TrimSpace(obj.Find("description").Text()); desc != "" {
			media.Description = desc
		}
	}
	return &models.StructuredData{Kind: models.KindMedia, Media: media}
}

// extractFileTransfer handles generic file attachments, which share the
// URIObject markup but land in their own variant.
func extractFileTransfer(msg *models.RawMessage) *models.StructuredData {
	ft := &models.FileTransferData{}
	doc := parseFragment(msg.Content)
	if doc != nil {
		obj := doc.Find("uriobject").First()
		ft.Filename = attrString(obj.Find("originalname").First(), "v")
		if ft.Filename == "" {
			ft.Filename = attrString(obj.Find("meta").First(), "originalname")
		}
		ft.Filesize = attrInt(obj.Find("filesize").First(), "v")
		ft.Status = attrString(obj, "status")
	}
	return &models.StructuredData{Kind: models.KindFileTransfer, FileTransfer: ft}
}

// extractPoll reads the poll question and its options in declared order.
func extractPoll(msg *models.RawMessage) *models.StructuredData {
	poll := &models.PollData{}
	doc := parseFragment(msg.Content)
	if doc != nil {
		poll.Question = strings.TrimSpace(doc.Find("pollquestion").First().Text())
		doc.Find("polloption").Each(func(_ int, opt *goquerySelection) {
			poll.Options = append(poll.Options, models.PollOption{
				Text:      strings.TrimSpace(opt.Text()),
				VoteCount: int(attrInt(opt, "votecount")),
			})
		})
	}
	if poll.Question == "" {
		poll.Question = textContent(msg.Content)
	}
	return &models.StructuredData{Kind: models.KindPoll, Poll: poll}
}

// extractLocation reads the shared-location element. Skype writes
// coordinates in millionths of a degree; values that cannot be real degrees
// are scaled down.
func extractLocation(msg *models.RawMessage) *models.StructuredData {
	loc := &models.LocationData{}
	doc := parseFragment(msg.Content)
	if doc != nil {
		el := doc.Find("location").First()
		loc.Latitude = coordinate(attrString(el, "latitude"))
		loc.Longitude = coordinate(attrString(el, "longitude"))
		loc.Address = attrString(el, "address")
		if loc.Address == "" {
			loc.Address = strings.TrimSpace(el.Text())
		}
		loc.MapURL, _ = doc.Find("a[href]").First().Attr("href")
	}
	return &models.StructuredData{Kind: models.KindLocation, Location: loc}
}

// extractCall reads the partlist of a call lifecycle event.
func extractCall(msg *models.RawMessage) *models.StructuredData {
	call := &models.CallData{State: "started"}
	doc := parseFragment(msg.Content)
	if doc != nil {
		list := doc.Find("partlist").First()
		switch state := attrString(list, "type"); state {
		case "started", "ended", "missed":
			call.State = state
		}
		list.Find("part").Each(func(_ int, part *goquerySelection) {
			name := strings.TrimSpace(part.Find("name").Text())
			if name == "" {
				name = attrString(part, "identity")
			}
			if name != "" {
				call.Participants = append(call.Participants, name)
			}
			if d := parseInt(part.Find("duration").Text()); d > call.DurationSeconds {
				call.DurationSeconds = d
			}
		})
	}
	return &models.StructuredData{Kind: models.KindCall, Call: call}
}

func extractScheduledCall(msg *models.RawMessage) *models.StructuredData {
	sc := &models.ScheduledCallData{}
	doc := parseFragment(msg.Content)
	if doc != nil {
		el := doc.Find("scheduledcallinvite").First()
		sc.Title = strings.TrimSpace(el.Find("title").Text())
		if sc.Title == "" {
			sc.Title = attrString(el, "title")
		}
		sc.StartTime = strings.TrimSpace(el.Find("starttime").Text())
		if sc.StartTime == "" {
			sc.StartTime = attrString(el, "starttime")
		}
	}
	return &models.StructuredData{Kind: models.KindScheduledCall, ScheduledCall: sc}
}

// extractContactCard reads the first shared contact. The c element's t
// attribute distinguishes skype ids ("s"), phone numbers ("p"), and email
// addresses ("e").
func extractContactCard(msg *models.RawMessage) *models.StructuredData {
	card := &models.ContactCardData{}
	doc := parseFragment(msg.Content)
	if doc != nil {
		doc.Find("contacts c").Each(func(_ int, c *goquerySelection) {
			if card.Name == "" {
				card.Name = attrString(c, "f")
			}
			switch attrString(c, "t") {
			case "p":
				if card.Phone == "" {
					card.Phone = attrString(c, "s")
				}
			case "e":
				if card.Email == "" {
					card.Email = attrString(c, "s")
				}
			}
		})
	}
	return &models.StructuredData{Kind: models.KindContactCard, ContactCard: card}
}

func extractSystem(msg *models.RawMessage) *models.StructuredData {
	return &models.StructuredData{
		Kind:   models.KindSystem,
		System: &models.SystemData{Text: textContent(msg.Content)},
	}
}

func extractDeleted(msg *models.RawMessage) *models.StructuredData {
	return &models.StructuredData{
		Kind:    models.KindDeleted,
		Deleted: &models.DeletedData{},
	}
}

func extractUnknown(msg *models.RawMessage) *models.StructuredData {
	return &models.StructuredData{
		Kind:    models.KindUnknown,
		Unknown: &models.UnknownData{RawType: msg.MessageType},
	}
}
