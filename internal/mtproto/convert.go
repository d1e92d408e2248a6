package mtproto

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"github.com/maheshrc27/relayflow/internal/listener"
	"github.com/maheshrc27/relayflow/internal/models"
)

const (
	locationPhoto    = "photo"
	locationDocument = "document"
)

// convertMessage maps a raw update message to the listener's form. Chat ids
// use the Bot API convention: "-100" prefixed for channels and supergroups,
// "-" for basic groups.
func convertMessage(accountID int64, e tg.Entities, msg *tg.Message) listener.TelegramMessage {
	out := listener.TelegramMessage{
		MessageID: int64(msg.ID),
		Text:      msg.Message,
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
	}
	out.ChatID, out.ChatUsername = peerInfo(e, msg.PeerID)
	if gid, ok := msg.GetGroupedID(); ok {
		out.GroupedID = gid
	}
	if _, ok := msg.GetReplyTo(); ok {
		out.IsReply = true
	}
	if _, ok := msg.GetFwdFrom(); ok {
		out.IsForward = true
	}

	// channel posts carry no sender; the channel is the author
	if from, ok := msg.GetFromID(); ok {
		out.AuthorID, out.AuthorUsername = peerInfo(e, from)
	} else {
		out.AuthorID, out.AuthorUsername = out.ChatID, out.ChatUsername
	}

	if media, ok := msg.GetMedia(); ok {
		out.Media = convertMedia(accountID, media)
	}
	return out
}

func peerInfo(e tg.Entities, peer tg.PeerClass) (id, username string) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		if u, ok := e.Users[p.UserID]; ok {
			username = u.Username
		}
		return strconv.FormatInt(p.UserID, 10), username
	case *tg.PeerChat:
		return "-" + strconv.FormatInt(p.ChatID, 10), ""
	case *tg.PeerChannel:
		if c, ok := e.Channels[p.ChannelID]; ok {
			username = c.Username
		}
		return "-100" + strconv.FormatInt(p.ChannelID, 10), username
	}
	return "", ""
}

func convertMedia(accountID int64, media tg.MessageMediaClass) []models.MediaItem {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		p, ok := m.GetPhoto()
		if !ok {
			return nil
		}
		photo, ok := p.(*tg.Photo)
		if !ok {
			return nil
		}
		size, thumb := largestPhotoSize(photo.Sizes)
		if thumb == "" {
			return nil
		}
		return []models.MediaItem{{
			Kind:     models.MediaKindPhoto,
			MimeType: "image/jpeg",
			Size:     size,
			CacheKey: fmt.Sprintf("telegram:photo:%d", photo.ID),
			Locator: models.MediaLocator{Telegram: &models.TelegramLocation{
				AccountID:     accountID,
				Kind:          locationPhoto,
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			}},
		}}
	case *tg.MessageMediaDocument:
		d, ok := m.GetDocument()
		if !ok {
			return nil
		}
		doc, ok := d.(*tg.Document)
		if !ok {
			return nil
		}
		kind, ok := documentKind(doc)
		if !ok {
			return nil
		}
		return []models.MediaItem{{
			Kind:     kind,
			MimeType: doc.MimeType,
			Size:     doc.Size,
			CacheKey: fmt.Sprintf("telegram:document:%d", doc.ID),
			Locator: models.MediaLocator{Telegram: &models.TelegramLocation{
				AccountID:     accountID,
				Kind:          locationDocument,
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			}},
		}}
	}
	return nil
}

// largestPhotoSize returns the byte size and type of the biggest
// downloadable rendition.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (int64, string) {
	var (
		bestArea int
		bestSize int64
		bestType string
	)
	for _, s := range sizes {
		var area, size int
		var typ string
		switch s := s.(type) {
		case *tg.PhotoSize:
			area, size, typ = s.W*s.H, s.Size, s.Type
		case *tg.PhotoSizeProgressive:
			area, typ = s.W*s.H, s.Type
			if n := len(s.Sizes); n > 0 {
				size = s.Sizes[n-1]
			}
		default:
			continue
		}
		if area > bestArea {
			bestArea, bestSize, bestType = area, int64(size), typ
		}
	}
	return bestSize, bestType
}

// documentKind classifies a document. Stickers are not relayed.
func documentKind(doc *tg.Document) (string, bool) {
	kind := models.MediaKindDocument
	for _, attr := range doc.Attributes {
		switch attr.(type) {
		case *tg.DocumentAttributeSticker:
			return "", false
		case *tg.DocumentAttributeAnimated:
			return models.MediaKindAnimation, true
		case *tg.DocumentAttributeVideo:
			kind = models.MediaKindVideo
		}
	}
	return kind, true
}
