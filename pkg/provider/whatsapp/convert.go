package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/wagate/pkg/session"
)

// toJID converts a gateway address ("6281234@c.us", "123-456@g.us") to a
// whatsmeow JID.
func toJID(address string) (types.JID, error) {
	if strings.HasSuffix(address, session.UserSuffix) {
		user := session.AddressUser(address)
		if user == "" {
			return types.JID{}, fmt.Errorf("invalid address %q", address)
		}
		return types.NewJID(user, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(address)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid address %q: %w", address, err)
	}
	return jid, nil
}

// toAddress is the inverse of toJID. User JIDs use the "@c.us" suffix the
// external store expects; everything else keeps its server.
func toAddress(jid types.JID) string {
	if jid.IsEmpty() {
		return ""
	}
	if jid.Server == types.DefaultUserServer {
		return jid.User + session.UserSuffix
	}
	return jid.ToNonAD().String()
}

// convertMessage maps an incoming or echoed message. own is the device's
// address, used as the recipient of direct messages.
func convertMessage(evt *events.Message, own string) session.Message {
	info := evt.Info
	msg := session.Message{
		ID:        info.ID,
		Chat:      toAddress(info.Chat),
		From:      toAddress(info.Sender),
		Body:      textOf(evt.Message),
		Type:      messageType(evt.Message),
		FromMe:    info.IsFromMe,
		IsStatus:  info.Chat == types.StatusBroadcastJID,
		PushName:  info.PushName,
		Ack:       session.AckServer,
		Timestamp: info.Timestamp,
	}
	msg.HasMedia = isMedia(msg.Type)
	if info.IsFromMe || info.IsGroup {
		msg.To = msg.Chat
	} else {
		msg.To = own
	}
	if ci := contextInfo(evt.Message); ci != nil {
		msg.QuotedID = ci.GetStanzaID()
	}
	return msg
}

// textOf returns the plain-text body from a WhatsApp message.
func textOf(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func messageType(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return "unknown"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		if msg.GetAudioMessage().GetPTT() {
			return "ptt"
		}
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetContactMessage() != nil:
		return "vcard"
	case msg.GetConversation() != "", msg.GetExtendedTextMessage() != nil:
		return "chat"
	}
	return "unknown"
}

func isMedia(typ string) bool {
	switch typ {
	case "image", "video", "audio", "ptt", "document", "sticker":
		return true
	}
	return false
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg == nil:
		return nil
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	}
	return nil
}

// convertReceipt reports ack changes for messages we sent. Receipts about
// our own reads on other devices are dropped.
func convertReceipt(evt *events.Receipt) (session.Receipt, bool) {
	if evt.IsFromMe {
		return session.Receipt{}, false
	}
	var ack session.Ack
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		ack = session.AckDevice
	case types.ReceiptTypeRead:
		ack = session.AckRead
	case types.ReceiptTypePlayed:
		ack = session.AckPlayed
	default:
		return session.Receipt{}, false
	}

	ids := make([]string, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		ids = append(ids, string(id))
	}
	return session.Receipt{
		MessageIDs: ids,
		Chat:       toAddress(evt.Chat),
		From:       toAddress(evt.Sender),
		Ack:        ack,
		Timestamp:  evt.Timestamp,
	}, true
}

func mediaType(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

func messageTypeFor(kind whatsmeow.MediaType) string {
	switch kind {
	case whatsmeow.MediaImage:
		return "image"
	case whatsmeow.MediaVideo:
		return "video"
	case whatsmeow.MediaAudio:
		return "audio"
	}
	return "document"
}

func mediaMessage(kind whatsmeow.MediaType, up whatsmeow.UploadResponse, media session.Media) *waE2E.Message {
	var caption *string
	if media.Caption != "" {
		caption = proto.String(media.Caption)
	}
	mime := proto.String(media.MimeType)

	switch kind {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      mime,
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      mime,
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      mime,
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	name := media.Filename
	if name == "" {
		name = "file"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       caption,
		Mimetype:      mime,
		FileName:      proto.String(name),
		Title:         proto.String(name),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}
