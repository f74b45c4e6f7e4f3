package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/sipeed/wagate/pkg/session"
)

func TestAddressJIDRoundTrip(t *testing.T) {
	jid, err := toJID("6281234@c.us")
	require.NoError(t, err)
	assert.Equal(t, types.NewJID("6281234", types.DefaultUserServer), jid)
	assert.Equal(t, "6281234@c.us", toAddress(jid))

	group, err := toJID("120363000000@g.us")
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, group.Server)
	assert.Equal(t, "120363000000@g.us", toAddress(group))

	_, err = toJID("@c.us")
	assert.Error(t, err)
	assert.Equal(t, "", toAddress(types.EmptyJID))
}

func TestConvertIncomingText(t *testing.T) {
	ts := time.Date(2026, 4, 9, 14, 30, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("6281234", types.DefaultUserServer),
				Sender: types.NewJID("6281234", types.DefaultUserServer),
			},
			ID:        "ABC123",
			PushName:  "Budi",
			Timestamp: ts,
		},
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String("hello"),
			ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String("Q1")},
		}},
	}

	msg := convertMessage(evt, "6280000@c.us")
	assert.Equal(t, "ABC123", msg.ID)
	assert.Equal(t, "6281234@c.us", msg.From)
	assert.Equal(t, "6281234@c.us", msg.Chat)
	assert.Equal(t, "6280000@c.us", msg.To)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "chat", msg.Type)
	assert.Equal(t, "Q1", msg.QuotedID)
	assert.Equal(t, "Budi", msg.PushName)
	assert.False(t, msg.HasMedia)
	assert.False(t, msg.IsStatus)
	assert.Equal(t, ts, msg.Timestamp)
}

func TestConvertStatusAndMedia(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.StatusBroadcastJID,
				Sender: types.NewJID("6281234", types.DefaultUserServer),
			},
			ID: "S1",
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")}},
	}
	msg := convertMessage(evt, "")
	assert.True(t, msg.IsStatus)
	assert.True(t, msg.HasMedia)
	assert.Equal(t, "image", msg.Type)
	assert.Equal(t, "look", msg.Body)
}

func TestMessageType(t *testing.T) {
	cases := map[string]*waE2E.Message{
		"chat":     {Conversation: proto.String("hi")},
		"video":    {VideoMessage: &waE2E.VideoMessage{}},
		"audio":    {AudioMessage: &waE2E.AudioMessage{}},
		"ptt":      {AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}},
		"document": {DocumentMessage: &waE2E.DocumentMessage{}},
		"sticker":  {StickerMessage: &waE2E.StickerMessage{}},
		"location": {LocationMessage: &waE2E.LocationMessage{}},
		"unknown":  {},
	}
	for want, msg := range cases {
		assert.Equal(t, want, messageType(msg), want)
	}
	assert.Equal(t, "unknown", messageType(nil))
}

func TestConvertReceipt(t *testing.T) {
	src := types.MessageSource{
		Chat:   types.NewJID("6281234", types.DefaultUserServer),
		Sender: types.NewJID("6281234", types.DefaultUserServer),
	}

	rc, ok := convertReceipt(&events.Receipt{
		MessageSource: src,
		MessageIDs:    []types.MessageID{"A", "B"},
		Type:          types.ReceiptTypeRead,
	})
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, rc.MessageIDs)
	assert.Equal(t, session.AckRead, rc.Ack)
	assert.Equal(t, "6281234@c.us", rc.Chat)

	rc, ok = convertReceipt(&events.Receipt{MessageSource: src, MessageIDs: []types.MessageID{"A"}, Type: types.ReceiptTypeDelivered})
	require.True(t, ok)
	assert.Equal(t, session.AckDevice, rc.Ack)

	_, ok = convertReceipt(&events.Receipt{MessageSource: src, Type: types.ReceiptTypeRetry})
	assert.False(t, ok)

	self := src
	self.IsFromMe = true
	_, ok = convertReceipt(&events.Receipt{MessageSource: self, Type: types.ReceiptTypeRead})
	assert.False(t, ok)
}

func TestMediaMessageByMime(t *testing.T) {
	up := whatsmeow.UploadResponse{URL: "https://mmg.example/x", DirectPath: "/x", FileLength: 42}

	assert.Equal(t, whatsmeow.MediaImage, mediaType("image/png"))
	assert.Equal(t, whatsmeow.MediaVideo, mediaType("video/mp4"))
	assert.Equal(t, whatsmeow.MediaAudio, mediaType("audio/ogg"))
	assert.Equal(t, whatsmeow.MediaDocument, mediaType("application/pdf"))
	assert.Equal(t, whatsmeow.MediaDocument, mediaType(""))

	img := mediaMessage(whatsmeow.MediaImage, up, session.Media{MimeType: "image/png", Caption: "hi"})
	require.NotNil(t, img.GetImageMessage())
	assert.Equal(t, "hi", img.GetImageMessage().GetCaption())
	assert.Equal(t, uint64(42), img.GetImageMessage().GetFileLength())

	doc := mediaMessage(whatsmeow.MediaDocument, up, session.Media{MimeType: "application/pdf", Filename: "invoice.pdf"})
	require.NotNil(t, doc.GetDocumentMessage())
	assert.Equal(t, "invoice.pdf", doc.GetDocumentMessage().GetFileName())
	assert.Nil(t, doc.GetDocumentMessage().Caption)

	assert.Equal(t, "document", messageTypeFor(whatsmeow.MediaDocument))
	assert.Equal(t, "audio", messageTypeFor(whatsmeow.MediaAudio))
}
