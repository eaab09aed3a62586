package whatsmeow

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"wabatch/internal/transport"
)

// buildMessage converts a payload into its protobuf form. img is the
// uploaded image for media payloads and nil otherwise; it is owned by the
// returned message.
func buildMessage(p transport.Payload, img *waE2E.ImageMessage) *waE2E.Message {
	var msg *waE2E.Message
	switch {
	case p.Shop != "" || p.ShopID != "":
		msg = &waE2E.Message{InteractiveMessage: shopMessage(p, img)}
	case len(p.Buttons) > 0:
		msg = &waE2E.Message{InteractiveMessage: flowMessage(p, img)}
	case img != nil:
		img.Caption = optional(p.Caption)
		msg = &waE2E.Message{ImageMessage: img}
	default:
		msg = &waE2E.Message{Conversation: proto.String(p.Text)}
	}
	if p.ViewOnce {
		msg = &waE2E.Message{ViewOnceMessage: &waE2E.FutureProofMessage{Message: msg}}
	}
	return msg
}

func flowMessage(p transport.Payload, img *waE2E.ImageMessage) *waE2E.InteractiveMessage {
	buttons := make([]*waE2E.InteractiveMessage_NativeFlowMessage_NativeFlowButton, 0, len(p.Buttons))
	for _, b := range p.Buttons {
		buttons = append(buttons, &waE2E.InteractiveMessage_NativeFlowMessage_NativeFlowButton{
			Name:             proto.String(b.Name),
			ButtonParamsJSON: proto.String(b.ParamsJSON),
		})
	}
	return &waE2E.InteractiveMessage{
		Header: header(p, img),
		Body:   &waE2E.InteractiveMessage_Body{Text: proto.String(bodyText(p))},
		Footer: footer(p),
		InteractiveMessage: &waE2E.InteractiveMessage_NativeFlowMessage_{
			NativeFlowMessage: &waE2E.InteractiveMessage_NativeFlowMessage{
				Buttons:        buttons,
				MessageVersion: proto.Int32(1),
			},
		},
	}
}

func shopMessage(p transport.Payload, img *waE2E.ImageMessage) *waE2E.InteractiveMessage {
	return &waE2E.InteractiveMessage{
		Header: header(p, img),
		Body:   &waE2E.InteractiveMessage_Body{Text: proto.String(bodyText(p))},
		Footer: footer(p),
		InteractiveMessage: &waE2E.InteractiveMessage_ShopStorefrontMessage{
			ShopStorefrontMessage: &waE2E.InteractiveMessage_ShopMessage{
				ID:             proto.String(p.ShopID),
				Surface:        surface(p.Shop).Enum(),
				MessageVersion: proto.Int32(1),
			},
		},
	}
}

func header(p transport.Payload, img *waE2E.ImageMessage) *waE2E.InteractiveMessage_Header {
	h := &waE2E.InteractiveMessage_Header{
		Title:              optional(p.Title),
		Subtitle:           optional(p.Subtitle),
		HasMediaAttachment: proto.Bool(img != nil),
	}
	if img != nil {
		h.Media = &waE2E.InteractiveMessage_Header_ImageMessage{ImageMessage: img}
	}
	return h
}

func footer(p transport.Payload) *waE2E.InteractiveMessage_Footer {
	if p.Footer == "" {
		return nil
	}
	return &waE2E.InteractiveMessage_Footer{Text: proto.String(p.Footer)}
}

// bodyText prefers Text; media payloads carry their text as Caption.
func bodyText(p transport.Payload) string {
	if p.Text != "" {
		return p.Text
	}
	return p.Caption
}

func surface(shop string) waE2E.InteractiveMessage_ShopMessage_Surface {
	switch strings.ToUpper(strings.TrimSpace(shop)) {
	case "FB":
		return waE2E.InteractiveMessage_ShopMessage_FB
	case "IG":
		return waE2E.InteractiveMessage_ShopMessage_IG
	default:
		return waE2E.InteractiveMessage_ShopMessage_WA
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
