// Package message validates outbound message descriptions and builds their transport payloads.
//
// Build is pure: no I/O, never fails. Validate is the caller's precondition.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wabatch/internal/transport"
)

type Variant string

const (
	Standard Variant = "standard"
	Simple   Variant = "simple"
	Shop     Variant = "shop"
)

// ParseVariant maps user input to a Variant. Blank input means Standard.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "interactive":
		return Standard, nil
	case "simple", "text":
		return Simple, nil
	case "shop":
		return Shop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

var (
	ErrUnknownVariant = errors.New("unknown message variant")
	ErrMissingText    = errors.New("message text is required")
	ErrMissingMedia   = errors.New("shop messages require a media url")
)

// Defaults for decorative fields left blank by the caller.
const (
	DefaultTitle      = "Message"
	DefaultSubtitle   = "Subtitle Message"
	DefaultFooter     = "Sent via wabatch"
	DefaultButtonText = "Display Button"
	DefaultButtonURL  = "https://wa.me"

	DefaultShopTitle    = "Shop Title"
	DefaultShopSubtitle = "Shop Subtitle"
	DefaultShopFooter   = "Shop Footer"
	DefaultShopName     = "WA"
	DefaultShopID       = "default_shop_id"

	ctaURL = "cta_url"
)

type Button struct {
	Text string
	URL  string
}

// Spec describes one message. Fields irrelevant to Variant are ignored.
type Spec struct {
	Variant  Variant
	Text     string
	Title    string
	Subtitle string
	Footer   string
	Button   Button
	Media    string

	ShopName string
	ShopID   string
	// ViewOnce defaults to true for shop messages when nil.
	ViewOnce *bool
}

// Validate reports configuration errors that must be rejected before any
// session work happens.
func (s Spec) Validate() error {
	switch s.Variant {
	case Standard, Simple, Shop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVariant, s.Variant)
	}
	if strings.TrimSpace(s.Text) == "" {
		return ErrMissingText
	}
	if s.Variant == Shop && strings.TrimSpace(s.Media) == "" {
		return ErrMissingMedia
	}
	return nil
}

// Build converts spec into a payload, filling defaults for absent fields.
func Build(s Spec) transport.Payload {
	switch s.Variant {
	case Simple:
		return transport.Payload{Text: s.Text}
	case Shop:
		return buildShop(s)
	default:
		return buildStandard(s)
	}
}

func buildStandard(s Spec) transport.Payload {
	p := transport.Payload{
		Title:    orDefault(s.Title, DefaultTitle),
		Subtitle: orDefault(s.Subtitle, DefaultSubtitle),
		Footer:   orDefault(s.Footer, DefaultFooter),
		Buttons:  []transport.Button{ctaButton(s.Button)},
	}
	if media := strings.TrimSpace(s.Media); media != "" {
		p.Media = &transport.Media{URL: media}
		p.Caption = s.Text
	} else {
		p.Text = s.Text
	}
	return p
}

func buildShop(s Spec) transport.Payload {
	viewOnce := true
	if s.ViewOnce != nil {
		viewOnce = *s.ViewOnce
	}
	return transport.Payload{
		Media:    &transport.Media{URL: strings.TrimSpace(s.Media)},
		Caption:  s.Text,
		Title:    orDefault(s.Title, DefaultShopTitle),
		Subtitle: orDefault(s.Subtitle, DefaultShopSubtitle),
		Footer:   orDefault(s.Footer, DefaultShopFooter),
		ViewOnce: viewOnce,
		Shop:     orDefault(s.ShopName, DefaultShopName),
		ShopID:   orDefault(s.ShopID, DefaultShopID),
	}
}

func ctaButton(b Button) transport.Button {
	params, _ := json.Marshal(struct {
		DisplayText string `json:"display_text"`
		URL         string `json:"url"`
	}{
		DisplayText: orDefault(b.Text, DefaultButtonText),
		URL:         orDefault(strings.TrimSpace(b.URL), DefaultButtonURL),
	})
	return transport.Button{Name: ctaURL, ParamsJSON: string(params)}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
