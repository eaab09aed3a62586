package whatsmeow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	wa "go.mau.fi/whatsmeow"
)

var (
	ErrMediaTooLarge = errors.New("whatsmeow: media exceeds size limit")
	ErrNotImage      = errors.New("whatsmeow: media is not an image")
)

const (
	defaultMediaTimeout  = 30 * time.Second
	defaultMediaMaxBytes = 16 << 20

	mediaCacheSize = 32
	mediaCacheTTL  = 30 * time.Minute
)

type fetcher struct {
	client  *http.Client
	timeout time.Duration
	max     int64
}

// get downloads url and returns its bytes and image mime type.
func (f fetcher) get(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media %s: %w", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.max+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch media %s: %w", url, err)
	}
	if int64(len(data)) > f.max {
		return nil, "", fmt.Errorf("%w: %s", ErrMediaTooLarge, url)
	}

	typ, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(typ, "image/") {
		typ = http.DetectContentType(data)
		if i := strings.IndexByte(typ, ';'); i >= 0 {
			typ = typ[:i]
		}
	}
	if !strings.HasPrefix(typ, "image/") {
		return nil, "", fmt.Errorf("%w: %s is %s", ErrNotImage, url, typ)
	}
	return data, typ, nil
}

// image returns an uploaded image message for url, reusing an earlier upload
// while it is cached. The result is a fresh copy the caller may modify.
func (h *Handle) image(ctx context.Context, url string) (*waE2E.ImageMessage, error) {
	if img, ok := h.media.Get(url); ok {
		return proto.Clone(img).(*waE2E.ImageMessage), nil
	}
	data, typ, err := h.fetch.get(ctx, url)
	if err != nil {
		return nil, err
	}
	up, err := h.cli.Upload(ctx, data, wa.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("upload media %s: %w", url, err)
	}
	img := &waE2E.ImageMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(typ),
	}
	h.media.Add(url, img)
	return proto.Clone(img).(*waE2E.ImageMessage), nil
}
