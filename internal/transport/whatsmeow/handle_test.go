package whatsmeow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	wa "go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

type fakeClient struct {
	mu           sync.Mutex
	sent         []*waE2E.Message
	to           []types.JID
	uploads      int
	pairPhone    string
	disconnected bool
	sendErr      error
}

func (c *fakeClient) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...wa.SendRequestExtra) (wa.SendResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return wa.SendResponse{}, c.sendErr
	}
	c.to = append(c.to, to)
	c.sent = append(c.sent, msg)
	return wa.SendResponse{ID: "3EB0TEST"}, nil
}

func (c *fakeClient) Upload(ctx context.Context, data []byte, mediaType wa.MediaType) (wa.UploadResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads++
	return wa.UploadResponse{
		URL:        "https://mmg.example/u",
		DirectPath: "/v/t62/u",
		MediaKey:   []byte("key"),
		FileLength: uint64(len(data)),
	}, nil
}

func (c *fakeClient) PairPhone(ctx context.Context, phone string, show bool, ct wa.PairClientType, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairPhone = phone
	return "ABCD-EFGH", nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func newTestHandle(cli client, registered bool) *Handle {
	f := fetcher{client: http.DefaultClient, timeout: time.Second, max: 1 << 20}
	return newHandle("628111", cli, registered, f, DefaultDeviceName, logx.Nop())
}

func drain(t *testing.T, h *Handle) []transport.Event {
	t.Helper()
	var out []transport.Event
	for {
		select {
		case e, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("event stream not closed; got %+v", out)
		}
	}
}

func TestPairingFlowEvents(t *testing.T) {
	h := newTestHandle(&fakeClient{}, false)

	h.onEvent(&events.QR{Codes: []string{"c1"}})
	h.onEvent(&events.QR{Codes: []string{"c2"}})
	if h.IsRegistered() {
		t.Fatal("unpaired handle reports registered")
	}
	jid := types.NewJID("628111", types.DefaultUserServer)
	h.onEvent(&events.PairSuccess{ID: jid, Platform: "android"})
	h.onEvent(&events.Connected{})
	if !h.IsRegistered() {
		t.Fatal("paired handle should report registered")
	}
	h.onEvent(&events.Disconnected{})

	got := drain(t, h)
	if len(got) != 3 {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Kind != transport.EventOpen {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Kind != transport.EventCredentials || !got[1].Creds.Registered || string(got[1].Creds.Creds) != jid.String() {
		t.Fatalf("credentials event = %+v", got[1])
	}
	if got[2].Kind != transport.EventClose || got[2].LoggedOut() {
		t.Fatalf("close event = %+v", got[2])
	}
}

func TestLoggedOutIsTerminalClose(t *testing.T) {
	h := newTestHandle(&fakeClient{}, true)
	h.onEvent(&events.Connected{})
	h.onEvent(&events.LoggedOut{OnConnect: true})
	h.onEvent(&events.Disconnected{})

	got := drain(t, h)
	if len(got) != 2 || !got[1].LoggedOut() {
		t.Fatalf("events = %+v", got)
	}
	if h.IsRegistered() {
		t.Fatal("logged out handle still registered")
	}
	if err := h.Send(context.Background(), "628222@s.whatsapp.net", transport.Payload{Text: "x"}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after close err = %v", err)
	}
}

func TestStreamReplacedClosesStream(t *testing.T) {
	h := newTestHandle(&fakeClient{}, true)
	h.onEvent(&events.StreamReplaced{})
	got := drain(t, h)
	if len(got) != 1 || got[0].Kind != transport.EventClose || !strings.Contains(got[0].Reason, "replaced") {
		t.Fatalf("events = %+v", got)
	}
}

func TestCloseDisconnectsWithoutCloseEvent(t *testing.T) {
	cli := &fakeClient{}
	h := newTestHandle(cli, true)
	h.onEvent(&events.Connected{})
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = h.Close()
	got := drain(t, h)
	if len(got) != 1 || got[0].Kind != transport.EventOpen {
		t.Fatalf("events = %+v", got)
	}
	if !cli.disconnected {
		t.Fatal("client not disconnected")
	}
}

func TestRequestPairingCodeUsesIdentity(t *testing.T) {
	cli := &fakeClient{}
	h := newTestHandle(cli, false)
	code, err := h.RequestPairingCode(context.Background(), "628111")
	if err != nil || code != "ABCD-EFGH" {
		t.Fatalf("code = %q, %v", code, err)
	}
	if cli.pairPhone != "628111" {
		t.Fatalf("paired phone = %q", cli.pairPhone)
	}
}

func TestSendText(t *testing.T) {
	cli := &fakeClient{}
	h := newTestHandle(cli, true)
	if err := h.Send(context.Background(), "628222@s.whatsapp.net", transport.Payload{Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(cli.sent) != 1 || cli.sent[0].GetConversation() != "hello" {
		t.Fatalf("sent = %v", cli.sent)
	}
	if cli.to[0].User != "628222" || cli.to[0].Server != types.DefaultUserServer {
		t.Fatalf("to = %v", cli.to[0])
	}
}

func TestSendUploadsMediaOncePerURL(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	cli := &fakeClient{}
	h := newTestHandle(cli, true)
	p := transport.Payload{Caption: "look", Media: &transport.Media{URL: srv.URL + "/a.png"}}
	for _, to := range []string{"1@s.whatsapp.net", "2@s.whatsapp.net"} {
		if err := h.Send(context.Background(), to, p); err != nil {
			t.Fatalf("send %s: %v", to, err)
		}
	}
	if cli.uploads != 1 {
		t.Fatalf("uploads = %d, want 1", cli.uploads)
	}
	img := cli.sent[1].GetImageMessage()
	if img.GetCaption() != "look" || img.GetMimetype() != "image/png" || img.GetFileLength() != uint64(len(png)) {
		t.Fatalf("image = %v", img)
	}
}

func TestSendReportsClientError(t *testing.T) {
	h := newTestHandle(&fakeClient{sendErr: errors.New("not on whatsapp")}, true)
	err := h.Send(context.Background(), "628222@s.whatsapp.net", transport.Payload{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "not on whatsapp") {
		t.Fatalf("err = %v", err)
	}
}
