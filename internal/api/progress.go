package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"wabatch/internal/identity"
	logx "wabatch/pkg/logx"
)

const feedBuffer = 256

// handleProgress upgrades to a websocket and streams progress events as JSON
// text frames. ?identity= limits the feed to one identity. Client data frames
// are discarded; control frames are answered under the same lock as event
// writes so frames never interleave on the wire.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	filter := identity.Sanitize(r.URL.Query().Get("identity"))
	if strings.TrimSpace(r.URL.Query().Get("identity")) != "" && filter == "" {
		writeError(w, http.StatusBadRequest, "identity is invalid")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("progress upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()
	// Clear deadlines inherited from the server's read timeout.
	_ = conn.SetDeadline(time.Time{})

	events, unsub := s.feed.Subscribe(feedBuffer)
	defer unsub()

	var wmu sync.Mutex
	control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:    conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			wmu.Lock()
			defer wmu.Unlock()
			return control(h, r)
		},
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			h, err := rd.NextFrame()
			if err != nil {
				return
			}
			if h.OpCode.IsControl() {
				if err := rd.OnIntermediate(h, rd); err != nil {
					return
				}
				continue
			}
			if err := rd.Discard(); err != nil {
				return
			}
		}
	}()

	s.log.Debug("progress subscriber connected", logx.String("identity", filter))
	for {
		select {
		case <-gone:
			return
		case <-s.closed:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && e.Identity != filter {
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			wmu.Lock()
			err = wsutil.WriteServerText(conn, b)
			wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
