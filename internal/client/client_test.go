package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"wabatch/internal/progress"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pair", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("number") == "628111" {
			json.NewEncoder(w).Encode(map[string]string{"message": "Already paired"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"code": "ABCD-1234"})
	})
	mux.HandleFunc("POST /send", func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.Header.Get("X-User-ID") != "user-1" {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "Socket is not connected. Please pair first."})
			return
		}
		if r.URL.Query().Get("async") == "1" {
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "Sending started", "job_id": "job-9"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "Sending error",
			"summary": map[string]int{"total": 2, "successful": 1, "failed": 0},
		})
	})
	mux.HandleFunc("GET /progress", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		b, _ := json.Marshal(progress.Status(r.URL.Query().Get("identity"), "job-9", "Message sent to 1"))
		_ = wsutil.WriteServerText(conn, b)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPair(t *testing.T) {
	c := New(newServer(t).URL)
	code, err := c.Pair(context.Background(), "628999")
	if err != nil || code != "ABCD-1234" {
		t.Fatalf("pair = %q, %v", code, err)
	}
	code, err = c.Pair(context.Background(), "628111")
	if err != nil || code != "" {
		t.Fatalf("paired = %q, %v", code, err)
	}
}

func TestSendErrors(t *testing.T) {
	srv := newServer(t)

	_, err := New(srv.URL).Send(context.Background(), SendRequest{NumbersText: "1", Message: "x"})
	if !IsStatus(err, http.StatusConflict) {
		t.Fatalf("err = %v", err)
	}

	_, err = New(srv.URL, WithUser("user-1")).Send(context.Background(), SendRequest{NumbersText: "1", Message: "x"})
	ae, ok := err.(*APIError)
	if !ok || ae.Status != http.StatusInternalServerError || ae.Summary == nil || ae.Summary.Total != 2 {
		t.Fatalf("err = %#v", err)
	}

	id, err := New(srv.URL, WithUser("user-1")).Start(context.Background(), SendRequest{NumbersText: "1", Message: "x"})
	if err != nil || id != "job-9" {
		t.Fatalf("start = %q, %v", id, err)
	}
}

func TestWatch(t *testing.T) {
	c := New(newServer(t).URL)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := c.Watch(ctx, "628111")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	e, ok := <-events
	if !ok {
		t.Fatal("feed closed before first event")
	}
	if e.Identity != "628111" || e.JobID != "job-9" {
		t.Fatalf("event = %+v", e)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected feed to close after server hangup")
	}
}
