package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wabatch/internal/message"
	"wabatch/internal/runtime/supervisor"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

func newService(t *testing.T, delay time.Duration, cfg Config, handles map[string]transport.Handle) (*Service, *fakeSessions) {
	t.Helper()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	sessions := &fakeSessions{handles: handles}
	return NewService(cfg, NewEngine(delay, nil, logx.Nop()), sessions, sup, logx.Nop()), sessions
}

func waitJob(t *testing.T, s *Service, id string, pred func(JobStatus) bool) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, ok := s.Status(id)
		if ok && pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached expected state, last = %+v", id, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSendRejectsBadRequestsBeforeSessionWork(t *testing.T) {
	svc, sessions := newService(t, 0, Config{}, nil)

	_, err := svc.Send(context.Background(), Request{Identity: "628", NumbersText: " \n \r\n", Spec: message.Spec{Variant: message.Simple, Text: "x"}})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("empty recipients err = %v", err)
	}
	_, err = svc.Send(context.Background(), Request{Identity: "628", NumbersText: "1", Spec: message.Spec{Variant: message.Shop, Text: "x"}})
	if !errors.Is(err, message.ErrMissingMedia) {
		t.Fatalf("shop without media err = %v", err)
	}
	_, err = svc.Send(context.Background(), Request{Identity: "628", NumbersText: "1", Spec: message.Spec{Variant: message.Standard}})
	if !errors.Is(err, message.ErrMissingText) {
		t.Fatalf("missing text err = %v", err)
	}
	if sessions.lookups != 0 {
		t.Fatalf("session looked up %d times for invalid requests", sessions.lookups)
	}
}

func TestSendRequiresConnectedSession(t *testing.T) {
	svc, _ := newService(t, 0, Config{}, nil)
	_, err := svc.Send(context.Background(), Request{Identity: "628", NumbersText: "1", Spec: message.Spec{Variant: message.Simple, Text: "x"}})
	if !errors.Is(err, errNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if len(svc.Jobs()) != 0 {
		t.Fatalf("rejected request must not create a job")
	}
}

func TestSendTracksJob(t *testing.T) {
	h := &fakeHandle{fail: map[string]bool{"2@s.whatsapp.net": true}}
	svc, _ := newService(t, 0, Config{}, map[string]transport.Handle{"628": h})

	res, err := svc.Send(context.Background(), Request{
		Identity:    "+628",
		NumbersText: "1\r\n2\n\n3",
		Spec:        message.Spec{Variant: message.Standard, Text: "hello"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.JobID == "" || res.Summary.Successful != 2 || res.Summary.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	st, ok := svc.Status(res.JobID)
	if !ok {
		t.Fatalf("job not tracked")
	}
	if st.State != JobDone || st.Counts.Total != 3 || st.Counts.Failed != 1 || st.Identity != "628" {
		t.Fatalf("status = %+v", st)
	}
	if st.StartedAt.IsZero() || st.FinishedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", st)
	}
}

func TestBatchesForOneIdentityAreSerialized(t *testing.T) {
	var inflight, peak atomic.Int32
	h := &fakeHandle{onSend: func(string) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		inflight.Add(-1)
	}}
	svc, _ := newService(t, 0, Config{}, map[string]transport.Handle{"628": h})

	req := Request{Identity: "628", NumbersText: "1\n2\n3", Spec: message.Spec{Variant: message.Simple, Text: "x"}}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Send(context.Background(), req); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("peak concurrent sends = %d, want 1", peak.Load())
	}
	if got := len(h.Sent()); got != 9 {
		t.Fatalf("sent = %d", got)
	}
}

func TestCancelBackgroundJob(t *testing.T) {
	h := &fakeHandle{}
	svc, _ := newService(t, time.Hour, Config{}, map[string]transport.Handle{"628": h})

	id, err := svc.Start(Request{Identity: "628", NumbersText: "1\n2\n3", Spec: message.Spec{Variant: message.Simple, Text: "x"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitJob(t, svc, id, func(st JobStatus) bool { return st.Counts.Successful == 1 })

	if err := svc.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	st := waitJob(t, svc, id, func(st JobStatus) bool { return st.State.Finished() })
	if st.State != JobCanceled || st.Counts.Successful != 1 || st.Counts.Total != 3 {
		t.Fatalf("status = %+v", st)
	}
	if err := svc.Cancel(id); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("second cancel err = %v", err)
	}
	if err := svc.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown cancel err = %v", err)
	}
}

func TestPruneBoundsFinishedJobs(t *testing.T) {
	h := &fakeHandle{}
	svc, _ := newService(t, 0, Config{StatusMax: 1, StatusTTL: time.Hour}, map[string]transport.Handle{"628": h})
	req := Request{Identity: "628", NumbersText: "1", Spec: message.Spec{Variant: message.Simple, Text: "x"}}

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := svc.Send(context.Background(), req)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, res.JobID)
		time.Sleep(time.Millisecond)
	}
	if _, ok := svc.Status(ids[0]); ok {
		t.Fatalf("oldest job should have been pruned")
	}
	if got := len(svc.Jobs()); got != 2 {
		t.Fatalf("jobs = %d", got)
	}
	if n := svc.Prune(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Fatalf("ttl prune removed %d", n)
	}
	if got := len(svc.Jobs()); got != 0 {
		t.Fatalf("jobs after ttl prune = %d", got)
	}
}
