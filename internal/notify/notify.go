// Package notify forwards selected progress events (batch summaries, logouts
// and optionally disconnects) to an operator chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wabatch/internal/progress"
	logx "wabatch/pkg/logx"
)

var ErrDisabled = errors.New("notify: disabled")

// Sender delivers one text notification.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec float64
	// Disconnects also forwards non-terminal disconnects.
	Disconnects bool
	// DedupWindow suppresses repeated identical alerts. Zero disables it.
	DedupWindow time.Duration
	RetryMax    int
	RetryBase   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// Service consumes a progress channel and relays the events worth an
// operator's attention through a Sender. It is safe for concurrent use.
type Service struct {
	sender Sender
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}

const maxHistory = 100

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notify")),
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Run relays events from ch until ctx is done or the subscription closes.
func (s *Service) Run(ctx context.Context, ch progress.Channel) error {
	if s.sender == nil {
		return ErrDisabled
	}
	events, unsub := ch.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			cfg, _ := s.snapshot()
			text, key := Format(e, cfg.Disconnects)
			if text == "" {
				continue
			}
			if !s.allow(key, cfg.DedupWindow, time.Now()) {
				continue
			}
			if err := s.deliver(ctx, text); err != nil && ctx.Err() == nil {
				s.log.Warn("notification dropped", logx.Identity(e.Identity), logx.Err(err))
			}
		}
	}
}

// Notify delivers text immediately, honoring the rate limit and retries.
func (s *Service) Notify(ctx context.Context, text string) error {
	if s.sender == nil {
		return ErrDisabled
	}
	return s.deliver(ctx, text)
}

func (s *Service) allow(key string, window time.Duration, now time.Time) bool {
	if window <= 0 || key == "" {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > 1000 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

func (s *Service) deliver(ctx context.Context, text string) error {
	cfg, lim := s.snapshot()
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = s.sender.Send(callCtx, text)
		cancel()
		if lastErr == nil {
			s.record(text, nil)
			return nil
		}
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt+1))
		if attempt == cfg.RetryMax {
			break
		}
		t := time.NewTimer(cfg.RetryBase << attempt)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	s.record(text, lastErr)
	return lastErr
}

func (s *Service) record(text string, err error) {
	it := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.hmu.Unlock()
}

// History returns the most recent delivery attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Format renders e as an alert. It returns "" for events that are not
// forwarded, and a dedup key for the ones that are.
func Format(e progress.Event, disconnects bool) (text, key string) {
	switch e.Kind {
	case progress.KindSummary:
		if e.Counts == nil {
			return "", ""
		}
		c := *e.Counts
		var b strings.Builder
		if e.Err != "" {
			fmt.Fprintf(&b, "⚠️ Batch for %s aborted: %s\n", e.Identity, e.Err)
		} else {
			fmt.Fprintf(&b, "✅ Batch for %s finished\n", e.Identity)
		}
		fmt.Fprintf(&b, "Total: %d, Successful: %d, Failed: %d", c.Total, c.Successful, c.Failed)
		if e.JobID != "" {
			fmt.Fprintf(&b, "\nJob: %s", e.JobID)
		}
		return b.String(), ""
	case progress.KindConnection:
		if e.State != "disconnected" {
			return "", ""
		}
		if strings.Contains(strings.ToLower(e.Reason), "logged out") {
			return fmt.Sprintf("🚨 Session %s logged out. Pair again to resume sending.", e.Identity), "logout:" + e.Identity
		}
		if !disconnects {
			return "", ""
		}
		reason := e.Reason
		if reason == "" {
			reason = "unknown"
		}
		return fmt.Sprintf("ℹ️ Session %s disconnected (%s), reconnecting.", e.Identity, reason), "disconnect:" + e.Identity + ":" + reason
	}
	return "", ""
}
