// Package housekeeping runs periodic maintenance on a cron schedule:
// pruning finished job records and reporting session health.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wabatch/internal/session"
	logx "wabatch/pkg/logx"
)

const (
	DefaultPruneSchedule = "@every 10m"

	jobTimeout = time.Minute
	maxHistory = 50
)

type Config struct {
	Timezone       string
	PruneSchedule  string
	ReportSchedule string
}

// Tasks are the operations housekeeping drives. Nil fields are skipped.
type Tasks struct {
	Prune    func(now time.Time) int
	Sessions func() []session.Status
	Report   func(ctx context.Context, text string) error
}

type HistoryItem struct {
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Result   string        `json:"result,omitempty"`
	Err      string        `json:"error,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	tasks  Tasks
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, tasks Tasks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		tasks:  tasks,
		log:    log.With(logx.String("comp", "housekeeping")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the schedules and starts the cron runner. Jobs run with a
// context derived from ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	prune := strings.TrimSpace(s.cfg.PruneSchedule)
	if prune == "" {
		prune = DefaultPruneSchedule
	}
	if s.tasks.Prune != nil {
		if err := s.add(c, "prune", prune, s.prune); err != nil {
			return err
		}
	}
	if spec := strings.TrimSpace(s.cfg.ReportSchedule); spec != "" && s.tasks.Sessions != nil && s.tasks.Report != nil {
		if err := s.add(c, "report", spec, s.report); err != nil {
			return err
		}
	}

	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.String("tz", loc.String()), logx.Int("entries", len(c.Entries())))
	return nil
}

func (s *Service) add(c *cron.Cron, name, spec string, fn func(context.Context) (string, error)) error {
	_, err := c.AddFunc(spec, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("housekeeping %s schedule %q: %w", name, spec, err)
	}
	return nil
}

// Apply swaps the config and, if running, restarts the runner so schedule
// and timezone changes take effect.
func (s *Service) Apply(cfg Config) error {
	if err := s.check(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	old := s.c
	s.c = nil
	s.mu.Unlock()
	if old == nil {
		return nil
	}
	// Running jobs take s.mu in run, so wait for them unlocked.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

// check parses cfg without touching the running schedule.
func (s *Service) check(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for name, spec := range map[string]string{"prune": cfg.PruneSchedule, "report": cfg.ReportSchedule} {
		if spec = strings.TrimSpace(spec); spec == "" {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("housekeeping %s schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("housekeeping stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes the named job synchronously.
func (s *Service) RunNow(name string) error {
	switch name {
	case "prune":
		if s.tasks.Prune == nil {
			return errors.New("housekeeping: prune not configured")
		}
		return s.run(name, s.prune)
	case "report":
		if s.tasks.Sessions == nil || s.tasks.Report == nil {
			return errors.New("housekeeping: report not configured")
		}
		return s.run(name, s.report)
	}
	return fmt.Errorf("housekeeping: unknown job %q", name)
}

func (s *Service) run(name string, fn func(context.Context) (string, error)) error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := time.Now()
	res, err := fn(ctx)
	it := HistoryItem{Name: name, At: start, Duration: time.Since(start), Result: res}
	if err != nil {
		it.Err = err.Error()
		s.log.Warn("housekeeping job failed", logx.String("job", name), logx.Err(err))
	} else {
		s.log.Debug("housekeeping job done", logx.String("job", name), logx.String("result", res))
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.hmu.Unlock()
	return err
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) prune(ctx context.Context) (string, error) {
	n := s.tasks.Prune(time.Now())
	return fmt.Sprintf("pruned %d job records", n), nil
}

func (s *Service) report(ctx context.Context) (string, error) {
	text := SessionReport(s.tasks.Sessions())
	return "report sent", s.tasks.Report(ctx, text)
}

// SessionReport renders a short per-session health summary.
func SessionReport(all []session.Status) string {
	sort.Slice(all, func(i, j int) bool { return all[i].Identity < all[j].Identity })
	connected := 0
	for _, st := range all {
		if st.Connected {
			connected++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sessions: %d total, %d connected", len(all), connected)
	for _, st := range all {
		fmt.Fprintf(&b, "\n- %s: %s", st.Identity, st.State)
		if st.LastReason != "" && !st.Connected {
			fmt.Fprintf(&b, " (%s)", st.LastReason)
		}
	}
	return b.String()
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("housekeeping timezone %q: %w", tz, err)
	}
	return loc, nil
}

// cronLogger routes cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
