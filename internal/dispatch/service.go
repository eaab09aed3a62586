package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wabatch/internal/identity"
	"wabatch/internal/message"
	"wabatch/internal/progress"
	"wabatch/internal/runtime/supervisor"
	"wabatch/internal/transport"
	logx "wabatch/pkg/logx"
)

// Sessions resolves the connected handle of an identity.
type Sessions interface {
	SendableHandle(identity string) (transport.Handle, error)
}

type Config struct {
	// StatusMax bounds how many finished job records are kept.
	StatusMax int
	// StatusTTL is how long a finished job record is kept.
	StatusTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.StatusMax <= 0 {
		c.StatusMax = 200
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	return c
}

// Request is a batch send as submitted by a caller.
type Request struct {
	Identity    string
	NumbersText string
	Spec        message.Spec
}

// Result is what a synchronous Send returns alongside its error.
type Result struct {
	JobID   string  `json:"job_id"`
	Summary Summary `json:"summary"`
}

type Service struct {
	engine   *Engine
	sessions Sessions
	sup      *supervisor.Supervisor
	log      logx.Logger

	cfgMu sync.RWMutex
	cfg   Config

	// lanes serialize batches per identity. A lane is a 1-slot semaphore so
	// waiting can be canceled.
	lanesMu sync.Mutex
	lanes   map[string]chan struct{}

	statusMu sync.RWMutex
	status   map[string]*jobEntry
}

type jobEntry struct {
	st     JobStatus
	cancel context.CancelFunc
}

func NewService(cfg Config, engine *Engine, sessions Sessions, sup *supervisor.Supervisor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	return &Service{
		engine:   engine,
		sessions: sessions,
		sup:      sup,
		log:      log.With(logx.String("comp", "dispatch.service")),
		cfg:      cfg.withDefaults(),
		lanes:    map[string]chan struct{}{},
		status:   map[string]*jobEntry{},
	}
}

func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// prepare validates req and returns the job to run. Configuration errors are
// reported here, before any session work.
func (s *Service) prepare(req Request) (Job, error) {
	recipients := identity.ParseList(req.NumbersText)
	if len(recipients) == 0 {
		return Job{}, ErrNoRecipients
	}
	if err := req.Spec.Validate(); err != nil {
		return Job{}, err
	}
	id := identity.Sanitize(req.Identity)
	if id == "" {
		return Job{}, fmt.Errorf("%w %q", ErrBadIdentity, req.Identity)
	}
	return Job{
		ID:         uuid.NewString(),
		Identity:   id,
		Recipients: recipients,
		Spec:       req.Spec,
	}, nil
}

// Send runs a batch synchronously and returns its summary. The session must
// be connected when Send is called.
func (s *Service) Send(ctx context.Context, req Request) (Result, error) {
	job, err := s.prepare(req)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.sessions.SendableHandle(job.Identity); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(job, cancel)

	sum, err := s.run(ctx, job)
	return Result{JobID: job.ID, Summary: sum}, err
}

// Start queues a batch in the background and returns its job id. Progress
// is observable through Status and the progress channel.
func (s *Service) Start(req Request) (string, error) {
	job, err := s.prepare(req)
	if err != nil {
		return "", err
	}
	if _, err := s.sessions.SendableHandle(job.Identity); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(s.sup.Context())
	s.track(job, cancel)

	s.sup.Go0("dispatch.job", func(context.Context) {
		defer cancel()
		_, _ = s.run(ctx, job)
	})
	return job.ID, nil
}

func (s *Service) run(ctx context.Context, job Job) (Summary, error) {
	lane := s.lane(job.Identity)
	select {
	case lane <- struct{}{}:
	case <-ctx.Done():
		err := &BatchError{Summary: Summary{Total: len(job.Recipients)}, Err: ctx.Err()}
		s.finish(job.ID, err.Summary, err)
		return err.Summary, err
	}
	defer func() { <-lane }()

	// The session may have dropped while this job waited for its lane.
	h, err := s.sessions.SendableHandle(job.Identity)
	if err != nil {
		sum := Summary{Total: len(job.Recipients)}
		s.finish(job.ID, sum, err)
		return sum, err
	}

	s.setRunning(job.ID)
	job.OnProgress = func(c progress.Counts) { s.setCounts(job.ID, c) }
	sum, err := s.engine.SendBatch(ctx, job, h)
	s.finish(job.ID, sum, err)
	return sum, err
}

func (s *Service) lane(id string) chan struct{} {
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	l, ok := s.lanes[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.lanes[id] = l
	}
	return l
}

// Cancel stops a queued or running job between recipients.
func (s *Service) Cancel(jobID string) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	e, ok := s.status[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if e.st.State.Finished() {
		return ErrJobFinished
	}
	if e.cancel != nil {
		e.cancel()
	}
	s.log.Info("job cancel requested", logx.Job(jobID), logx.Identity(e.st.Identity))
	return nil
}

// Status returns a copy of the job record.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	e, ok := s.status[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return e.snapshot(), true
}

// Jobs returns every tracked job, newest first.
func (s *Service) Jobs() []JobStatus {
	s.statusMu.RLock()
	out := make([]JobStatus, 0, len(s.status))
	for _, e := range s.status {
		out = append(out, e.snapshot())
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Prune drops finished records older than the TTL, then the oldest finished
// records beyond the size bound. It returns how many records were removed.
func (s *Service) Prune(now time.Time) int {
	cfg := s.config()
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	removed := 0
	var finished []*jobEntry
	for id, e := range s.status {
		if !e.st.State.Finished() {
			continue
		}
		if now.Sub(e.st.FinishedAt) > cfg.StatusTTL {
			delete(s.status, id)
			removed++
			continue
		}
		finished = append(finished, e)
	}
	if over := len(finished) - cfg.StatusMax; over > 0 {
		sort.Slice(finished, func(i, j int) bool { return finished[i].st.FinishedAt.Before(finished[j].st.FinishedAt) })
		for _, e := range finished[:over] {
			delete(s.status, e.st.ID)
			removed++
		}
	}
	return removed
}

func (s *Service) track(job Job, cancel context.CancelFunc) {
	now := time.Now()
	s.Prune(now)
	s.statusMu.Lock()
	s.status[job.ID] = &jobEntry{
		st: JobStatus{
			ID:        job.ID,
			Identity:  job.Identity,
			Variant:   job.Spec.Variant,
			State:     JobQueued,
			Counts:    progress.Counts{Total: len(job.Recipients)},
			CreatedAt: now,
		},
		cancel: cancel,
	}
	s.statusMu.Unlock()
	s.log.Debug("job queued", logx.Job(job.ID), logx.Identity(job.Identity), logx.Int("total", len(job.Recipients)))
}

func (s *Service) setRunning(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if e := s.status[id]; e != nil {
		e.st.State = JobRunning
		e.st.StartedAt = time.Now()
	}
}

func (s *Service) setCounts(id string, c progress.Counts) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if e := s.status[id]; e != nil {
		e.st.Counts = c
	}
}

func (s *Service) finish(id string, sum Summary, err error) {
	s.statusMu.Lock()
	if e := s.status[id]; e != nil {
		e.st.Counts = sum.Counts()
		e.st.Failures = sum.Failures
		e.st.FinishedAt = time.Now()
		e.cancel = nil
		switch {
		case err == nil:
			e.st.State = JobDone
		case errors.Is(err, context.Canceled):
			e.st.State = JobCanceled
			e.st.Error = err.Error()
		default:
			e.st.State = JobFailed
			e.st.Error = err.Error()
		}
	}
	s.statusMu.Unlock()
}

func (e *jobEntry) snapshot() JobStatus {
	cp := e.st
	if len(e.st.Failures) > 0 {
		cp.Failures = append([]Failure(nil), e.st.Failures...)
	}
	return cp
}
