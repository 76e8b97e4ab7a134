// Package scheduler keeps a bounded number of crawl sessions running,
// admitting the next work item as soon as a slot frees.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	"github.com/JakeFAU/store-email-crawler/internal/metrics"
)

var (
	// ErrRunning is returned by Start when the scheduler is already admitting work.
	ErrRunning = errors.New("scheduler already running")
	// ErrDraining is returned by Start while a previous run is still draining.
	ErrDraining = errors.New("scheduler is draining")
)

// DrainPolicy controls what Stop does with in-flight sessions.
type DrainPolicy string

// Drain policies.
const (
	// DrainCancel cancels sessions; they stop before their next fetch.
	DrainCancel DrainPolicy = "cancel"
	// DrainFinish lets sessions run to completion.
	DrainFinish DrainPolicy = "finish"
)

// SessionRunner crawls one work item to completion.
type SessionRunner interface {
	Run(ctx context.Context, item crawler.WorkItem) crawler.JobResult
}

// Config tunes the admission loop.
type Config struct {
	Capacity       int
	PollInterval   time.Duration
	PollJitter     float64
	ClaimRate      float64
	Drain          DrainPolicy
	SourceBackoff  time.Duration
	SourceMaxDelay time.Duration
	SinkBackoff    time.Duration
	SinkMaxDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollJitter < 0 || c.PollJitter >= 1 {
		c.PollJitter = 0.2
	}
	if c.ClaimRate <= 0 {
		c.ClaimRate = 20
	}
	if c.Drain == "" {
		c.Drain = DrainCancel
	}
	if c.SourceBackoff <= 0 {
		c.SourceBackoff = time.Second
	}
	if c.SourceMaxDelay <= 0 {
		c.SourceMaxDelay = 30 * time.Second
	}
	if c.SinkBackoff <= 0 {
		c.SinkBackoff = 500 * time.Millisecond
	}
	if c.SinkMaxDelay <= 0 {
		c.SinkMaxDelay = 30 * time.Second
	}
	return c
}

// Options are chosen per Start call.
type Options struct {
	Capacity int    `json:"capacity,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

type job struct {
	item    crawler.WorkItem
	started time.Time
}

// Scheduler owns the active job set. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	source crawler.JobSource
	sink   crawler.ResultSink
	runner SessionRunner
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	running        bool
	draining       bool
	opts           Options
	active         map[string]*job
	reserved       int
	pending        int
	sourceFailures int
	limiter        *rate.Limiter
	wake           chan struct{}
	stopLoop       context.CancelFunc
	cancelSessions context.CancelFunc
	abandon        context.CancelFunc
	drained        chan struct{}

	claims sync.WaitGroup
	jobs   sync.WaitGroup
}

// New constructs a Scheduler. It does nothing until Start is called.
func New(source crawler.JobSource, sink crawler.ResultSink, runner SessionRunner, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		source: source,
		sink:   sink,
		runner: runner,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("scheduler"),
		active: make(map[string]*job),
		wake:   make(chan struct{}, 1),
	}
}

// Start begins continuous admission. ctx supplies values only; the run
// lasts until Stop.
func (s *Scheduler) Start(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.draining:
		return ErrDraining
	case s.running:
		return ErrRunning
	}
	if opts.Capacity <= 0 {
		opts.Capacity = s.cfg.Capacity
	}

	base := context.WithoutCancel(ctx)
	loopCtx, stopLoop := context.WithCancel(base)
	sessCtx, cancelSessions := context.WithCancel(base)
	settleCtx, abandon := context.WithCancel(base)

	s.running = true
	s.opts = opts
	s.sourceFailures = 0
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.ClaimRate), opts.Capacity)
	s.stopLoop = stopLoop
	s.cancelSessions = cancelSessions
	s.abandon = abandon
	s.drained = make(chan struct{})

	loopDone := make(chan struct{})
	go s.loop(loopCtx, sessCtx, settleCtx, loopDone)
	if counter, ok := s.source.(crawler.BacklogCounter); ok {
		go s.refreshPending(loopCtx, counter)
	}
	go s.awaitDrain(loopDone, s.drained, cancelSessions, abandon)

	s.logger.Info("scheduler started", zap.Int("capacity", opts.Capacity), zap.String("scope", opts.Scope))
	return nil
}

// Stop halts admission immediately and waits until every in-flight session
// has settled or ctx expires. Results still being written when ctx expires
// are abandoned; their leases lapse and the items become claimable again.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if !s.draining {
		s.draining = true
		s.stopLoop()
		if s.cfg.Drain == DrainCancel {
			s.cancelSessions()
		}
		s.logger.Info("scheduler draining",
			zap.Int("active", len(s.active)),
			zap.String("policy", string(s.cfg.Drain)),
		)
	}
	drained, abandon := s.drained, s.abandon
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		abandon()
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Status returns a point-in-time snapshot.
func (s *Scheduler) Status() crawler.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	st := crawler.SchedulerStatus{
		Running:          s.running,
		Draining:         s.draining,
		Scope:            s.opts.Scope,
		Capacity:         s.opts.Capacity,
		ActiveCount:      len(s.active),
		PendingCountHint: s.pending,
		ActiveIDs:        ids,
	}
	if s.running && !s.draining {
		st.AvailableSlots = max(s.opts.Capacity-len(s.active), 0)
	}
	if !s.running {
		st.Capacity = s.cfg.Capacity
	}
	return st
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) awaitDrain(loopDone <-chan struct{}, drained chan struct{}, cancel, abandon context.CancelFunc) {
	<-loopDone
	s.claims.Wait()
	s.jobs.Wait()
	cancel()
	abandon()

	s.mu.Lock()
	s.running = false
	s.draining = false
	s.mu.Unlock()
	close(drained)
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx, sessCtx, settleCtx context.Context, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		s.admit(ctx, sessCtx, settleCtx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextWait())
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// nextWait is the jittered poll interval, or the source backoff after errors.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	failures := s.sourceFailures
	s.mu.Unlock()
	if failures > 0 {
		return backoff(s.cfg.SourceBackoff, s.cfg.SourceMaxDelay, failures)
	}
	return jitter(s.cfg.PollInterval, s.cfg.PollJitter)
}

// admit reserves every free slot and claims for each one concurrently.
func (s *Scheduler) admit(ctx, sessCtx, settleCtx context.Context) {
	s.mu.Lock()
	free := s.opts.Capacity - len(s.active) - s.reserved
	if free <= 0 || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.reserved += free
	scope := s.opts.Scope
	limiter := s.limiter
	s.claims.Add(free)
	s.mu.Unlock()

	for range free {
		go s.claim(ctx, sessCtx, settleCtx, scope, limiter)
	}
}

func (s *Scheduler) claim(ctx, sessCtx, settleCtx context.Context, scope string, limiter *rate.Limiter) {
	defer s.claims.Done()

	item, ok, err := s.claimNext(ctx, scope, limiter)

	s.mu.Lock()
	s.reserved--
	switch {
	case err != nil:
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.noteSourceFailure(err)
		}
		return
	case !ok:
		s.sourceFailures = 0
		s.mu.Unlock()
		metrics.ObserveClaim("empty")
		return
	case ctx.Err() != nil:
		// Claimed after Stop; hand it straight back.
		s.mu.Unlock()
		s.settle(settleCtx, crawler.JobResult{Item: item, Outcome: crawler.OutcomeDeferred, Reason: "scheduler stopping"}, true)
		return
	}
	s.sourceFailures = 0
	s.active[item.ID] = &job{item: item, started: time.Now()}
	s.jobs.Add(1)
	metrics.SetActiveJobs(len(s.active))
	s.mu.Unlock()
	metrics.ObserveClaim("claimed")

	go s.run(sessCtx, settleCtx, item)
	// Backlog is likely non-empty; look for another free slot.
	s.signal()
}

func (s *Scheduler) claimNext(ctx context.Context, scope string, limiter *rate.Limiter) (crawler.WorkItem, bool, error) {
	if err := limiter.Wait(ctx); err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("wait for claim slot: %w", err)
	}
	item, ok, err := s.source.ClaimNext(ctx, scope)
	if err != nil {
		return crawler.WorkItem{}, false, fmt.Errorf("claim next item: %w", err)
	}
	return item, ok, nil
}

func (s *Scheduler) noteSourceFailure(err error) {
	s.mu.Lock()
	s.sourceFailures++
	failures := s.sourceFailures
	s.mu.Unlock()
	metrics.ObserveClaim("error")
	s.logger.Warn("job source unavailable",
		zap.Int("consecutive_failures", failures),
		zap.Duration("retry_in", backoff(s.cfg.SourceBackoff, s.cfg.SourceMaxDelay, failures)),
		zap.Error(err),
	)
}

func (s *Scheduler) run(sessCtx, settleCtx context.Context, item crawler.WorkItem) {
	defer s.jobs.Done()

	res := s.runSession(sessCtx, item)
	metrics.ObserveJob(string(res.Outcome), res.Duration, len(res.Emails))
	// Sessions cut short by Stop are not the item's fault.
	s.settle(settleCtx, res, sessCtx.Err() != nil)

	s.mu.Lock()
	delete(s.active, item.ID)
	metrics.SetActiveJobs(len(s.active))
	s.mu.Unlock()
	s.signal()
}

// runSession converts a panic inside the session into a failed result.
func (s *Scheduler) runSession(ctx context.Context, item crawler.WorkItem) (res crawler.JobResult) {
	start := time.Now()
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		perr := &crawler.SchedulerInternalError{ItemID: item.ID, Value: v, Stack: debug.Stack()}
		s.logger.Error("session panicked",
			zap.String("item_id", item.ID),
			zap.Any("panic", v),
			zap.ByteString("stack", perr.Stack),
		)
		now := time.Now()
		res = crawler.JobResult{
			Item:       item,
			Outcome:    crawler.OutcomeFailed,
			Reason:     perr.Error(),
			Duration:   now.Sub(start),
			FinishedAt: now,
		}
	}()
	res = s.runner.Run(ctx, item)
	res.Item = item
	if res.Outcome == "" {
		res.Outcome = crawler.OutcomeFailed
		res.Reason = "session returned no outcome"
	}
	return res
}

// settle records a terminal result or releases a deferred item, retrying
// until the write lands, the lease is lost, or ctx is abandoned. A deferred
// item is returned without penalty when handBack is set.
func (s *Scheduler) settle(ctx context.Context, res crawler.JobResult, handBack bool) {
	write := func() error { return s.sink.RecordResult(ctx, res) }
	action := "record result"
	switch {
	case res.Outcome.Terminal():
	case handBack:
		write = func() error { return s.source.Return(ctx, res.Item) }
		action = "return item"
	default:
		write = func() error { return s.source.Release(ctx, res.Item, res.Reason) }
		action = "release item"
	}

	for attempt := 1; ; attempt++ {
		err := write()
		switch {
		case err == nil:
			return
		case errors.Is(err, crawler.ErrLeaseLost):
			s.logger.Warn(action+" skipped: lease lost",
				zap.String("item_id", res.Item.ID),
				zap.String("outcome", string(res.Outcome)),
			)
			return
		}
		metrics.ObserveSinkRetry()
		delay := backoff(s.cfg.SinkBackoff, s.cfg.SinkMaxDelay, attempt)
		s.logger.Warn(action+" failed; retrying",
			zap.String("item_id", res.Item.ID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if perr := crawler.Pause(ctx, delay); perr != nil {
			s.logger.Error(action+" abandoned; lease will expire",
				zap.String("item_id", res.Item.ID),
				zap.Error(err),
			)
			return
		}
	}
}

func (s *Scheduler) refreshPending(ctx context.Context, counter crawler.BacklogCounter) {
	update := func() {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
		defer cancel()
		s.mu.Lock()
		scope := s.opts.Scope
		s.mu.Unlock()
		n, err := counter.PendingCount(reqCtx, scope)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("pending count failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		s.pending = n
		s.mu.Unlock()
	}

	update()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// backoff doubles base per attempt up to ceiling, with up to 20% jitter.
func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d = min(d, ceiling)
	return jitter(d, 0.2)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	//nolint:gosec // scheduling jitter does not need crypto randomness
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
