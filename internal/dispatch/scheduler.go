package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/maildispatch/internal/logging"
	"github.com/busybox42/maildispatch/internal/queue"
)

// ErrStopped is returned by a Delivery interrupted by shutdown. The entry
// is always requeued with its retry budget intact.
var ErrStopped = errors.New("dispatch stopped")

// Result describes a completed delivery
type Result struct {
	MessageID string
	Response  string
}

// Delivery sends one entry. Any error other than ErrStopped counts as a
// failed attempt.
type Delivery interface {
	Send(ctx context.Context, entry *queue.Entry, msg *queue.Message, group *queue.Group) (*Result, error)
}

// MetricsRecorder interface for recording delivery metrics
type MetricsRecorder interface {
	IncrDelivered(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
}

// ErrorRecorder is implemented by recorders that keep the latest failures
type ErrorRecorder interface {
	AddRecentError(ctx context.Context, entryID, recipient, errorMsg string) error
}

// State is the lifecycle state of the scheduler
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures the scheduler
type Config struct {
	Workers       int
	IntervalEmpty time.Duration // sleep when the queue is empty
	IntervalNext  time.Duration // pause between deliveries of one worker
	Saturated     time.Duration // sleep while all workers are busy
	StopPoll      time.Duration // poll interval while stopping
}

// DefaultConfig returns the stock scheduler settings
func DefaultConfig() Config {
	return Config{
		Workers:       1,
		IntervalEmpty: 2 * time.Second,
		IntervalNext:  500 * time.Millisecond,
		Saturated:     100 * time.Millisecond,
		StopPoll:      time.Second,
	}
}

// job is one hand-off from the fetcher to a worker
type job struct {
	entry   *queue.Entry
	message *queue.Message
	group   *queue.Group
	// consumed is set when a retry was taken from the entry at hand-off
	consumed bool
	stop     bool
}

// Stats is a point in time view of the scheduler
type Stats struct {
	State   string `json:"state"`
	Workers int32  `json:"workers"`
	Process int32  `json:"process"`
	Pending int    `json:"pending"`
	Fetcher int32  `json:"fetcher"`
}

// Scheduler drains the entry queue through a fixed pool of workers. A
// single fetcher pops entries and hands them to workers, throttled by the
// number of deliveries in flight.
type Scheduler struct {
	store     *queue.Store
	delivery  Delivery
	config    Config
	logger    *slog.Logger
	msgLogger *logging.MessageLogger
	recorders []MetricsRecorder
	onStopped func()
	now       func() time.Time

	opMu  sync.Mutex
	state atomic.Int32

	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan job
	stopCh  chan struct{}
	group   *errgroup.Group
	spawned int

	jobsRef atomic.Pointer[chan job]
	process atomic.Int32
	workers atomic.Int32
	fetcher atomic.Int32
}

// NewScheduler creates a stopped scheduler
func NewScheduler(store *queue.Store, delivery Delivery, config Config, logger *slog.Logger) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Saturated <= 0 {
		config.Saturated = 100 * time.Millisecond
	}
	if config.StopPoll <= 0 {
		config.StopPoll = time.Second
	}

	base := logger.With("component", "dispatch-scheduler")
	return &Scheduler{
		store:     store,
		delivery:  delivery,
		config:    config,
		logger:    base,
		msgLogger: logging.NewMessageLogger(logger),
		now:       time.Now,
	}
}

// AddMetricsRecorder registers a recorder for delivery outcomes. It must
// be called before Start.
func (s *Scheduler) AddMetricsRecorder(r MetricsRecorder) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.recorders = append(s.recorders, r)
}

// OnStopped sets a hook run once the scheduler has fully stopped
func (s *Scheduler) OnStopped(fn func()) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.onStopped = fn
}

// State returns the lifecycle state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns the current counters
func (s *Scheduler) Stats() Stats {
	pending := 0
	if jobs := s.jobsRef.Load(); jobs != nil {
		pending = len(*jobs)
	}
	return Stats{
		State:   s.State().String(),
		Workers: s.workers.Load(),
		Process: s.process.Load(),
		Pending: pending,
		Fetcher: s.fetcher.Load(),
	}
}

// Start launches the fetcher. It is a no-op unless the scheduler is
// stopped; a Start issued during Stop waits for the stop to finish.
// Deliveries run with ctx; cancelling it interrupts them and the affected
// entries are requeued.
func (s *Scheduler) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != StateStopped {
		return nil
	}
	s.state.Store(int32(StateStarting))

	s.ctx, s.cancel = context.WithCancel(ctx)
	jobs := make(chan job, 2*s.config.Workers)
	s.jobs = jobs
	s.jobsRef.Store(&jobs)
	s.stopCh = make(chan struct{})
	s.group = &errgroup.Group{}

	s.logger.Info("Starting dispatch scheduler",
		"workers", s.config.Workers,
		"interval_empty", s.config.IntervalEmpty,
		"interval_next", s.config.IntervalNext,
	)

	s.fetcher.Add(1)
	go s.fetchLoop(s.stopCh, s.jobs)

	s.state.Store(int32(StateStarted))
	return nil
}

// Stop halts fetching, releases every worker with a stop marker and waits
// until no fetcher, worker or delivery is left. In-flight deliveries run
// to completion. Hand-offs still buffered are put back into the queue.
func (s *Scheduler) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != StateStarted {
		return nil
	}
	s.state.Store(int32(StateStopping))
	s.logger.Info("Stopping dispatch scheduler")

	close(s.stopCh)

	// the fetcher spawns workers, so count them only once it is gone
	s.waitFor(func() bool { return s.fetcher.Load() == 0 })
	for i := int32(0); i < s.workers.Load(); i++ {
		s.jobs <- job{stop: true}
	}

	s.waitFor(func() bool {
		return s.process.Load()+s.workers.Load()+s.fetcher.Load() == 0
	})
	if err := s.group.Wait(); err != nil {
		s.logger.Error("Worker exited with error", "error", err)
	}

	requeued := 0
	for drained := false; !drained; {
		select {
		case j := <-s.jobs:
			if !j.stop {
				s.requeue(j, true, "stopping")
				requeued++
			}
		default:
			drained = true
		}
	}

	s.cancel()
	s.spawned = 0
	s.state.Store(int32(StateStopped))
	s.logger.Info("Dispatch scheduler stopped", "requeued", requeued)

	if s.onStopped != nil {
		s.onStopped()
	}
	return nil
}

func (s *Scheduler) waitFor(done func() bool) {
	for !done() {
		time.Sleep(s.config.StopPoll)
	}
}

func (s *Scheduler) stopping(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until stop is requested
func sleep(stopCh chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) fetchLoop(stopCh chan struct{}, jobs chan job) {
	defer s.fetcher.Add(-1)

	for !s.stopping(stopCh) {
		wait := s.fetchOnce(stopCh, jobs)
		if !sleep(stopCh, wait) {
			return
		}
	}
}

// fetchOnce runs one fetcher iteration and returns how long to sleep
// before the next one. It never panics.
func (s *Scheduler) fetchOnce(stopCh chan struct{}, jobs chan job) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Fetcher iteration failed", "panic", r)
			wait = s.config.IntervalEmpty
		}
	}()

	s.spawnWorkers(stopCh, jobs)

	if n := s.store.Entries.RotateDelayed(s.now()); n > 0 {
		s.logger.Debug("Rotated delayed entries", "count", n)
	}

	workers := int32(s.config.Workers)
	if s.process.Load() >= workers || len(jobs) >= s.config.Workers {
		return s.config.Saturated
	}

	entry, ok := s.store.Entries.Pop()
	if !ok {
		return s.config.IntervalEmpty
	}
	s.handOff(entry, jobs)
	return 0
}

func (s *Scheduler) spawnWorkers(stopCh chan struct{}, jobs chan job) {
	for int(s.workers.Load()) < s.config.Workers {
		s.workers.Add(1)
		id := s.spawned
		s.spawned++
		s.group.Go(func() error {
			return s.worker(id, stopCh, jobs)
		})
	}
}

func (s *Scheduler) handOff(e *queue.Entry, jobs chan job) {
	msg, ok := s.store.Messages.Get(e.Message)
	if !ok {
		e.Retries = 0
		if e.Group != nil {
			s.store.Groups.Adjust(*e.Group, queue.GroupDelta{Wait: -1, Errors: 1})
		}
		s.msgLogger.LogDropped(s.entryContext(e, queue.ErrMessageNotFound.Error()))
		s.record(MetricsRecorder.IncrFailed)
		return
	}

	var group *queue.Group
	if e.Group != nil {
		if g, ok := s.store.Groups.Get(*e.Group); ok {
			group = &g
		}
		s.store.Groups.Adjust(*e.Group, queue.GroupDelta{Wait: -1, Sending: 1})
	}
	s.store.Messages.Touch(e.Message, s.now())

	j := job{entry: e, message: msg, group: group}
	if e.Retries > 0 {
		e.Retries--
		j.consumed = true
	}

	select {
	case jobs <- j:
	default:
		s.requeue(j, true, "hand-off buffer full")
	}
}

func (s *Scheduler) worker(id int, stopCh chan struct{}, jobs chan job) error {
	defer s.workers.Add(-1)

	logger := s.logger.With("worker", id)
	logger.Debug("Worker started")

	for j := range jobs {
		if j.stop {
			logger.Debug("Worker stopped")
			return nil
		}

		s.process.Add(1)
		s.deliver(j, stopCh)
		s.process.Add(-1)

		sleep(stopCh, s.config.IntervalNext)
	}
	return nil
}

func (s *Scheduler) deliver(j job, stopCh chan struct{}) {
	if s.stopping(stopCh) {
		s.requeue(j, true, "stopping")
		return
	}

	start := s.now()
	_, err := s.send(j)
	elapsed := s.now().Sub(start)

	ec := s.entryContext(j.entry, "")
	ec.Attempt = start
	ec.Duration = elapsed

	switch {
	case err == nil:
		s.settle(j, queue.GroupDelta{Sending: -1, Sent: 1})
		s.msgLogger.LogSent(ec)
		s.record(MetricsRecorder.IncrDelivered)

	case errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled):
		s.requeue(j, true, "stopping")

	case j.consumed:
		ec.Error = err.Error()
		s.requeue(j, false, err.Error())

	default:
		s.settle(j, queue.GroupDelta{Sending: -1, Errors: 1})
		ec.Error = err.Error()
		s.msgLogger.LogFailed(ec)
		s.record(MetricsRecorder.IncrFailed)
		s.recordError(j.entry, err)
	}
}

// send calls the delivery, turning a panic into an error
func (s *Scheduler) send(j job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return s.delivery.Send(s.ctx, j.entry, j.message, j.group)
}

// settle finishes an entry for good
func (s *Scheduler) settle(j job, d queue.GroupDelta) {
	if j.entry.Group != nil {
		s.store.Groups.Adjust(*j.entry.Group, d)
	}
	s.store.Messages.AdjustTos(j.entry.Message, -1)
}

// requeue puts an entry back into the queue. restore gives back a retry
// consumed at hand-off.
func (s *Scheduler) requeue(j job, restore bool, reason string) {
	e := j.entry
	if restore && j.consumed {
		e.Retries++
	}

	if _, err := s.store.Entries.Insert(e); err != nil {
		// the group went inactive while the entry was out
		s.settle(j, queue.GroupDelta{Sending: -1})
		s.msgLogger.LogDropped(s.entryContext(e, err.Error()))
		return
	}
	if e.Group != nil {
		s.store.Groups.Adjust(*e.Group, queue.GroupDelta{Sending: -1, Wait: 1})
	}

	ec := s.entryContext(e, reason)
	ec.Error = reason
	s.msgLogger.LogRequeued(ec)
	s.record(MetricsRecorder.IncrDeferred)
}

func (s *Scheduler) entryContext(e *queue.Entry, reason string) logging.EntryContext {
	return logging.EntryContext{
		EntryID:   e.ID,
		MessageID: e.Message,
		GroupID:   e.Group,
		Email:     e.Email,
		Priority:  e.Priority,
		After:     e.After,
		Retries:   e.Retries,
		Reason:    reason,
	}
}

func (s *Scheduler) recordError(e *queue.Entry, cause error) {
	for _, r := range s.recorders {
		er, ok := r.(ErrorRecorder)
		if !ok {
			continue
		}
		if err := er.AddRecentError(context.Background(), strconv.FormatInt(e.ID, 10), e.Email, cause.Error()); err != nil {
			s.logger.Warn("Failed to record delivery error", "error", err)
		}
	}
}

func (s *Scheduler) record(fn func(MetricsRecorder, context.Context) error) {
	for _, r := range s.recorders {
		if err := fn(r, context.Background()); err != nil {
			s.logger.Warn("Failed to record metric", "error", err)
		}
	}
}
