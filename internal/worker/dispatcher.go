package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"evermem/internal/cluster"
	"evermem/internal/convqueue"
	"evermem/internal/extract"
	"evermem/internal/memerr"
	"evermem/internal/memtypes"
	"evermem/internal/profile"
	"evermem/internal/segment"
	"evermem/internal/store"
	"evermem/internal/syncsvc"
)

// Status of a submitted ingest task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one ingest unit: a single inbound message.
type Task struct {
	RequestID string
	Msg       memtypes.PendingMessage
}

// Config tunes the dispatcher.
type Config struct {
	// Workers is the shard count. Tasks for one group always land on the same
	// shard, which serializes per-group processing; across groups workers run
	// freely.
	Workers   int
	QueueSize int
	// RetryBackoff is the pause before the single worker-level retry of a
	// transient failure.
	RetryBackoff time.Duration
}

// Deps are the collaborators a worker needs, taken by interface so tests can
// substitute fakes.
type Deps struct {
	Store   store.Store
	Queue   convqueue.Queue
	Segment *segment.Engine
	Extract *extract.Extractor
	Cluster *cluster.Manager
	Profile *profile.Manager
	Sync    *syncsvc.Service
}

// Dispatcher owns the worker shards and tracks per-request status.
type Dispatcher struct {
	deps Deps
	cfg  Config

	shards  []chan Task
	wg      sync.WaitGroup
	mu      sync.RWMutex
	status  map[string]Status
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewDispatcher builds a Dispatcher; call Start before Submit.
func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		status:  map[string]Status{},
		stopped: make(chan struct{}),
	}
}

// Start launches the worker shards.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.shards = make([]chan Task, d.cfg.Workers)
	for i := range d.shards {
		d.shards[i] = make(chan Task, d.cfg.QueueSize)
		d.wg.Add(1)
		go d.loop(ctx, i)
	}
	log.Info().Int("workers", d.cfg.Workers).Msg("memorize_dispatcher_started")
}

// Submit routes the task to its group's shard. It blocks when the shard
// queue is full, which backpressures the transport.
func (d *Dispatcher) Submit(ctx context.Context, t Task) error {
	if len(d.shards) == 0 {
		return memerr.Fatal("worker.submit", "dispatcher not started")
	}
	select {
	case <-d.stopped:
		return memerr.Transient("worker.submit", context.Canceled)
	default:
	}
	d.setStatus(t.RequestID, StatusPending)
	shard := d.shardFor(t.Msg.GroupID, t.Msg.SenderID)
	select {
	case d.shards[shard] <- t:
		return nil
	case <-ctx.Done():
		d.setStatus(t.RequestID, StatusFailed)
		return memerr.Transient("worker.submit", ctx.Err())
	}
}

// Status reports the last known state of a request.
func (d *Dispatcher) Status(requestID string) (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.status[requestID]
	return s, ok
}

// Shutdown stops intake, drains queued tasks until the deadline, then
// cancels in-flight work.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	close(d.stopped)
	for _, ch := range d.shards {
		close(ch)
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("memorize_dispatcher_drain_deadline_cancelling")
		d.cancel()
		<-done
	}
	d.cancel()
	log.Info().Msg("memorize_dispatcher_stopped")
}

func (d *Dispatcher) loop(ctx context.Context, shard int) {
	defer d.wg.Done()
	for t := range d.shards[shard] {
		d.setStatus(t.RequestID, StatusProcessing)
		err := d.processWithRetry(ctx, t)
		if err != nil {
			d.setStatus(t.RequestID, StatusFailed)
			log.Error().Err(err).Str("request_id", t.RequestID).
				Str("message_id", t.Msg.MessageID).Msg("memorize_task_failed")
			continue
		}
		d.setStatus(t.RequestID, StatusCompleted)
	}
}

// processWithRetry grants one worker-level retry after a backoff for
// transient failures; extraction and fatal errors fail immediately and wait
// for caller resubmission.
func (d *Dispatcher) processWithRetry(ctx context.Context, t Task) error {
	err := d.process(ctx, t)
	if err == nil || !memerr.IsRetryable(err) {
		return err
	}
	log.Warn().Err(err).Str("request_id", t.RequestID).Msg("memorize_task_retrying")
	select {
	case <-ctx.Done():
		return err
	case <-time.After(d.cfg.RetryBackoff):
	}
	return d.process(ctx, t)
}

func (d *Dispatcher) shardFor(groupID, senderID string) int {
	key := groupID
	if key == "" {
		// Private conversations shard by sender so one user's stream stays
		// ordered.
		key = "user:" + senderID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) setStatus(requestID string, s Status) {
	if requestID == "" {
		return
	}
	d.mu.Lock()
	d.status[requestID] = s
	d.mu.Unlock()
}
