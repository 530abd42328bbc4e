package extract

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
)

// Pool errors.
var (
	// ErrQueueFull is returned by Submit when the queue is at its hard
	// cap. Callers requeue the episode's messages and retry later.
	ErrQueueFull = errors.New("extract: queue full")

	// ErrClosed is returned by Submit after the pool has been closed.
	ErrClosed = errors.New("extract: pool closed")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 3 * time.Minute

	lockStripes = 64
)

// PoolConfig configures a [Pool].
type PoolConfig struct {
	// Extractor runs the per-episode pipeline. Required.
	Extractor *Extractor

	// Store receives the committed episodes. Required.
	Store *memstore.Store

	// DLQ parks episodes that failed terminally. Optional; without it
	// failed episodes are only logged.
	DLQ *DeadLetterQueue

	// Project is invoked after each successful commit to index the
	// batch. Optional. The projector records its own failures; they do
	// not affect the commit.
	Project func(ctx context.Context, t tenant.Tenant, c *memstore.Commit)

	// Workers is the number of concurrent extractions. Default 4.
	Workers int

	// QueueSize is the hard cap on queued episodes. Default 256.
	QueueSize int

	// HighWater is the queue depth at which tickets start reporting
	// Queued, so ingest can signal backpressure before the hard cap.
	// Default QueueSize/2.
	HighWater int

	// Timeout bounds one episode's extraction. Default 3m.
	Timeout time.Duration
}

// Pool runs extractions on a bounded set of workers.
//
// Submissions queue on a fixed-capacity channel; a full queue rejects
// with [ErrQueueFull] so ingest sheds load instead of blocking. Episodes
// of the same conversation never extract concurrently.
type Pool struct {
	cfg  PoolConfig
	jobs chan *Ticket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	locks [lockStripes]sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewPool creates the pool and starts its workers.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extract: PoolConfig.Extractor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("extract: PoolConfig.Store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HighWater <= 0 || cfg.HighWater > cfg.QueueSize {
		cfg.HighWater = cfg.QueueSize / 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		jobs:   make(chan *Ticket, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker()
		}()
	}
	return p, nil
}

// Ticket tracks one submitted episode.
type Ticket struct {
	// EventID is the memory cell ID the episode commits under.
	EventID string

	// Queued is set when the queue was past its high-water mark at
	// submission.
	Queued bool

	// Depth is the queue depth observed at submission.
	Depth int

	ep   *Episode
	done chan struct{}
	err  error
}

// Wait blocks until the episode has been committed or dead-lettered,
// returning the terminal error.
func (tk *Ticket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tk.done:
		return tk.err
	}
}

// Submit queues one episode for extraction. An empty EventID is
// assigned a fresh one; the returned ticket carries it together with
// the backpressure signals observed at submission.
func (p *Pool) Submit(ep *Episode) (*Ticket, error) {
	if err := ep.Tenant.Validate(); err != nil {
		return nil, err
	}
	if ep.ConversationID == "" {
		return nil, fmt.Errorf("extract: episode missing conversation id")
	}
	if len(ep.Messages) == 0 {
		return nil, fmt.Errorf("extract: empty episode")
	}
	if ep.EventID == "" {
		ep.EventID = uuid.NewString()
	}
	tk := &Ticket{EventID: ep.EventID, ep: ep, done: make(chan struct{})}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	select {
	case p.jobs <- tk:
	default:
		return nil, ErrQueueFull
	}
	tk.Depth = len(p.jobs)
	tk.Queued = tk.Depth >= p.cfg.HighWater
	return tk, nil
}

// Depth reports the current queue depth.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// DeadLetters lists the tenant's dead-lettered episodes, oldest first.
func (p *Pool) DeadLetters(ctx context.Context, t tenant.Tenant) ([]*DeadLetter, error) {
	if p.cfg.DLQ == nil {
		return nil, nil
	}
	return p.cfg.DLQ.List(ctx, t)
}

// Requeue re-submits one dead-lettered episode, identified by its
// conversation and failure timestamp, and removes it from the queue once
// accepted. A requeued episode keeps its original event ID, so a
// duplicate requeue re-commits the same cell instead of forking it.
func (p *Pool) Requeue(ctx context.Context, t tenant.Tenant, conversationID string, failedAt int64) (*Ticket, error) {
	if p.cfg.DLQ == nil {
		return nil, fmt.Errorf("extract: no dead-letter queue configured")
	}
	dl, err := p.cfg.DLQ.Get(ctx, t, conversationID, failedAt)
	if err != nil {
		return nil, err
	}
	tk, err := p.Submit(dl.Episode(t))
	if err != nil {
		return nil, err
	}
	if err := p.cfg.DLQ.Delete(ctx, t, conversationID, failedAt); err != nil {
		return tk, fmt.Errorf("extract: drop dead letter: %w", err)
	}
	return tk, nil
}

// Close stops accepting submissions, drains the queued episodes and
// waits for in-flight extractions to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	return nil
}

func (p *Pool) worker() {
	for tk := range p.jobs {
		p.run(tk)
	}
}

func (p *Pool) run(tk *Ticket) {
	ep := tk.ep
	lock := p.lock(ep.Tenant, ep.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	err := p.process(ctx, ep)
	if err != nil {
		slog.Error("extract: episode failed", "conversation", ep.ConversationID, "event", ep.EventID, "error", err)
		if p.cfg.DLQ != nil {
			if dlqErr := p.deadLetter(ep, err); dlqErr != nil {
				slog.Error("extract: dead-letter write failed", "conversation", ep.ConversationID, "error", dlqErr)
			}
		}
	}
	tk.err = err
	close(tk.done)
}

func (p *Pool) process(ctx context.Context, ep *Episode) error {
	res, err := p.cfg.Extractor.Extract(ctx, ep)
	if err != nil {
		return err
	}
	commit := res.Commit()
	if err := p.cfg.Store.CommitEpisode(ctx, ep.Tenant, commit); err != nil {
		return fmt.Errorf("commit episode %s: %w", ep.EventID, err)
	}
	if p.cfg.Project != nil {
		p.cfg.Project(ctx, ep.Tenant, commit)
	}
	return nil
}

// deadLetter records a terminal failure on its own deadline; the
// episode's context is usually already dead by the time it runs.
func (p *Pool) deadLetter(ep *Episode, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.cfg.DLQ.Put(ctx, ep, cause)
}

func (p *Pool) lock(t tenant.Tenant, conv string) *sync.Mutex {
	h := fnv.New32a()
	io.WriteString(h, t.Org)
	io.WriteString(h, "\x00")
	io.WriteString(h, t.Space)
	io.WriteString(h, "\x00")
	io.WriteString(h, conv)
	return &p.locks[h.Sum32()%lockStripes]
}
