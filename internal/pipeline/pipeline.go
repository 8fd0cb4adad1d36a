package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"transitcoords/internal/config"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/export"
	"transitcoords/internal/logging"
	"transitcoords/internal/metrics"
	"transitcoords/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("run queue is full")
	// ErrStopped is returned by Submit after Stop, and recorded for runs
	// that were still queued when the pipeline stopped.
	ErrStopped = errors.New("pipeline stopped")
)

// Job is one queued export run.
type Job struct {
	ID      string            `json:"id"`
	Request export.Request    `json:"request"`
	Dataset ephemeris.Dataset `json:"dataset"`
}

// EventType classifies pipeline events.
type EventType string

const (
	EventStarted   EventType = "started"
	EventRecord    EventType = "record"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is broadcast to subscribers as runs progress.
type Event struct {
	Type    EventType      `json:"type"`
	RunID   string         `json:"run_id"`
	Time    time.Time      `json:"time"`
	Record  *export.Result `json:"record,omitempty"`
	Matched int            `json:"matched,omitempty"`
	Written int            `json:"written,omitempty"`
	Failed  int            `json:"failed,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Processor executes a job.
type Processor interface {
	Process(ctx context.Context, job Job) (*export.Summary, error)
}

// Pipeline orchestrates run dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *metrics.Metrics
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	stopped   bool
	outputs   outputLocks
}

// New starts cfg.Workers workers. A nil processor runs exports against the
// job's ephemeris dataset.
func New(ctx context.Context, cfg config.Pipeline, logger *slog.Logger, store *storage.Store, m *metrics.Metrics, proc Processor) *Pipeline {
	workers := max(cfg.Workers, 1)
	queue := max(cfg.QueueSize, 1)
	if logger == nil {
		logger = logging.Discard()
	}
	if proc == nil {
		proc = NewRunner(logger)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queue),
		cancel:    cancel,
		store:     store,
		metrics:   m,
		subs:      make(map[int]chan Event),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit validates and enqueues a job, returning its run id.
func (p *Pipeline) Submit(job Job) (string, error) {
	if err := job.Request.Validate(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}

	reqJSON, _ := json.Marshal(job.Request)
	_ = p.store.RecordRunQueued(storage.RunRecord{
		ID:          job.ID,
		Status:      storage.StatusQueued,
		Pattern:     job.Request.Pattern,
		OutputPath:  job.Request.Output,
		Body:        job.Request.Body.String(),
		Dataset:     job.Dataset.Name,
		Policy:      string(job.Request.Policy),
		RequestJSON: string(reqJSON),
	})

	select {
	case p.jobs <- job:
		p.metrics.SetQueueDepth(len(p.jobs))
		return job.ID, nil
	default:
		_ = p.store.RecordRunResult(job.ID, storage.StatusFailed, storage.RunCounts{}, ErrQueueFull.Error())
		return "", ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion. Runs still queued
// are recorded as failed with ErrStopped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		for job := range p.jobs {
			p.drop(job)
		}
		p.metrics.SetQueueDepth(0)

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.metrics.SetQueueDepth(len(p.jobs))
			if ctx.Err() != nil {
				p.drop(job)
				continue
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) drop(job Job) {
	_ = p.store.RecordRunResult(job.ID, storage.StatusFailed, storage.RunCounts{}, ErrStopped.Error())
	p.log.Warn("dropped queued run", "run_id", job.ID)
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogRunStart(p.log, job.ID, job.Request.Pattern, job.Request.Output, map[string]any{
		"body":      job.Request.Body.String(),
		"dataset":   job.Dataset.Name,
		"policy":    string(job.Request.Policy),
		"workers":   job.Request.Workers,
		"separator": job.Request.Separator,
	})
	_ = p.store.RecordRunStart(job.ID)
	p.broadcast(Event{Type: EventStarted, RunID: job.ID, Time: start})

	prev := job.Request.OnResult
	job.Request.OnResult = func(res export.Result) {
		if prev != nil {
			prev(res)
		}
		p.recordResult(job.ID, res)
	}

	// Runs sharing an output truncate and rewrite the same file.
	unlock := p.outputs.lock(job.Request.Output)
	sum, err := p.processor.Process(ctx, job)
	unlock()
	duration := time.Since(start)

	ev := Event{Type: EventCompleted, RunID: job.ID, Time: time.Now()}
	var counts storage.RunCounts
	if sum != nil {
		counts = storage.RunCounts{Matched: sum.Matched, Written: sum.Written, Failed: sum.Failed}
		ev.Matched, ev.Written, ev.Failed = sum.Matched, sum.Written, sum.Failed
	}

	status := storage.StatusCompleted
	if err != nil {
		status = storage.StatusFailed
		ev.Type = EventFailed
		ev.Error = err.Error()
		logging.LogRunError(p.log, job.ID, duration, err, map[string]any{
			"pattern": job.Request.Pattern,
			"output":  job.Request.Output,
			"written": counts.Written,
		})
	} else {
		logging.LogRunComplete(p.log, job.ID, duration, counts.Matched, counts.Written)
	}
	_ = p.store.RecordRunResult(job.ID, status, counts, errString(err))
	p.metrics.ObserveRun(status, duration)
	p.broadcast(ev)
}

func (p *Pipeline) recordResult(runID string, res export.Result) {
	line := storage.LineRecord{
		RunID:     runID,
		Seq:       res.Index,
		Path:      res.Path,
		Timestamp: res.Date,
		Tx:        res.Position.Tx,
		Ty:        res.Position.Ty,
		Error:     errString(res.Err),
	}
	if err := p.store.RecordLine(line); err != nil {
		p.log.Warn("record line failed", "run", runID, "seq", res.Index, "error", err)
	}
	p.metrics.ObserveFile(res.Err == nil)

	rec := res
	p.broadcast(Event{Type: EventRecord, RunID: runID, Time: time.Now(), Record: &rec, Error: line.Error})
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// outputLocks hands out one mutex per output path.
type outputLocks struct {
	mu    sync.Mutex
	paths map[string]*outputLock
}

type outputLock struct {
	sync.Mutex
	refs int
}

// lock blocks until no other run holds path and returns the release func.
func (l *outputLocks) lock(path string) func() {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	l.mu.Lock()
	if l.paths == nil {
		l.paths = make(map[string]*outputLock)
	}
	ol, ok := l.paths[key]
	if !ok {
		ol = &outputLock{}
		l.paths[key] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.Lock()
	return func() {
		ol.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.paths, key)
		}
		l.mu.Unlock()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "run", ev.RunID, "event", string(ev.Type))
		}
	}
}

// Runner is the default Processor: it opens the job's ephemeris dataset and
// runs the exporter against it.
type Runner struct {
	log  *slog.Logger
	open func(ephemeris.Dataset) (ephemeris.Provider, error)
}

// NewRunner returns a Runner that opens datasets with ephemeris.Open.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{log: logger, open: ephemeris.Open}
}

func (r *Runner) Process(ctx context.Context, job Job) (*export.Summary, error) {
	provider, err := r.open(job.Dataset)
	if err != nil {
		return nil, fmt.Errorf("open ephemeris %q: %w", job.Dataset.Name, err)
	}
	defer provider.Close()
	return export.New(provider, r.log).Run(ctx, job.Request)
}
