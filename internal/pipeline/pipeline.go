package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"meshtrack/internal/config"
	"meshtrack/internal/gpu"
	"meshtrack/internal/logging"
	"meshtrack/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobConform builds a subject's identity mesh from scans.
	JobConform JobType = "conform"
	// JobTrack runs a capture session through the frame pipeline.
	JobTrack JobType = "track"
)

// ErrUnknownJob reports a job id that is not running.
var ErrUnknownJob = errors.New("pipeline: unknown job")

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	frames    *FrameHub
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	running   map[string]context.CancelFunc
}

// New creates a new Pipeline with the given concurrency. Jobs share acc for
// their dense kernels.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, acc gpu.Accelerator) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	hub := NewFrameHub(logger)
	return newPipeline(ctx, concurrency, logger, store, hub, newRouter(logger, store, cfg, acc, hub))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, hub *FrameHub, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:     logger,
		jobs:    make(chan Job, concurrency*2),
		cancel:  cancel,
		store:   store,
		frames:  hub,
		subs:    make(map[int]chan Result),
		running: make(map[string]context.CancelFunc),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Frames returns the hub on which track jobs publish frame results.
func (p *Pipeline) Frames() *FrameHub { return p.frames }

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(persistable(job.Options))
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Cancel stops a running job. Its result reports the cancellation.
func (p *Pipeline) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[id]
	if !ok {
		return ErrUnknownJob
	}
	cancel()
	return nil
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
		p.frames.Close()
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
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()

	fields := jobFields(job)
	logging.LogJobStart(p.log, string(job.Type), job.ID, fields)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(jobCtx, job)
	duration := time.Since(start)
	p.mu.Lock()
	delete(p.running, job.ID)
	p.mu.Unlock()
	cancel()

	status := "completed"
	if res.Error != nil {
		status = "failed"
		if errors.Is(res.Error, context.Canceled) {
			status = "cancelled"
		}
		logging.LogJobError(p.log, string(job.Type), job.ID, fields, duration, res.Error)
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, fields, duration, res.Meta)
	}
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
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

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func jobFields(job Job) logging.JobFields {
	return logging.JobFields{
		Subject: getStringOption(job.Options, "subject"),
		Session: getStringOption(job.Options, "session"),
		Capture: job.InputPath,
		Source:  getStringOption(job.Options, "source"),
	}
}

// persistable drops options that cannot be encoded, such as progress
// callbacks.
func persistable(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		if _, err := json.Marshal(v); err == nil {
			out[k] = v
		}
	}
	return out
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
