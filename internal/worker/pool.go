package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/internal/logger"
	"github.com/pentestexpress/scanpipe/internal/orchestrator"
)

type workerPool struct {
	cfg       config.WorkerConfig
	queue     core.JobQueue
	pipeline  *orchestrator.Pipeline
	telemetry core.Telemetry
	log       *logger.Logger

	mu      sync.RWMutex
	workers []core.Worker
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorkerPool(
	cfg config.WorkerConfig,
	queue core.JobQueue,
	pipeline *orchestrator.Pipeline,
	telemetry core.Telemetry,
	log *logger.Logger,
) core.WorkerPool {
	return &workerPool{
		cfg:       cfg,
		queue:     queue,
		pipeline:  pipeline,
		telemetry: telemetry,
		log:       log.WithComponent("pool"),
	}
}

func (p *workerPool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("worker pool already started")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.log.Infow("Starting worker pool", "workers", workerCount)

	for i := 0; i < workerCount; i++ {
		w := NewWorker(p.cfg, p.queue, p.pipeline, p.telemetry, p.log)
		if err := w.Start(p.ctx); err != nil {
			p.stopAll()
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return nil
}

func (p *workerPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return fmt.Errorf("worker pool not started")
	}

	p.log.Infow("Stopping worker pool", "workers", len(p.workers))
	p.cancel()
	return p.stopAll()
}

func (p *workerPool) Scale(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return fmt.Errorf("worker pool not started")
	}

	current := len(p.workers)
	switch {
	case workerCount == current:
		return nil
	case workerCount > current:
		p.log.Infow("Scaling up worker pool", "from", current, "to", workerCount)
		for i := current; i < workerCount; i++ {
			w := NewWorker(p.cfg, p.queue, p.pipeline, p.telemetry, p.log)
			if err := w.Start(p.ctx); err != nil {
				return fmt.Errorf("failed to start worker %d: %w", i, err)
			}
			p.workers = append(p.workers, w)
		}
	default:
		p.log.Infow("Scaling down worker pool", "from", current, "to", workerCount)
		toStop := p.workers[workerCount:]
		p.workers = p.workers[:workerCount]

		g := new(errgroup.Group)
		for _, w := range toStop {
			g.Go(w.Stop)
		}
		return g.Wait()
	}
	return nil
}

func (p *workerPool) Status() []*core.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]*core.WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

func (p *workerPool) stopAll() error {
	g := new(errgroup.Group)
	for _, w := range p.workers {
		g.Go(w.Stop)
	}
	p.workers = nil
	return g.Wait()
}
