// Package worker runs the claim-and-process loop that feeds workflow
// items to the engine.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

// Processor handles one claimed item. The engine satisfies this.
type Processor interface {
	ProcessItem(ctx context.Context, item *models.WorkflowItem) error
}

// Config tunes the pool. Zero values take the documented defaults.
type Config struct {
	Workers      int
	BatchSize    int
	IdleInterval time.Duration
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.IdleInterval == 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = 10 * time.Second
	}
	return c
}

// Pool claims due work items in batches and processes each batch with a
// bounded set of goroutines. Items claimed together never exceed
// BatchSize, and a claim is exclusive: other pools skip claimed rows.
type Pool struct {
	store     store.WorkflowStore
	processor Processor
	cfg       Config

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPool(s store.WorkflowStore, p Processor, cfg Config) *Pool {
	return &Pool{
		store:     s,
		processor: p,
		cfg:       cfg.withDefaults(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the claim loop until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop asks the loop to finish the in-flight batch and waits for it.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pool) run(ctx context.Context) {
	defer close(p.done)
	log.Info().
		Int("workers", p.cfg.Workers).
		Int("batch_size", p.cfg.BatchSize).
		Msg("👷 worker pool started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		batch, err := p.store.ClaimBatch(ctx, p.cfg.BatchSize, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("claim batch failed")
			if !p.sleep(ctx, p.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !p.sleep(ctx, p.cfg.IdleInterval) {
				return
			}
			continue
		}

		p.processBatch(ctx, batch)
	}
}

func (p *Pool) processBatch(ctx context.Context, batch []models.WorkflowItem) {
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range batch {
		item := batch[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.processor.ProcessItem(ctx, &item); err != nil {
				log.Error().Err(err).Str("workflow_id", item.ID).Msg("process item failed")
			}
		}()
	}
	wg.Wait()
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	case <-t.C:
		return true
	}
}
